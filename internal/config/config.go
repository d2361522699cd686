package config

import (
	"errors"
	"fmt"
	"mere/internal/model"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Destination string   `mapstructure:"destination"`
	Paths       []string `mapstructure:"paths"`
	RemoteRoot  string   `mapstructure:"remote_root"`

	User                  string   `mapstructure:"user"`
	KeyPaths              []string `mapstructure:"key_paths"`
	AgentSocket           string   `mapstructure:"agent_socket"`
	KnownHosts            string   `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool     `mapstructure:"insecure_ignore_host_key"`

	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`

	WatcherBackend string        `mapstructure:"watcher_backend"`
	Settle         time.Duration `mapstructure:"settle"`
	Quiet          time.Duration `mapstructure:"quiet"`
	MoveWindow     time.Duration `mapstructure:"move_window"`
	BufferSize     int           `mapstructure:"buffer_size"`
	QueueWarn      int           `mapstructure:"queue_warn"`
	QueueLimit     int           `mapstructure:"queue_limit"`
	IgnoreList     []string      `mapstructure:"ignore_list"`

	DaemonPort int    `mapstructure:"daemon_port"`
	History    bool   `mapstructure:"history"`
	DBPath     string `mapstructure:"db_path"`

	// Dir is the state directory holding the config file, lock and database.
	Dir string `mapstructure:"-"`
}

var Default = Config{
	RemoteRoot:        ".",
	KeyPaths:          []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"},
	KnownHosts:        "~/.ssh/known_hosts",
	ConnectTimeout:    10 * time.Second,
	KeepaliveInterval: 30 * time.Second,
	BackoffInitial:    time.Second,
	BackoffMax:        60 * time.Second,
	ShutdownGrace:     5 * time.Second,
	WatcherBackend:    "auto",
	Settle:            100 * time.Millisecond,
	Quiet:             500 * time.Millisecond,
	MoveWindow:        100 * time.Millisecond,
	BufferSize:        1024,
	QueueWarn:         10000,
	QueueLimit:        0,
	IgnoreList:        []string{".git", ".DS_Store", "*.swp", "*.tmp", "*~"},
	DaemonPort:        9101,
	History:           true,
	DBPath:            "mere.db",
}

// Load reads ~/.mere/config.yaml (or file, when set), MERE_* environment
// variables and the defaults above, in increasing order of precedence for
// the first two.
func Load(file string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home dir: %w", err)
	}

	configDir := filepath.Join(home, ".mere")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
	}

	setDefaults(v)

	v.SetEnvPrefix("MERE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || file != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Dir = configDir
	cfg.KnownHosts = expandHome(cfg.KnownHosts, home)
	cfg.AgentSocket = expandHome(cfg.AgentSocket, home)
	for i, p := range cfg.KeyPaths {
		cfg.KeyPaths[i] = expandHome(p, home)
	}
	if cfg.DBPath != "" && !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(configDir, cfg.DBPath)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote_root", Default.RemoteRoot)
	v.SetDefault("key_paths", Default.KeyPaths)
	v.SetDefault("known_hosts", Default.KnownHosts)
	v.SetDefault("insecure_ignore_host_key", false)
	v.SetDefault("agent_socket", os.Getenv("SSH_AUTH_SOCK"))
	v.SetDefault("connect_timeout", Default.ConnectTimeout)
	v.SetDefault("keepalive_interval", Default.KeepaliveInterval)
	v.SetDefault("backoff_initial", Default.BackoffInitial)
	v.SetDefault("backoff_max", Default.BackoffMax)
	v.SetDefault("shutdown_grace", Default.ShutdownGrace)
	v.SetDefault("watcher_backend", Default.WatcherBackend)
	v.SetDefault("settle", Default.Settle)
	v.SetDefault("quiet", Default.Quiet)
	v.SetDefault("move_window", Default.MoveWindow)
	v.SetDefault("buffer_size", Default.BufferSize)
	v.SetDefault("queue_warn", Default.QueueWarn)
	v.SetDefault("queue_limit", Default.QueueLimit)
	v.SetDefault("ignore_list", Default.IgnoreList)
	v.SetDefault("daemon_port", Default.DaemonPort)
	v.SetDefault("history", Default.History)
	v.SetDefault("db_path", Default.DBPath)

	// registered so AutomaticEnv sees them during Unmarshal
	v.SetDefault("destination", "")
	v.SetDefault("paths", []string{})
	v.SetDefault("user", "")
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}

	return p
}

// Run is the validated startup configuration of one sync or watch run.
type Run struct {
	Destination model.Destination
	Targets     []model.WatchTarget
	Watch       bool
}

// Resolve validates the destination and paths, falling back to the config
// file values when dest or paths are empty. Every failure wraps ErrInvalid.
func (c *Config) Resolve(dest string, paths []string, watch bool) (*Run, error) {
	if dest == "" {
		dest = c.Destination
	}
	if len(paths) == 0 {
		paths = c.Paths
	}

	if dest == "" {
		return nil, fmt.Errorf("%w: destination is required", ErrInvalid)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: at least one path is required", ErrInvalid)
	}

	dst, err := model.ParseDestination(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if dst.User == "" {
		dst.User = c.User
	}

	switch c.WatcherBackend {
	case "auto", "inotify", "fsnotify":
	default:
		return nil, fmt.Errorf("%w: unknown watcher_backend %q", ErrInvalid, c.WatcherBackend)
	}

	run := &Run{Destination: dst, Watch: watch}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		t, err := target(p)
		if err != nil {
			return nil, err
		}

		if seen[t.LocalPath] {
			continue
		}
		seen[t.LocalPath] = true
		run.Targets = append(run.Targets, t)
	}

	return run, nil
}

func target(p string) (model.WatchTarget, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return model.WatchTarget{}, fmt.Errorf("%w: failed to resolve path %s: %w", ErrInvalid, p, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return model.WatchTarget{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return model.WatchTarget{}, fmt.Errorf("%w: path is not readable: %w", ErrInvalid, err)
	}
	_ = f.Close()

	return model.WatchTarget{LocalPath: abs, IsDir: info.IsDir()}, nil
}
