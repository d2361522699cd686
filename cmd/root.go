package cmd

import (
	"errors"
	"fmt"
	"mere/internal/auth"
	"mere/internal/config"
	"mere/internal/logger"
	"mere/internal/transport"
	"os"

	"github.com/spf13/cobra"
)

const (
	exitGeneric   = 1
	exitConfig    = 2
	exitAuth      = 3
	exitTransport = 4
)

var (
	cfg        *config.Config
	debug      bool
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "mere",
	Short:         "Mirror local paths to a remote host over SSH",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		logger.Init(debug)

		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	case errors.Is(err, auth.ErrNoCredentialAvailable), errors.Is(err, transport.ErrAuthRejected):
		return exitAuth
	case transport.IsFatal(err):
		return exitTransport
	default:
		return exitGeneric
	}
}

func daemonURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", cfg.DaemonPort, path)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.mere/config.yaml)")
}
