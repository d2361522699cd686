package cmd

import (
	"context"
	"fmt"
	"mere/internal/auth"
	"mere/internal/config"
	"mere/internal/daemon"
	"mere/internal/db"
	"mere/internal/logger"
	"mere/internal/model"
	"mere/internal/pathmap"
	"mere/internal/pipeline"
	"mere/internal/repository"
	"mere/internal/transport"
	"mere/internal/watcher"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

func runMirror(ctx context.Context, dest string, paths []string, watch bool) error {
	defer logger.Sync()

	run, err := cfg.Resolve(dest, paths, watch)
	if err != nil {
		return err
	}

	mapper, err := pathmap.New(run.Targets, cfg.RemoteRoot)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	ignorer, err := pipeline.NewIgnorer(cfg.IgnoreList, mapper)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	dialer, err := transport.NewSFTPDialer(cfg.KnownHosts, cfg.InsecureIgnoreHostKey, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	if watch {
		lock, err := daemon.AcquireLock(cfg.Dir)
		if err != nil {
			return err
		}

		defer func(l *daemon.Lock) {
			_ = l.Release()
		}(lock)
	}

	var (
		recorder daemon.Recorder
		store    daemon.HistoryStore
	)
	if cfg.History {
		if err := db.Init(cfg.DBPath); err != nil {
			return err
		}

		defer func() {
			_ = db.Close()
		}()

		repo := repository.NewHistoryRepository()
		recorder, store = repo, repo
	}

	engine := daemon.NewEngine(run.Destination, mapper,
		auth.Resolver{KeyPaths: cfg.KeyPaths, AgentSocket: cfg.AgentSocket},
		dialer,
		daemon.Options{
			BackoffInitial:    cfg.BackoffInitial,
			BackoffMax:        cfg.BackoffMax,
			KeepaliveInterval: cfg.KeepaliveInterval,
			ShutdownGrace:     cfg.ShutdownGrace,
			QueueWarn:         cfg.QueueWarn,
			QueueLimit:        cfg.QueueLimit,
			Ignorer:           ignorer,
			Recorder:          recorder,
		})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Log.Info("mere starting",
		zap.String("destination", run.Destination.String()),
		zap.Int("targets", len(run.Targets)),
		zap.String("remote_root", mapper.RemoteRoot()),
		zap.Bool("watch", watch))

	if !watch {
		err := engine.Run(ctx, nil)
		printSummary(engine.Snapshot())
		return err
	}

	w, err := watcher.New(mapper, watcher.Options{
		Backend:    cfg.WatcherBackend,
		Settle:     cfg.Settle,
		Quiet:      cfg.Quiet,
		MoveWindow: cfg.MoveWindow,
		BufferSize: cfg.BufferSize,
		OnOverflow: engine.RequestRescan,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	srv := daemon.NewServer(engine, store, cfg.DaemonPort)
	if err := srv.Start(); err != nil {
		return err
	}

	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Stop(shutdownCtx)
	}()

	go func() {
		select {
		case <-srv.StopCh():
			logger.Log.Info("stop requested via API")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = engine.Run(ctx, pipeline.Filter(w.Events(), ignorer))
	if err == nil {
		logger.Log.Info("mere stopped")
	}

	return err
}

func printSummary(snap model.EngineSnapshot) {
	fmt.Printf("done: %d synced, %d failed, %d skipped, %s transferred\n",
		snap.Applied, snap.Failed, snap.Skipped, humanize.Bytes(uint64(snap.Bytes)))
}
