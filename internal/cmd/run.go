package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/primeloop/internal/config"
	"github.com/3leaps/primeloop/internal/observability"
	"github.com/3leaps/primeloop/internal/server"
	"github.com/3leaps/primeloop/internal/server/handlers"
)

// saveSettings writes supplied flags back to local.yaml.
func saveSettings(cfg *config.Config) error {
	written, err := cfg.Persist()
	if err != nil {
		return exitError(exitFileWrite, "Failed to save settings", err)
	}
	if written {
		observability.CLILogger.Info("Saved settings", zap.String("path", cfg.Path(config.FileName)))
	}
	return nil
}

func runLoop(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(config.ModeRun); err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	if err := saveSettings(cfg); err != nil {
		return err
	}

	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = n.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, n, hangups(ctx))
}

// serve runs the agent loop and, when configured, the status server. The
// server stops once the loop returns.
func serve(ctx context.Context, n *node, wake <-chan struct{}) error {
	logger := observability.CLILogger

	var srv *server.Server
	if n.cfg.StatusAddr != "" {
		host, port, err := server.ParseAddr(n.cfg.StatusAddr)
		if err != nil {
			return exitError(exitInvalidArgument, "Invalid status address", err)
		}
		srv = server.New(host, port, server.Options{
			Version:  versionInfo.Version,
			Status:   func() any { return n.agent.Status() },
			Checkers: map[string]handlers.Checker{"state": n.state},
			Logger:   logger.Named("server"),
		})
	}

	loopCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(loopCtx)

	g.Go(func() error {
		defer stopServer()
		logger.Info("Starting",
			zap.String("workdir", n.cfg.WorkDir()),
			zap.Duration("timeout", n.cfg.Timeout),
			zap.Bool("registered", n.client.Registered()),
		)
		return n.agent.Run(gctx, wake)
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return exitError(exitUnavailable, "Status server failed", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// hangups turns SIGHUP into wake-ups of the agent loop.
func hangups(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	wake := make(chan struct{}, 1)

	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake
}
