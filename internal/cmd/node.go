package cmd

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/primeloop/internal/config"
	"github.com/3leaps/primeloop/internal/observability"
	"github.com/3leaps/primeloop/pkg/agent"
	"github.com/3leaps/primeloop/pkg/lockfile"
	"github.com/3leaps/primeloop/pkg/primenet"
	"github.com/3leaps/primeloop/pkg/results"
	"github.com/3leaps/primeloop/pkg/statestore"
	"github.com/3leaps/primeloop/pkg/worktodo"
)

// node wires the components of a running agent.
type node struct {
	cfg    *config.Config
	state  *statestore.Store
	client *primenet.Client
	agent  *agent.Agent
}

func newClient(cfg *config.Config, logger *zap.Logger) (*primenet.Client, error) {
	c, err := primenet.New(primenet.Config{
		APIURL:    cfg.APIURL,
		BaseURL:   cfg.BaseURL,
		Identity:  cfg.Identity(),
		Hardware:  cfg.Hardware(),
		Username:  cfg.Username,
		Password:  cfg.Password,
		RateLimit: cfg.RateLimit,
		Logger:    logger.Named("primenet"),
	})
	if err != nil {
		return nil, exitError(exitFailure, "Failed to create PrimeNet client", err)
	}
	return c, nil
}

func openNode(ctx context.Context, cfg *config.Config) (*node, error) {
	logger := observability.CLILogger

	wt, err := cfg.PreferredWorkType()
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid work type", err)
	}

	state, err := statestore.Open(ctx, statestore.Config{Path: cfg.Path(statestore.DefaultFileName)})
	if err != nil {
		return nil, exitError(exitFileWrite, "Failed to open state database", err)
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		_ = state.Close()
		return nil, err
	}

	lock := lockfile.Options{Logger: logger.Named("lock")}
	reconciler := results.New(results.Config{
		ResultsPath: cfg.Path(config.ResultsFile),
		SentPath:    cfg.Path(config.ResultsSentFile),
		Submitter:   client,
		History:     state,
		Lock:        lock,
		Logger:      logger.Named("results"),
	})

	ag, err := agent.New(agent.Config{
		WorkDir:    cfg.WorkDir(),
		Policy:     cfg.Policy(),
		WorkType:   wt,
		Cores:      cfg.NP,
		Client:     client,
		Queue:      worktodo.NewStore(cfg.Path(config.WorkToDoFile), lock),
		Reconciler: reconciler,
		State:      state,
		Logger:     logger.Named("agent"),
	})
	if err != nil {
		_ = state.Close()
		return nil, exitError(exitFailure, "Failed to create agent", err)
	}

	return &node{cfg: cfg, state: state, client: client, agent: ag}, nil
}

func (n *node) Close() error {
	if n == nil || n.state == nil {
		return nil
	}
	return n.state.Close()
}
