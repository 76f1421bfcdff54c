// Package agent runs the synchronization cycle: submit finished results,
// estimate and report progress, then top up the work queue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/primeloop/pkg/fetchplan"
	"github.com/3leaps/primeloop/pkg/primenet"
	"github.com/3leaps/primeloop/pkg/results"
	"github.com/3leaps/primeloop/pkg/statestore"
	"github.com/3leaps/primeloop/pkg/worktodo"
)

// Client is the subset of *primenet.Client the agent uses.
type Client interface {
	results.Submitter
	Login(ctx context.Context) error
	GUID() string
	ReportProgress(ctx context.Context, r primenet.ProgressReport) error
	FetchAssignments(ctx context.Context, req primenet.FetchRequest) ([]string, error)
}

// State is the durable node state. *statestore.Store satisfies it.
type State interface {
	SaveRate(ctx context.Context, r statestore.Rate) error
	LastRate(ctx context.Context, guid string) (statestore.Rate, bool, error)
	RecordCycle(ctx context.Context, c statestore.Cycle) error
}

type Config struct {
	// WorkDir holds the engine's progress logs (p<exponent>.stat).
	WorkDir string

	Policy   fetchplan.Policy
	WorkType primenet.WorkType
	Cores    int

	Client     Client
	Queue      *worktodo.Store
	Reconciler *results.Reconciler

	// State is optional. Without it there is no rate fallback and no
	// cycle history.
	State State

	Logger *zap.Logger
	Now    func() time.Time
}

// Agent drives the cycle. Status may be read concurrently with a running
// cycle.
type Agent struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	status Status
}

func New(cfg Config) (*Agent, error) {
	if cfg.Client == nil {
		return nil, errors.New("agent: client is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("agent: work queue store is required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("agent: reconciler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{cfg: cfg, log: cfg.Logger}, nil
}

// Status returns the snapshot of the last finished cycle.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Run executes cycles until ctx is cancelled. A zero Policy.Timeout runs a
// single cycle. A cycle that has started always runs to completion; only
// the sleep between cycles is interrupted. A value on wake ends the sleep
// early.
func (a *Agent) Run(ctx context.Context, wake <-chan struct{}) error {
	for {
		if _, err := a.RunCycle(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("Cycle finished with errors", zap.Error(err))
		}

		if a.cfg.Policy.Timeout <= 0 {
			return nil
		}

		timer := time.NewTimer(a.cfg.Policy.Timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.log.Info("Stopping")
			return nil
		case <-wake:
			timer.Stop()
			a.log.Info("Woken up; starting next cycle")
		case <-timer.C:
		}
	}
}

// RunCycle runs one synchronization cycle. Step failures are logged and
// joined into the returned error; they never abort later steps except
// where a step depends on an earlier one.
func (a *Agent) RunCycle(ctx context.Context) (Status, error) {
	prev := a.Status()
	st := Status{
		StartedAt:  a.cfg.Now(),
		Cycles:     prev.Cycles + 1,
		Registered: a.cfg.Client.GUID() != "",
	}

	err := a.cycle(ctx, &st)
	if err != nil {
		st.LastError = err.Error()
	}
	st.FinishedAt = a.cfg.Now()

	a.mu.Lock()
	a.status = st
	a.mu.Unlock()

	a.recordCycle(ctx, st)
	return st, err
}

func (a *Agent) cycle(ctx context.Context, st *Status) error {
	if err := a.cfg.Client.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var errs []error

	report, err := a.cfg.Reconciler.Reconcile(ctx)
	st.Submitted, st.Rejected, st.Deferred = report.Accepted, report.Rejected, report.Deferred
	if err != nil {
		errs = append(errs, a.stepError("submit results", err))
	}

	queue, err := a.cfg.Queue.Load(ctx)
	if err != nil {
		errs = append(errs, a.stepError("load work queue", err))
		return errors.Join(errs...)
	}
	for _, invalid := range queue.Invalid {
		a.log.Warn("Skipping malformed work queue line", zap.Error(invalid))
	}

	head, hasHead := queue.Head()
	var est estimate
	if hasHead {
		est = a.estimateHead(ctx, head)
		st.Head = headStatus(head, est.progress)
	}

	if st.Registered && hasHead {
		st.Reported = a.reportProgress(ctx, queue.Assignments(), est.progress)
	} else if hasHead {
		a.log.Debug("Not registered; skipping progress reports")
	}

	fetched, depth, err := a.topUp(ctx, est)
	st.Fetched = fetched
	st.QueueDepth = depth
	if err != nil {
		errs = append(errs, a.stepError("fetch assignments", err))
		st.QueueDepth = queue.Depth()
	}

	return errors.Join(errs...)
}

// stepError logs a failed step. Lock contention is routine when sibling
// processes share the work directory.
func (a *Agent) stepError(step string, err error) error {
	if isLocked(err) {
		a.log.Debug("Resource busy; skipping step this cycle", zap.String("step", step), zap.Error(err))
	} else {
		a.log.Warn("Step failed", zap.String("step", step), zap.Error(err))
	}
	return fmt.Errorf("%s: %w", step, err)
}

func (a *Agent) recordCycle(ctx context.Context, st Status) {
	if a.cfg.State == nil {
		return
	}
	c := statestore.Cycle{
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
		QueueDepth: st.QueueDepth,
		Fetched:    st.Fetched,
		Submitted:  st.Submitted,
		Reported:   st.Reported,
		Error:      st.LastError,
	}
	if err := a.cfg.State.RecordCycle(ctx, c); err != nil {
		a.log.Warn("Failed to record cycle", zap.Error(err))
	}
}
