package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/3leaps/primeloop/pkg/lockfile"
	"github.com/3leaps/primeloop/pkg/primenet"
	"github.com/3leaps/primeloop/pkg/progress"
	"github.com/3leaps/primeloop/pkg/statestore"
	"github.com/3leaps/primeloop/pkg/worktodo"
)

// errUnchanged aborts a queue update that has nothing to write.
var errUnchanged = errors.New("work queue unchanged")

// unregisteredKey caches the rate of a node that has no guid yet.
const unregisteredKey = "local"

// RateKey returns the state store key under which the rate of the node
// with guid is cached.
func RateKey(guid string) string {
	if guid == "" {
		return unregisteredKey
	}
	return guid
}

// RateReader reads cached rates. *statestore.Store satisfies it.
type RateReader interface {
	LastRate(ctx context.Context, guid string) (statestore.Rate, bool, error)
}

// CachedRate returns the rate cached for the node with guid. A registered
// node with nothing cached yet falls back to the rate it cached before it
// had a guid.
func CachedRate(ctx context.Context, r RateReader, guid string) (statestore.Rate, bool, error) {
	rate, ok, err := r.LastRate(ctx, RateKey(guid))
	if err != nil || ok || guid == "" {
		return rate, ok, err
	}
	return r.LastRate(ctx, unregisteredKey)
}

type estimate struct {
	progress progress.Progress
	// percentKnown is false when nothing about the head's progress has
	// been observed yet.
	percentKnown bool
}

// estimateHead measures the head assignment from its progress log, falling
// back to the cached rate when the log has no timing yet.
func (a *Agent) estimateHead(ctx context.Context, head worktodo.Assignment) estimate {
	samples, err := progress.ReadSamples(a.cfg.WorkDir, head.Exponent)
	if err != nil {
		a.log.Warn("Unable to read progress log", zap.Int64("exponent", head.Exponent), zap.Error(err))
	}
	est := progress.EstimateFrom(samples)
	known := len(samples) > 0

	guid := a.cfg.Client.GUID()

	switch {
	case a.cfg.State == nil:
	case est.HasRate():
		err := a.cfg.State.SaveRate(ctx, statestore.Rate{
			GUID:        RateKey(guid),
			Exponent:    head.Exponent,
			Iteration:   est.Iteration,
			MsecPerIter: *est.MsecPerIter,
		})
		if err != nil {
			a.log.Warn("Failed to cache rate", zap.Error(err))
		}
	default:
		cached, ok, err := CachedRate(ctx, a.cfg.State, guid)
		if err != nil {
			a.log.Warn("Failed to load cached rate", zap.Error(err))
		}
		if ok {
			rate := cached.MsecPerIter
			est.MsecPerIter = &rate
			if cached.Exponent == head.Exponent && cached.Iteration > est.Iteration {
				est.Iteration = cached.Iteration
				known = true
			}
			a.log.Debug("Using cached rate", zap.Float64("msec_per_iter", rate))
		}
	}

	p := progress.Compute(head.Exponent, est)
	if known {
		fields := []zap.Field{
			zap.Int64("exponent", head.Exponent),
			zap.Float64("percent", p.Percent),
		}
		if p.TimeLeft != nil {
			fields = append(fields, zap.Duration("time_left", *p.TimeLeft))
		}
		a.log.Debug("Head assignment progress", fields...)
	}
	return estimate{progress: p, percentKnown: known}
}

// reportProgress sends a progress update for every queued assignment and
// returns how many the server accepted. A transport failure ends the pass.
func (a *Agent) reportProgress(ctx context.Context, queued []worktodo.Assignment, head progress.Progress) int {
	reported := 0
	for i, eta := range progress.QueueETAs(queued, head) {
		r := primenet.ProgressReport{
			AssignmentID: eta.Assignment.ID,
			PRP:          eta.Assignment.Kind() == worktodo.KindPRP,
			Percent:      eta.Percent,
			ETA:          eta.ETA,
			CheckIn:      a.cfg.Policy.Timeout,
		}
		if i == 0 {
			r.Iteration = head.Iteration
		}

		err := a.cfg.Client.ReportProgress(ctx, r)
		switch primenet.OutcomeOf(err) {
		case primenet.OutcomeSuccess:
			reported++
		case primenet.OutcomeTransportFailure:
			a.log.Debug("Progress report deferred", zap.String("assignment", r.AssignmentID), zap.Error(err))
			return reported
		default:
			a.log.Warn("Progress report refused", zap.String("assignment", r.AssignmentID), zap.Error(err))
		}
	}
	return reported
}

// topUp fetches assignments until the queue reaches its target depth. The
// queue lock is held across the fetch so sibling processes never request
// work for the same shortfall.
func (a *Agent) topUp(ctx context.Context, est estimate) (fetched, depth int, err error) {
	var percent *float64
	if est.percentKnown {
		p := est.progress.Percent
		percent = &p
	}
	timeLeft := est.progress.TimeLeft

	err = a.cfg.Queue.Update(ctx, func(q *worktodo.Queue) error {
		depth = q.Depth()
		n := a.cfg.Policy.DesiredFetchCount(depth, percent, timeLeft)
		if n == 0 {
			a.log.Debug("Work queue is full", zap.Int("depth", depth))
			return errUnchanged
		}

		lines, err := a.cfg.Client.FetchAssignments(ctx, primenet.FetchRequest{
			Count:    n,
			WorkType: a.cfg.WorkType,
			Cores:    a.cfg.Cores,
		})
		if err != nil {
			return err
		}
		added := q.Append(lines...)
		fetched, depth = len(added), q.Depth()
		if fetched == 0 {
			a.log.Warn("Server returned no new assignments", zap.Int("requested", n))
			return errUnchanged
		}
		a.log.Info("Fetched assignments",
			zap.Int("requested", n),
			zap.Int("fetched", fetched),
			zap.Int("depth", depth))
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	return fetched, depth, err
}

func isLocked(err error) bool {
	return lockfile.IsLocked(err)
}
