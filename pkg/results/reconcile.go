package results

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/3leaps/primeloop/pkg/lockfile"
	"github.com/3leaps/primeloop/pkg/primenet"
	"github.com/3leaps/primeloop/pkg/statestore"
)

// Submission paths recorded in the history.
const (
	PathStructured = "structured"
	PathLegacy     = "legacy"
)

// Submitter sends result lines to the server. *primenet.Client satisfies it.
type Submitter interface {
	Registered() bool
	SubmitResult(ctx context.Context, r *primenet.Result) error
	SubmitLegacy(ctx context.Context, line string) error
}

// History records submission attempts. *statestore.Store satisfies it.
type History interface {
	RecordSubmission(ctx context.Context, sub statestore.Submission) error
}

type Config struct {
	// ResultsPath is the engine's results file (results.txt).
	ResultsPath string

	// SentPath is the ledger file (results_sent.txt).
	SentPath string

	Submitter Submitter

	// History is optional.
	History History

	Lock   lockfile.Options
	Logger *zap.Logger
}

// Reconciler submits completed results that are not yet in the ledger.
type Reconciler struct {
	cfg    Config
	ledger *Ledger
	log    *zap.Logger
}

func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:    cfg,
		ledger: NewLedger(cfg.SentPath),
		log:    cfg.Logger,
	}
}

// Report summarizes one reconcile pass.
type Report struct {
	// Pending is the number of lines that were due for submission.
	Pending  int
	Accepted int
	Rejected int
	// Deferred lines hit a transport failure and stay pending.
	Deferred int
}

// Submittable reports whether a results file line is a completed result the
// server accepts (the engine stamps them with its program name).
func Submittable(line string) bool {
	return strings.Contains(line, "rogram")
}

// Pending returns the submittable lines of results that are not in sent,
// deduplicated, in file order.
func Pending(results, sent []string) []string {
	done := lo.SliceToMap(sent, func(line string) (string, struct{}) {
		return line, struct{}{}
	})
	return lo.Uniq(lo.Filter(results, func(line string, _ int) bool {
		_, ok := done[line]
		return Submittable(line) && !ok
	}))
}

// Reconcile locks the results file and the ledger, submits every pending
// line and records in the ledger each line the server decided on, accepted
// or refused. Lines that hit transport failures are retried next time.
//
// It returns an error wrapping lockfile.ErrLocked if a sibling process holds
// either lock.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	guards, err := lockfile.AcquireAll(ctx, r.cfg.Lock, r.cfg.ResultsPath, r.cfg.SentPath)
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = lockfile.ReleaseAll(guards) }()

	results, err := readLines(r.cfg.ResultsPath)
	if err != nil {
		return Report{}, err
	}
	sent, err := r.ledger.Lines()
	if err != nil {
		return Report{}, err
	}

	pending := Pending(results, sent)
	report := Report{Pending: len(pending)}
	if len(pending) == 0 {
		r.log.Debug("No complete results found to send")
		return report, nil
	}

	for _, line := range pending {
		path, err := r.submit(ctx, line)
		outcome := primenet.OutcomeOf(err)
		r.record(ctx, line, path, outcome, err)

		switch outcome {
		case primenet.OutcomeSuccess:
			report.Accepted++
			r.log.Info("Result accepted", zap.String("path", path), zap.String("line", line))
		case primenet.OutcomePermanentFailure:
			report.Rejected++
			r.log.Warn("Result refused; not resending", zap.String("line", line), zap.Error(err))
		default:
			report.Deferred++
			r.log.Debug("Result submission deferred", zap.String("line", line), zap.Error(err))
			continue
		}

		if err := r.ledger.Append(line); err != nil {
			return report, err
		}
	}
	return report, nil
}

// submit picks the structured path for well-formed JSON results when the
// node is registered, and the manual form otherwise.
func (r *Reconciler) submit(ctx context.Context, line string) (string, error) {
	if primenet.IsStructured(line) && r.cfg.Submitter.Registered() {
		if res, err := primenet.ParseResult(line); err == nil {
			return PathStructured, r.cfg.Submitter.SubmitResult(ctx, res)
		}
	}
	return PathLegacy, r.cfg.Submitter.SubmitLegacy(ctx, line)
}

func (r *Reconciler) record(ctx context.Context, line, path string, outcome primenet.Outcome, err error) {
	if r.cfg.History == nil {
		return
	}
	sub := statestore.Submission{Line: line, Path: path, Outcome: outcome.String()}
	if err != nil {
		sub.Detail = err.Error()
	}
	if herr := r.cfg.History.RecordSubmission(ctx, sub); herr != nil {
		r.log.Warn("Failed to record submission history", zap.Error(herr))
	}
}
