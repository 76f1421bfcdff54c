package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/primeloop/internal/config"
	"github.com/3leaps/primeloop/internal/observability"
	"github.com/3leaps/primeloop/pkg/agent"
	"github.com/3leaps/primeloop/pkg/lockfile"
	"github.com/3leaps/primeloop/pkg/progress"
	"github.com/3leaps/primeloop/pkg/statestore"
	"github.com/3leaps/primeloop/pkg/worktodo"
)

var (
	statusJSON  bool
	statusLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local queue, progress and submission history",
	Long: `Show the local view of this node without contacting PrimeNet: the
registered identity, queued assignments with estimated completion, and the
most recent result submissions.

Examples:
  primeloop status -w ~/gimps
  primeloop status -w ~/gimps --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		report, err := collectStatus(cmd.Context(), cfg, statusLimit)
		if err != nil {
			return err
		}
		if statusJSON {
			return writeStatusJSON(cmd.OutOrStdout(), report)
		}
		return writeStatusText(cmd.OutOrStdout(), report)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the report as JSON")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 5, "Number of recent submissions to show")
}

type statusReport struct {
	WorkDir    string `json:"workdir"`
	GUID       string `json:"guid,omitempty"`
	Registered bool   `json:"registered"`

	QueueDepth    int          `json:"queue_depth"`
	Queue         []queueEntry `json:"queue"`
	HeadIteration int64        `json:"head_iteration"`
	MsecPerIter   *float64     `json:"msec_per_iter,omitempty"`

	Submissions []submissionEntry `json:"recent_submissions"`
	LastCycle   *cycleEntry       `json:"last_cycle,omitempty"`
}

type queueEntry struct {
	AssignmentID string  `json:"assignment_id"`
	WorkType     string  `json:"worktype"`
	Exponent     int64   `json:"exponent"`
	Percent      float64 `json:"percent"`
	ETASeconds   *int64  `json:"eta_seconds,omitempty"`
}

type submissionEntry struct {
	At      time.Time `json:"at"`
	Path    string    `json:"path"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	Line    string    `json:"line"`
}

type cycleEntry struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	QueueDepth int       `json:"queue_depth"`
	Fetched    int       `json:"fetched"`
	Submitted  int       `json:"submitted"`
	Reported   int       `json:"reported"`
	Error      string    `json:"error,omitempty"`
}

// collectStatus gathers the report from the work directory. The state
// database is only read when it already exists.
func collectStatus(ctx context.Context, cfg *config.Config, limit int) (statusReport, error) {
	report := statusReport{
		WorkDir:     cfg.WorkDir(),
		GUID:        cfg.GUID,
		Registered:  cfg.GUID != "",
		Queue:       []queueEntry{},
		Submissions: []submissionEntry{},
	}

	lock := lockfile.Options{Attempts: 2, Delay: 500 * time.Millisecond, Logger: observability.CLILogger}
	queue, err := worktodo.NewStore(cfg.Path(config.WorkToDoFile), lock).Load(ctx)
	if err != nil {
		return report, exitError(exitFileRead, "Failed to read work queue", err)
	}

	var state *statestore.Store
	dbPath := cfg.Path(statestore.DefaultFileName)
	if _, err := os.Stat(dbPath); err == nil {
		state, err = statestore.Open(ctx, statestore.Config{Path: dbPath})
		if err != nil {
			return report, exitError(exitFileRead, "Failed to open state database", err)
		}
		defer func() { _ = state.Close() }()
	}

	assignments := queue.Assignments()
	report.QueueDepth = len(assignments)
	if head, ok := queue.Head(); ok {
		est, err := headEstimate(ctx, cfg, state, head)
		if err != nil {
			return report, err
		}
		p := progress.Compute(head.Exponent, est)
		report.HeadIteration = p.Iteration
		report.MsecPerIter = p.MsecPerIter
		for _, eta := range progress.QueueETAs(assignments, p) {
			entry := queueEntry{
				AssignmentID: eta.Assignment.ID,
				WorkType:     string(eta.Assignment.WorkType),
				Exponent:     eta.Assignment.Exponent,
				Percent:      eta.Percent,
			}
			if eta.ETA != nil {
				secs := int64(*eta.ETA / time.Second)
				entry.ETASeconds = &secs
			}
			report.Queue = append(report.Queue, entry)
		}
	}

	if state == nil {
		return report, nil
	}
	subs, err := state.RecentSubmissions(ctx, limit)
	if err != nil {
		return report, exitError(exitFileRead, "Failed to read submission history", err)
	}
	for _, s := range subs {
		report.Submissions = append(report.Submissions, submissionEntry{
			At: s.At, Path: s.Path, Outcome: s.Outcome, Detail: s.Detail, Line: s.Line,
		})
	}
	if c, ok, err := state.LastCycle(ctx); err != nil {
		return report, exitError(exitFileRead, "Failed to read cycle history", err)
	} else if ok {
		report.LastCycle = &cycleEntry{
			StartedAt:  c.StartedAt,
			FinishedAt: c.FinishedAt,
			QueueDepth: c.QueueDepth,
			Fetched:    c.Fetched,
			Submitted:  c.Submitted,
			Reported:   c.Reported,
			Error:      c.Error,
		}
	}
	return report, nil
}

// headEstimate reads the head's progress log and falls back to the rate
// the agent cached for this node.
func headEstimate(ctx context.Context, cfg *config.Config, state *statestore.Store, head worktodo.Assignment) (progress.Estimate, error) {
	samples, err := progress.ReadSamples(cfg.WorkDir(), head.Exponent)
	if err != nil {
		return progress.Estimate{}, exitError(exitFileRead, "Failed to read progress log", err)
	}
	est := progress.EstimateFrom(samples)
	if est.HasRate() || state == nil {
		return est, nil
	}

	cached, ok, err := agent.CachedRate(ctx, state, cfg.GUID)
	if err != nil {
		return est, exitError(exitFileRead, "Failed to read cached rate", err)
	}
	if ok {
		rate := cached.MsecPerIter
		est.MsecPerIter = &rate
		if cached.Exponent == head.Exponent && cached.Iteration > est.Iteration {
			est.Iteration = cached.Iteration
		}
	}
	return est, nil
}

func writeStatusJSON(w io.Writer, report statusReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return exitError(exitFileWrite, "Failed to write status", err)
	}
	return nil
}

func writeStatusText(w io.Writer, report statusReport) error {
	guid := report.GUID
	if guid == "" {
		guid = "(not registered)"
	}
	_, _ = fmt.Fprintf(w, "Work directory: %s\n", report.WorkDir)
	_, _ = fmt.Fprintf(w, "Node guid:      %s\n", guid)
	_, _ = fmt.Fprintf(w, "Queued:         %d\n", report.QueueDepth)

	if len(report.Queue) > 0 {
		_, _ = fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ASSIGNMENT\tTYPE\tEXPONENT\tDONE\tETA")
		for _, q := range report.Queue {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f%%\t%s\n",
				q.AssignmentID, q.WorkType, q.Exponent, q.Percent, formatETA(q.ETASeconds))
		}
		if err := tw.Flush(); err != nil {
			return exitError(exitFileWrite, "Failed to write status", err)
		}
	}

	if report.LastCycle != nil {
		c := report.LastCycle
		_, _ = fmt.Fprintf(w, "\nLast cycle:     %s (fetched %d, submitted %d, reported %d)\n",
			c.FinishedAt.Local().Format(time.DateTime), c.Fetched, c.Submitted, c.Reported)
		if c.Error != "" {
			_, _ = fmt.Fprintf(w, "Last error:     %s\n", c.Error)
		}
	}

	if len(report.Submissions) > 0 {
		_, _ = fmt.Fprintln(w, "\nRecent submissions:")
		for _, s := range report.Submissions {
			_, _ = fmt.Fprintf(w, "  %s  %-8s %-10s %s\n",
				s.At.Local().Format(time.DateTime), s.Outcome, s.Path, truncateLine(s.Line, 60))
		}
	}
	return nil
}

func formatETA(secs *int64) string {
	if secs == nil {
		return "unknown"
	}
	return (time.Duration(*secs) * time.Second).String()
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
