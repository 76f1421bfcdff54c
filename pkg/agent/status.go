package agent

import (
	"time"

	"github.com/3leaps/primeloop/pkg/progress"
	"github.com/3leaps/primeloop/pkg/worktodo"
)

// Status is the snapshot of one finished cycle.
type Status struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cycles     int       `json:"cycles"`
	Registered bool      `json:"registered"`

	QueueDepth int         `json:"queue_depth"`
	Head       *HeadStatus `json:"head,omitempty"`

	Fetched   int `json:"fetched"`
	Submitted int `json:"submitted"`
	Rejected  int `json:"rejected"`
	Deferred  int `json:"deferred"`
	Reported  int `json:"reported"`

	LastError string `json:"last_error,omitempty"`
}

// HeadStatus describes the assignment currently being computed.
type HeadStatus struct {
	AssignmentID string   `json:"assignment_id"`
	Exponent     int64    `json:"exponent"`
	Kind         string   `json:"kind"`
	Iteration    int64    `json:"iteration"`
	Percent      float64  `json:"percent"`
	MsecPerIter  *float64 `json:"msec_per_iter,omitempty"`
	ETASeconds   *int64   `json:"eta_seconds,omitempty"`
}

func headStatus(a worktodo.Assignment, p progress.Progress) *HeadStatus {
	h := &HeadStatus{
		AssignmentID: a.ID,
		Exponent:     a.Exponent,
		Kind:         string(a.Kind()),
		Iteration:    p.Iteration,
		Percent:      p.Percent,
		MsecPerIter:  p.MsecPerIter,
	}
	if p.TimeLeft != nil {
		secs := int64(*p.TimeLeft / time.Second)
		h.ETASeconds = &secs
	}
	return h
}
