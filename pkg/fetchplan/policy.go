// Package fetchplan decides how many assignments to request from the
// server so the local queue never runs dry.
package fetchplan

import "time"

// MinTimeLeftWindow is the smallest "nearly done" time window. The window
// grows to three polling intervals for slow polling schedules.
const MinTimeLeftWindow = 24 * time.Hour

// Policy holds the cache sizing parameters.
type Policy struct {
	// NumCache is the number of assignments to keep queued.
	NumCache int

	// PercentLimit reserves one extra slot once the head assignment has
	// reached this completion percentage.
	PercentLimit int

	// Timeout is the interval between cycles. Zero means single-shot runs.
	Timeout time.Duration
}

// TimeLeftWindow returns the remaining-time threshold under which the head
// assignment counts as nearly done.
func (p Policy) TimeLeftWindow() time.Duration {
	return max(3*p.Timeout, MinTimeLeftWindow)
}

// Target returns the desired queue depth given the head assignment's
// progress. Either argument may be nil when unknown.
//
// At most one extra slot is added: the percentage and time-left checks are
// two views of the same nearly-done condition.
func (p Policy) Target(percent *float64, timeLeft *time.Duration) int {
	target := p.NumCache
	if percent != nil && *percent >= float64(p.PercentLimit) {
		target++
	} else if timeLeft != nil && *timeLeft <= p.TimeLeftWindow() {
		target++
	}
	return target
}

// DesiredFetchCount returns how many assignments to request for a queue
// currently holding depth assignments. Zero means no request is needed.
func (p Policy) DesiredFetchCount(depth int, percent *float64, timeLeft *time.Duration) int {
	return max(p.Target(percent, timeLeft)-depth, 0)
}
