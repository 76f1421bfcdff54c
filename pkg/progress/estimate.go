package progress

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/3leaps/primeloop/pkg/worktodo"
)

// Estimate is the reduced view of recent progress samples.
// MsecPerIter is nil when no timing is known.
type Estimate struct {
	Iteration   int64
	MsecPerIter *float64
}

// HasRate reports whether the estimate carries a timing.
func (e Estimate) HasRate() bool {
	return e.MsecPerIter != nil
}

// EstimateFrom builds an Estimate from samples ordered most recent first.
//
// The rate is the lower median of the timings: for an even count the smaller
// of the two middle values. A single slow checkpoint does not move it, and
// neither does a single fast one.
func EstimateFrom(samples []Sample) Estimate {
	if len(samples) == 0 {
		return Estimate{}
	}
	if len(samples) > MaxSamples {
		samples = samples[:MaxSamples]
	}

	timings := make([]float64, len(samples))
	for i, s := range samples {
		timings[i] = s.MsecPerIter
	}
	sort.Float64s(timings)
	// The empirical quantile at 0.5 picks the lower middle element.
	rate := stat.Quantile(0.5, stat.Empirical, timings, nil)

	return Estimate{
		Iteration:   samples[0].Iteration,
		MsecPerIter: &rate,
	}
}

// TimeLeft extrapolates the remaining run time of exponent. The second
// return value is false when the rate is unknown.
func TimeLeft(exponent, iteration int64, msecPerIter *float64) (time.Duration, bool) {
	if msecPerIter == nil {
		return 0, false
	}
	remaining := exponent - iteration
	if remaining < 0 {
		remaining = 0
	}
	secs := float64(remaining) * *msecPerIter / 1000
	if secs < 0 {
		secs = 0
	}
	return time.Duration(int64(secs)) * time.Second, true
}

// Percent returns the completed share of exponent in percent.
func Percent(exponent, iteration int64) float64 {
	if exponent <= 0 {
		return 0
	}
	return 100 * float64(iteration) / float64(exponent)
}

// Progress is the computed state of a single assignment.
type Progress struct {
	Exponent    int64
	Iteration   int64
	Percent     float64
	MsecPerIter *float64

	// TimeLeft is nil when no rate is known.
	TimeLeft *time.Duration
}

// Compute combines an estimate with the assignment's exponent.
func Compute(exponent int64, est Estimate) Progress {
	p := Progress{
		Exponent:    exponent,
		Iteration:   est.Iteration,
		Percent:     Percent(exponent, est.Iteration),
		MsecPerIter: est.MsecPerIter,
	}
	if left, ok := TimeLeft(exponent, est.Iteration, est.MsecPerIter); ok {
		p.TimeLeft = &left
	}
	return p
}

// AssignmentETA is the expected completion of one queued assignment,
// measured from now.
type AssignmentETA struct {
	Assignment worktodo.Assignment
	Percent    float64

	// ETA is nil when no rate is known.
	ETA *time.Duration
}

// QueueETAs estimates completion of every queued assignment. The head uses
// its measured progress; each later assignment is assumed to start when the
// previous one finishes and to run at the head's rate.
func QueueETAs(assignments []worktodo.Assignment, head Progress) []AssignmentETA {
	out := make([]AssignmentETA, 0, len(assignments))
	var total time.Duration
	known := head.TimeLeft != nil

	for i, a := range assignments {
		eta := AssignmentETA{Assignment: a}
		if i == 0 {
			eta.Percent = head.Percent
			if known {
				total = *head.TimeLeft
			}
		} else if known {
			full, _ := TimeLeft(a.Exponent, 0, head.MsecPerIter)
			total += full
		}
		if known {
			v := total
			eta.ETA = &v
		}
		out = append(out, eta)
	}
	return out
}
