package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/primeloop/pkg/worktodo"
)

func statLine(iter int, perIter string, unit string) string {
	return fmt.Sprintf("[2020-06-01 12:00:00] M89459323 Iter# = %d [ 1.23%% complete] clocks = 00:01:23.456 [  %s %s/iter] Res64: 0123456789ABCDEF. AvgMaxErr = 0.123. MaxErr = 0.156.", iter, perIter, unit)
}

func msec(v float64) *float64 { return &v }

func TestParseSamples_MostRecentFirstAndCapped(t *testing.T) {
	var lines []string
	lines = append(lines, "Mlucas startup banner")
	for i := 1; i <= 7; i++ {
		lines = append(lines, statLine(i*10000, "3.0"+strconv.Itoa(i), "msec"))
		lines = append(lines, "some unrelated line")
	}

	samples, err := ParseSamples([]byte(strings.Join(lines, "\n")))
	require.NoError(t, err)
	require.Len(t, samples, MaxSamples)
	assert.Equal(t, int64(70000), samples[0].Iteration)
	assert.Equal(t, int64(30000), samples[4].Iteration)
	assert.InDelta(t, 3.07, samples[0].MsecPerIter, 1e-9)
}

func TestParseSamples_NormalizesSeconds(t *testing.T) {
	samples, err := ParseSamples([]byte(statLine(5000, "0.0123", "sec")))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 12.3, samples[0].MsecPerIter, 1e-9)
}

func TestParseSamples_SkipsUnparseableIteration(t *testing.T) {
	content := statLine(5000, "2.50", "msec") + "\n" + "Iter# = abc foo 1.00 msec/iter"
	samples, err := ParseSamples([]byte(content))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(5000), samples[0].Iteration)
}

func TestReadSamples_OverlongLine(t *testing.T) {
	dir := t.TempDir()
	content := statLine(10000, "3.50", "msec") + "\n" +
		strings.Repeat("x", 2*1024*1024) + "\n" +
		statLine(20000, "3.25", "msec") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p89459323.stat"), []byte(content), 0644))

	samples, err := ReadSamples(dir, 89459323)
	require.Error(t, err)
	assert.Empty(t, samples, "a partially scanned log yields no stale samples")
}

func TestReadSamples_MissingFile(t *testing.T) {
	samples, err := ReadSamples(t.TempDir(), 89459323)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestReadSamples_FromFile(t *testing.T) {
	dir := t.TempDir()
	content := statLine(10000, "3.50", "msec") + "\n" + statLine(20000, "3.25", "msec") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p89459323.stat"), []byte(content), 0644))

	samples, err := ReadSamples(dir, 89459323)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, int64(20000), samples[0].Iteration)
}

func TestEstimateFrom_LowerMedian(t *testing.T) {
	tests := []struct {
		name    string
		timings []float64
		want    float64
	}{
		{"one", []float64{4.0}, 4.0},
		{"two picks smaller", []float64{5.0, 3.0}, 3.0},
		{"three", []float64{9.0, 1.0, 4.0}, 4.0},
		{"four picks lower middle", []float64{2.0, 8.0, 4.0, 6.0}, 4.0},
		{"five resists spike", []float64{3.0, 3.1, 50.0, 2.9, 3.05}, 3.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := make([]Sample, len(tt.timings))
			for i, v := range tt.timings {
				samples[i] = Sample{Iteration: int64(1000 - i), MsecPerIter: v}
			}
			est := EstimateFrom(samples)
			require.True(t, est.HasRate())
			assert.InDelta(t, tt.want, *est.MsecPerIter, 1e-12)
			assert.Equal(t, int64(1000), est.Iteration)
		})
	}
}

func TestEstimateFrom_Empty(t *testing.T) {
	est := EstimateFrom(nil)
	assert.Equal(t, int64(0), est.Iteration)
	assert.False(t, est.HasRate())
}

func TestTimeLeft(t *testing.T) {
	left, ok := TimeLeft(1000000, 400000, msec(2.5))
	require.True(t, ok)
	assert.Equal(t, 1500*time.Second, left)

	left, ok = TimeLeft(1000000, 1000000, msec(2.5))
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), left)

	_, ok = TimeLeft(1000000, 10, nil)
	assert.False(t, ok)
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 95.0, Percent(1000, 950), 1e-12)
	assert.InDelta(t, 100.0, Percent(1000, 1000), 1e-12)
	assert.InDelta(t, 0.0, Percent(1000, 0), 1e-12)
}

func TestCompute(t *testing.T) {
	p := Compute(1000000, Estimate{Iteration: 500000, MsecPerIter: msec(2.0)})
	assert.InDelta(t, 50.0, p.Percent, 1e-12)
	require.NotNil(t, p.TimeLeft)
	assert.Equal(t, 1000*time.Second, *p.TimeLeft)

	unknown := Compute(1000000, Estimate{})
	assert.Nil(t, unknown.TimeLeft)
	assert.InDelta(t, 0.0, unknown.Percent, 1e-12)
}

func TestQueueETAs_Accumulates(t *testing.T) {
	assignments := []worktodo.Assignment{
		{ID: "A", Exponent: 1000000},
		{ID: "B", Exponent: 2000000},
		{ID: "C", Exponent: 500000},
	}
	head := Compute(1000000, Estimate{Iteration: 500000, MsecPerIter: msec(2.0)})

	etas := QueueETAs(assignments, head)
	require.Len(t, etas, 3)
	assert.Equal(t, 1000*time.Second, *etas[0].ETA)
	assert.Equal(t, 5000*time.Second, *etas[1].ETA)
	assert.Equal(t, 6000*time.Second, *etas[2].ETA)
	assert.InDelta(t, 50.0, etas[0].Percent, 1e-12)
	assert.InDelta(t, 0.0, etas[1].Percent, 1e-12)
}

func TestQueueETAs_UnknownRate(t *testing.T) {
	assignments := []worktodo.Assignment{{ID: "A", Exponent: 1000}, {ID: "B", Exponent: 1000}}
	etas := QueueETAs(assignments, Compute(1000, Estimate{}))
	require.Len(t, etas, 2)
	assert.Nil(t, etas[0].ETA)
	assert.Nil(t, etas[1].ETA)
}
