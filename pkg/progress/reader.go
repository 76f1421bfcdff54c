// Package progress turns the computation engine's progress logs into
// completion estimates.
//
// The engine appends a line such as
//
//	M89459323 Iter# = 10000 [ 0.01% complete] clocks = 00:00:30.123 [  3.0123 msec/iter] Res64: ...
//
// to p<exponent>.stat every checkpoint. Only the most recent lines matter.
package progress

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MaxSamples is the number of most recent log records used for an estimate.
const MaxSamples = 5

var iterPattern = regexp.MustCompile(`Iter# = (.+?) .*?(\d+\.\d+) (m?sec)/iter`)

// Sample is one progress record with its timing normalized to milliseconds.
type Sample struct {
	Iteration   int64
	MsecPerIter float64
}

// LogPath returns the progress log path for exponent inside dir.
func LogPath(dir string, exponent int64) string {
	return filepath.Join(dir, "p"+strconv.FormatInt(exponent, 10)+".stat")
}

// ReadSamples returns up to MaxSamples records from the progress log of
// exponent, most recent first. A missing log or a log without records
// yields no samples and no error.
func ReadSamples(dir string, exponent int64) ([]Sample, error) {
	// #nosec G304 -- path is built from the work dir and a parsed exponent
	b, err := os.ReadFile(LogPath(dir, exponent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read progress log: %w", err)
	}
	return ParseSamples(b)
}

// ParseSamples extracts up to MaxSamples records from raw log content,
// scanning from the last line backward. Content that cannot be scanned in
// full, such as a line longer than 1 MiB, is an error: the most recent
// records would be missed.
func ParseSamples(content []byte) ([]Sample, error) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan progress log: %w", err)
	}

	samples := make([]Sample, 0, MaxSamples)
	for i := len(lines) - 1; i >= 0 && len(samples) < MaxSamples; i-- {
		s, ok := parseSampleLine(lines[i])
		if ok {
			samples = append(samples, s)
		}
	}
	return samples, nil
}

func parseSampleLine(line string) (Sample, bool) {
	m := iterPattern.FindStringSubmatch(line)
	if m == nil {
		return Sample{}, false
	}
	iter, err := strconv.ParseInt(strings.TrimSpace(m[1]), 10, 64)
	if err != nil || iter < 0 {
		return Sample{}, false
	}
	perIter, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Sample{}, false
	}
	if m[3] == "sec" {
		perIter *= 1000
	}
	return Sample{Iteration: iter, MsecPerIter: perIter}, true
}
