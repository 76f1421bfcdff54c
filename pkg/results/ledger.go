// Package results hands completed result lines to the server and keeps the
// append-only ledger (results_sent.txt) of lines that must not be sent
// again.
package results

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Ledger is the append-only record of submitted result lines. Entries are
// byte-for-byte copies of the submitted line, one per line. Callers hold
// the ledger's lock file around every access.
type Ledger struct {
	path string
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) Path() string {
	return l.path
}

// Lines returns the recorded lines. A missing ledger is empty.
func (l *Ledger) Lines() ([]string, error) {
	return readLines(l.path)
}

// Append records lines at the end of the ledger and syncs the file.
func (l *Ledger) Append(lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	// #nosec G302 G304 -- ledger lives in the operator-configured work dir
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}

// readLines returns the lines of path with trailing whitespace removed.
// Blank lines are dropped.
func readLines(path string) ([]string, error) {
	// #nosec G304 -- path comes from the operator-configured work dir
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}
