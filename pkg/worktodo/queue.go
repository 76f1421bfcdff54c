package worktodo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
)

// Entry is one line of the queue file. Assignment is nil for pass-through
// lines.
type Entry struct {
	Line       string
	Assignment *Assignment
}

// Queue is the ordered content of the work queue file. Assignment order is
// processing order: the head is the assignment currently being computed.
type Queue struct {
	entries []Entry

	// Invalid holds lines that matched the grammar but could not be parsed.
	// They are kept in entries as pass-through lines.
	Invalid []error
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Parse reads a queue from r. It never fails on content: malformed lines
// become pass-through entries and are reported in Queue.Invalid.
func Parse(r io.Reader) (*Queue, error) {
	q := NewQueue()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		q.appendLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read work queue: %w", err)
	}
	return q, nil
}

func (q *Queue) appendLine(line string) {
	line = strings.TrimRight(line, " \t\r\n")
	a, err := ParseLine(line)
	switch {
	case err == nil:
		q.entries = append(q.entries, Entry{Line: line, Assignment: &a})
	case errors.Is(err, ErrNotAssignment):
		q.entries = append(q.entries, Entry{Line: line})
	default:
		q.Invalid = append(q.Invalid, err)
		q.entries = append(q.entries, Entry{Line: line})
	}
}

// Assignments returns the assignments in processing order.
func (q *Queue) Assignments() []Assignment {
	out := make([]Assignment, 0, len(q.entries))
	for _, e := range q.entries {
		if e.Assignment != nil {
			out = append(out, *e.Assignment)
		}
	}
	return out
}

// Head returns the active assignment, if any.
func (q *Queue) Head() (Assignment, bool) {
	for _, e := range q.entries {
		if e.Assignment != nil {
			return *e.Assignment, true
		}
	}
	return Assignment{}, false
}

// Depth returns the number of assignments in the queue.
func (q *Queue) Depth() int {
	return lo.CountBy(q.entries, func(e Entry) bool { return e.Assignment != nil })
}

// Contains reports whether an assignment with the given id is queued.
func (q *Queue) Contains(id string) bool {
	return lo.ContainsBy(q.entries, func(e Entry) bool {
		return e.Assignment != nil && e.Assignment.ID == id
	})
}

// Append adds assignment lines to the tail of the queue. Lines that are not
// valid assignments or whose id is already queued are skipped. It returns the
// assignments actually added.
func (q *Queue) Append(lines ...string) []Assignment {
	added := make([]Assignment, 0, len(lines))
	for _, line := range lines {
		a, err := ParseLine(line)
		if err != nil {
			continue
		}
		if q.Contains(a.ID) {
			continue
		}
		q.entries = append(q.entries, Entry{Line: a.Line, Assignment: &a})
		added = append(added, a)
	}
	return added
}

// Lines returns every line of the queue, assignments and pass-through alike.
func (q *Queue) Lines() []string {
	return lo.Map(q.entries, func(e Entry, _ int) string { return e.Line })
}

// WriteTo serializes the queue, one newline-terminated line per entry.
func (q *Queue) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, line := range q.Lines() {
		n, err := io.WriteString(w, line+"\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
