// Package worktodo reads and writes the local work queue file (worktodo.ini).
//
// Each assignment occupies one line:
//
//	Test=7A30B8B6C0FC79C534A271D9561F7DCC,89459323,76,1
//	DoubleCheck=92458E009609BD9E10577F83C2E9639C,50549549,73,1
//	PRP=BC914675C81023F252E92CF034BEFF6C,1,2,96364649,-1,76,0
//
// Lines that do not match the assignment grammar (comments, work types this
// agent does not handle) are kept verbatim when the file is rewritten.
package worktodo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotAssignment indicates a line does not match the assignment grammar.
var ErrNotAssignment = errors.New("not an assignment line")

// assignmentPattern requires at least three non-negative integer fields
// directly after the 32 hex digit assignment id.
var assignmentPattern = regexp.MustCompile(`(DoubleCheck|Test|PRP)\s*=\s*([0-9A-F]{32})((?:,[0-9]+){3}.*)$`)

// Kind is the primality test an assignment asks for.
type Kind string

const (
	KindLL  Kind = "LL"
	KindPRP Kind = "PRP"
)

// WorkType is the keyword that opens an assignment line.
type WorkType string

const (
	WorkTypeTest        WorkType = "Test"
	WorkTypeDoubleCheck WorkType = "DoubleCheck"
	WorkTypePRP         WorkType = "PRP"
)

// Kind returns the test kind implied by the work type keyword.
func (w WorkType) Kind() Kind {
	if w == WorkTypePRP {
		return KindPRP
	}
	return KindLL
}

// Assignment is one unit of server-assigned work. Identity is ID.
type Assignment struct {
	ID       string
	Exponent int64
	WorkType WorkType
	Line     string
}

// Kind returns the test kind of the assignment.
func (a Assignment) Kind() Kind {
	return a.WorkType.Kind()
}

// ParseLine parses a single queue line.
//
// It returns an error wrapping ErrNotAssignment when the line does not match
// the grammar, and a plain error when it matches but the exponent is unusable.
func ParseLine(line string) (Assignment, error) {
	line = strings.TrimRight(line, " \t\r\n")
	m := assignmentPattern.FindStringSubmatch(line)
	if m == nil {
		return Assignment{}, ErrNotAssignment
	}

	workType := WorkType(m[1])
	fields := strings.Split(strings.TrimPrefix(m[3], ","), ",")

	// The exponent follows k and b in PRP lines (k*b^n+c form).
	idx := 0
	if workType == WorkTypePRP {
		idx = 2
	}
	if len(fields) <= idx {
		return Assignment{}, fmt.Errorf("assignment %s: missing exponent field", m[2])
	}

	p, err := strconv.ParseInt(strings.TrimSpace(fields[idx]), 10, 64)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment %s: invalid exponent %q: %w", m[2], fields[idx], err)
	}
	if p <= 0 {
		return Assignment{}, fmt.Errorf("assignment %s: exponent must be > 0, got %d", m[2], p)
	}

	return Assignment{
		ID:       m[2],
		Exponent: p,
		WorkType: workType,
		Line:     line,
	}, nil
}

// IsAssignmentLine reports whether line matches the assignment grammar.
func IsAssignmentLine(line string) bool {
	return assignmentPattern.MatchString(strings.TrimRight(line, " \t\r\n"))
}

// ExtractLines returns the assignment lines found in text, in order.
// Used to scan server responses, which wrap assignments in markup.
func ExtractLines(text string) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimRight(raw, " \t\r")
		loc := assignmentPattern.FindStringIndex(raw)
		if loc == nil {
			continue
		}
		out = append(out, raw[loc[0]:loc[1]])
	}
	return out
}
