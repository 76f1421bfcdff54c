package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Submission is one attempt to hand a result line to the server.
type Submission struct {
	Line string
	// Path is "structured" or "legacy".
	Path    string
	Outcome string
	Detail  string
	At      time.Time
}

// RecordSubmission appends a submission attempt to the history.
func (s *Store) RecordSubmission(ctx context.Context, sub Submission) error {
	if sub.At.IsZero() {
		sub.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (line, path, outcome, detail, submitted_at)
		VALUES (?, ?, ?, ?, ?)`,
		sub.Line, sub.Path, sub.Outcome, nullString(sub.Detail), formatTime(sub.At))
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// RecentSubmissions returns up to limit attempts, newest first.
func (s *Store) RecentSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT line, path, outcome, detail, submitted_at
		FROM submissions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Submission
	for rows.Next() {
		var (
			sub    Submission
			detail sql.NullString
			at     string
		)
		if err := rows.Scan(&sub.Line, &sub.Path, &sub.Outcome, &detail, &at); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.Detail = detail.String
		sub.At = parseTime(at)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

// Cycle summarizes one agent cycle.
type Cycle struct {
	StartedAt  time.Time
	FinishedAt time.Time
	QueueDepth int
	Fetched    int
	Submitted  int
	Reported   int
	Error      string
}

// RecordCycle appends a cycle summary.
func (s *Store) RecordCycle(ctx context.Context, c Cycle) error {
	if c.FinishedAt.IsZero() {
		c.FinishedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (started_at, finished_at, queue_depth, fetched, submitted, reported, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(c.StartedAt), formatTime(c.FinishedAt),
		c.QueueDepth, c.Fetched, c.Submitted, c.Reported, nullString(c.Error))
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// LastCycle returns the most recent cycle summary.
func (s *Store) LastCycle(ctx context.Context) (Cycle, bool, error) {
	var (
		c                 Cycle
		started, finished string
		errText           sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, finished_at, queue_depth, fetched, submitted, reported, error
		FROM cycles ORDER BY id DESC LIMIT 1`).
		Scan(&started, &finished, &c.QueueDepth, &c.Fetched, &c.Submitted, &c.Reported, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return Cycle{}, false, nil
	}
	if err != nil {
		return Cycle{}, false, fmt.Errorf("load last cycle: %w", err)
	}
	c.StartedAt = parseTime(started)
	c.FinishedAt = parseTime(finished)
	c.Error = errText.String
	return c, true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
