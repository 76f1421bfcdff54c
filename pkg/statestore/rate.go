package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Rate is the last iteration rate measured for a node.
type Rate struct {
	GUID        string
	Exponent    int64
	Iteration   int64
	MsecPerIter float64
	UpdatedAt   time.Time
}

// SaveRate upserts the cached rate for r.GUID.
func (s *Store) SaveRate(ctx context.Context, r Rate) error {
	if r.GUID == "" {
		return errors.New("save rate: guid is required")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_rate (guid, exponent, iteration, msec_per_iter, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			exponent = excluded.exponent,
			iteration = excluded.iteration,
			msec_per_iter = excluded.msec_per_iter,
			updated_at = excluded.updated_at`,
		r.GUID, r.Exponent, r.Iteration, r.MsecPerIter, formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save rate: %w", err)
	}
	return nil
}

// LastRate returns the cached rate for guid. ok is false when none exists.
func (s *Store) LastRate(ctx context.Context, guid string) (Rate, bool, error) {
	var (
		r         Rate
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT guid, exponent, iteration, msec_per_iter, updated_at
		FROM node_rate WHERE guid = ?`, guid).
		Scan(&r.GUID, &r.Exponent, &r.Iteration, &r.MsecPerIter, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Rate{}, false, nil
	}
	if err != nil {
		return Rate{}, false, fmt.Errorf("load rate: %w", err)
	}
	r.UpdatedAt = parseTime(updatedAt)
	return r, true, nil
}
