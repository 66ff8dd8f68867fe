package store

import (
	"context"
	"fmt"
	"time"
)

// Export dumps every journaled event and artifact.
func (s *SQLiteStore) Export(ctx context.Context) (*Snapshot, error) {
	events, err := s.Events(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	artifacts, err := s.Artifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("export artifacts: %w", err)
	}
	return &Snapshot{Events: events, Artifacts: artifacts}, nil
}

// Import journals a snapshot. Events whose id is already present are skipped;
// artifacts replace any artifact with the same id. It returns how many events
// were new.
func (s *SQLiteStore) Import(ctx context.Context, snap *Snapshot) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var before int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&before); err != nil {
		return 0, err
	}

	for _, ev := range snap.Events {
		if err := appendEvent(ctx, tx, ev); err != nil {
			return 0, err
		}
	}
	for _, a := range snap.Artifacts {
		if err := putArtifact(ctx, tx, a); err != nil {
			return 0, err
		}
	}

	var after int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&after); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return after - before, nil
}
