package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is one acquisition run recorded in the manifest.
type Run struct {
	ID          string
	Template    string
	Mode        string
	StartedAt   time.Time
	FinishedAt  time.Time
	Finished    bool
	StartOffset int
	Boundary    int
}

// BeginRun records the start of an acquisition run.
func (s *Store) BeginRun(ctx context.Context, id, template, mode string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, url_template, mode, started_at) VALUES (?, ?, ?, ?)`,
		id, template, mode, time.Now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", id, err)
	}
	return nil
}

// FinishRun records the start offset and stream boundary of a completed run.
func (s *Store) FinishRun(ctx context.Context, id string, startOffset, boundary int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, start_offset = ?, boundary = ? WHERE id = ?`,
		time.Now().UTC().Format(timestampLayout), startOffset, boundary, id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run: run %s was never started", id)
	}
	return nil
}

// GetRun loads a recorded run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var (
		run        Run
		startedAt  string
		finishedAt sql.NullString
		offset     sql.NullInt64
		boundary   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url_template, mode, started_at, finished_at, start_offset, boundary FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.Template, &run.Mode, &startedAt, &finishedAt, &offset, &boundary)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}

	if ts, err := time.Parse(timestampLayout, startedAt); err == nil {
		run.StartedAt = ts
	}
	if finishedAt.Valid {
		run.Finished = true
		if ts, err := time.Parse(timestampLayout, finishedAt.String); err == nil {
			run.FinishedAt = ts
		}
	}
	run.StartOffset = int(offset.Int64)
	run.Boundary = int(boundary.Int64)
	return run, nil
}
