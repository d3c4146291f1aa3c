package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a processing job.
type JobState string

const (
	// JobQueued is waiting for a worker.
	JobQueued JobState = "queued"
	// JobRunning is leased by a worker.
	JobRunning JobState = "running"
	// JobDone finished; the document holds the outcome.
	JobDone JobState = "done"
	// JobDead exhausted its attempts.
	JobDead JobState = "dead"
)

// Job is one durable request to run the processing pipeline on a document.
type Job struct {
	// ID is the job identifier.
	ID string
	// DocumentID is the document to process.
	DocumentID string
	// State is the lifecycle state.
	State JobState
	// Attempts counts claims, including the current one.
	Attempts int
	// LastError is the infrastructure error of the previous attempt.
	LastError string
}

// EnqueueJob records a queued job for documentID. Provider credentials are
// never persisted; the job runner keeps them in memory.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, documentID string) (*Job, error) {
	now := millis(s.now())
	j := &Job{ID: newID(), DocumentID: documentID, State: JobQueued}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO processing_jobs (id, document_id, state, attempts, run_after, created_at, updated_at)
VALUES (?, ?, 'queued', 0, ?, ?, ?)`, j.ID, j.DocumentID, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("store: enqueue job: %w", err)
	}
	return j, nil
}

// ClaimJob leases the oldest runnable job for lease. A job is runnable when
// it is queued and due, or running with an expired lease. It returns
// (nil, nil) when there is nothing to do.
func (s *SQLiteStore) ClaimJob(ctx context.Context, lease time.Duration) (*Job, error) {
	var job *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		var (
			j       Job
			lastErr sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
SELECT id, document_id, state, attempts, last_error
FROM processing_jobs
WHERE (state = 'queued' AND run_after <= ?)
   OR (state = 'running' AND lease_until < ?)
ORDER BY created_at ASC, id ASC
LIMIT 1`, millis(now), millis(now)).Scan(&j.ID, &j.DocumentID, &j.State, &j.Attempts, &lastErr)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: select job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE processing_jobs SET state = 'running', attempts = attempts + 1, lease_until = ?, updated_at = ?
WHERE id = ?`, millis(now.Add(lease)), millis(now), j.ID); err != nil {
			return fmt.Errorf("store: lease job: %w", err)
		}
		j.State = JobRunning
		j.Attempts++
		j.LastError = lastErr.String
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteJob marks a job done.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	return s.setJobState(ctx, id, JobDone, "", 0)
}

// RetryJob puts a job back in the queue, runnable after delay.
func (s *SQLiteStore) RetryJob(ctx context.Context, id, reason string, delay time.Duration) error {
	return s.setJobState(ctx, id, JobQueued, reason, delay)
}

// BuryJob marks a job dead after its attempts are exhausted.
func (s *SQLiteStore) BuryJob(ctx context.Context, id, reason string) error {
	return s.setJobState(ctx, id, JobDead, reason, 0)
}

func (s *SQLiteStore) setJobState(ctx context.Context, id string, state JobState, reason string, delay time.Duration) error {
	now := s.now()
	var lastErr any
	if reason != "" {
		lastErr = reason
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE processing_jobs
SET state = ?, last_error = COALESCE(?, last_error), run_after = ?, lease_until = NULL, updated_at = ?
WHERE id = ?`, state, lastErr, millis(now.Add(delay)), millis(now), id)
	if err != nil {
		return fmt.Errorf("store: set job %s %s: %w", id, state, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob returns a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var (
		j       Job
		lastErr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, document_id, state, attempts, last_error FROM processing_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.DocumentID, &j.State, &j.Attempts, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	j.LastError = lastErr.String
	return &j, nil
}

// RequeueOrphans enqueues a job for every non-deleted document that is
// pending or processing but has no queued or running job. This recovers
// work lost when the process stopped before a job row was written.
func (s *SQLiteStore) RequeueOrphans(ctx context.Context) (int, error) {
	now := millis(s.now())
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT d.id FROM documents d
WHERE d.deleted = 0 AND d.status IN ('pending', 'processing')
  AND NOT EXISTS (
      SELECT 1 FROM processing_jobs j
      WHERE j.document_id = d.id AND j.state IN ('queued', 'running'))`)
		if err != nil {
			return fmt.Errorf("store: find orphans: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("store: scan orphan: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("store: find orphans: %w", err)
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO processing_jobs (id, document_id, state, attempts, run_after, created_at, updated_at)
VALUES (?, ?, 'queued', 0, ?, ?, ?)`, newID(), id, now, now, now); err != nil {
				return fmt.Errorf("store: requeue orphan: %w", err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
