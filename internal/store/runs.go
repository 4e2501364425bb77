package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"

	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
)

// CreateRun persists a new pipeline run in status "pending" and wakes the
// scheduler's poller.
func (s *Store) CreateRun(ctx context.Context, projectID, pipelineName string, triggerType domain.TriggerType, triggerData json.RawMessage, branch, commitSHA string) (*domain.PipelineRun, error) {
	r := &domain.PipelineRun{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		PipelineName: pipelineName,
		Status:       domain.StatusPending,
		TriggerType:  triggerType,
		TriggerData:  triggerData,
		Branch:       branch,
		CommitSHA:    commitSHA,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, project_id, pipeline_name, status, trigger_type, trigger_data, branch, commit_sha, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.PipelineName, r.Status, r.TriggerType, string(r.TriggerData), r.Branch, r.CommitSHA, r.CreatedAt)
	if err != nil {
		return nil, wrapBusy(fmt.Errorf("insert run: %w", err))
	}
	s.notify("runs:pending")
	return r, nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	var r domain.PipelineRun
	err := sqlscan.Get(ctx, s.reader, &r,
		`SELECT id, project_id, pipeline_name, status, trigger_type, trigger_data, branch, commit_sha, created_at, started_at, finished_at
		 FROM pipeline_runs WHERE id = ?`, id)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, cierr.ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns runs for a project (or all projects if projectID is
// empty), most recent first, bounded by limit.
func (s *Store) ListRuns(ctx context.Context, projectID string, limit int) ([]*domain.PipelineRun, error) {
	var runs []*domain.PipelineRun
	var err error
	if projectID == "" {
		err = sqlscan.Select(ctx, s.reader, &runs,
			`SELECT id, project_id, pipeline_name, status, trigger_type, trigger_data, branch, commit_sha, created_at, started_at, finished_at
			 FROM pipeline_runs ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		err = sqlscan.Select(ctx, s.reader, &runs,
			`SELECT id, project_id, pipeline_name, status, trigger_type, trigger_data, branch, commit_sha, created_at, started_at, finished_at
			 FROM pipeline_runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// NextPendingRun returns the oldest run still in status "pending", or
// cierr.ErrNotFound if none is queued.
func (s *Store) NextPendingRun(ctx context.Context) (*domain.PipelineRun, error) {
	var r domain.PipelineRun
	err := sqlscan.Get(ctx, s.reader, &r,
		`SELECT id, project_id, pipeline_name, status, trigger_type, trigger_data, branch, commit_sha, created_at, started_at, finished_at
		 FROM pipeline_runs WHERE status = ? ORDER BY created_at ASC LIMIT 1`, domain.StatusPending)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, cierr.ErrNotFound
		}
		return nil, fmt.Errorf("next pending run: %w", err)
	}
	return &r, nil
}

// UpdateRunStatus transitions a run's status, recording started/finished
// timestamps as appropriate. Re-applying the same status is a no-op
// (idempotent), matching the store's single-transaction-per-transition
// contract.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status domain.Status) error {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}

	now := time.Now().UTC()
	switch status {
	case domain.StatusRunning:
		_, err = s.writer.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, started_at = ? WHERE id = ?`, status, now, id)
	case domain.StatusSuccess, domain.StatusFailure, domain.StatusCancelled, domain.StatusSkipped:
		_, err = s.writer.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, finished_at = ? WHERE id = ?`, status, now, id)
	default:
		_, err = s.writer.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return wrapBusy(fmt.Errorf("update run status: %w", err))
	}
	return nil
}

// RecoverOrphanedRuns implements the restart-recovery policy of §4.1: any
// run/job left in a non-terminal state after a crash is reconciled. A run
// whose jobs are all still pending has its job and step rows cleared and
// is set back to pending, so the scheduler admits it afresh; everything
// else is marked failed with exit code -1.
func (s *Store) RecoverOrphanedRuns(ctx context.Context) error {
	var runIDs []string
	if err := sqlscan.Select(ctx, s.reader, &runIDs,
		`SELECT id FROM pipeline_runs WHERE status IN (?, ?, ?)`,
		domain.StatusQueued, domain.StatusRunning, domain.StatusReady); err != nil {
		return fmt.Errorf("scan orphaned runs: %w", err)
	}

	for _, runID := range runIDs {
		allPending, err := s.jobsAllPending(ctx, runID)
		if err != nil {
			return err
		}
		if allPending {
			// Admission creates job and step rows anew, so the stale
			// pending ones are removed before the run is re-queued.
			if _, err := s.writer.ExecContext(ctx,
				`DELETE FROM steps WHERE job_id IN (SELECT id FROM jobs WHERE pipeline_run_id = ?)`, runID); err != nil {
				return wrapBusy(fmt.Errorf("clear orphaned steps: %w", err))
			}
			if _, err := s.writer.ExecContext(ctx, `DELETE FROM jobs WHERE pipeline_run_id = ?`, runID); err != nil {
				return wrapBusy(fmt.Errorf("clear orphaned jobs: %w", err))
			}
			if err := s.UpdateRunStatus(ctx, runID, domain.StatusPending); err != nil {
				return err
			}
			continue
		}
		if err := s.failOrphanedJobs(ctx, runID); err != nil {
			return err
		}
		if err := s.UpdateRunStatus(ctx, runID, domain.StatusFailure); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) jobsAllPending(ctx context.Context, runID string) (bool, error) {
	var nonPending int
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE pipeline_run_id = ? AND status != ?`, runID, domain.StatusPending,
	).Scan(&nonPending)
	if err != nil {
		return false, fmt.Errorf("count non-pending jobs: %w", err)
	}
	return nonPending == 0, nil
}

func (s *Store) failOrphanedJobs(ctx context.Context, runID string) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, exit_code = -1, finished_at = ? WHERE pipeline_run_id = ? AND status NOT IN (?, ?, ?, ?)`,
		domain.StatusFailure, time.Now().UTC(), runID,
		domain.StatusSuccess, domain.StatusFailure, domain.StatusCancelled, domain.StatusSkipped)
	if err != nil {
		return fmt.Errorf("fail orphaned jobs: %w", err)
	}
	return nil
}
