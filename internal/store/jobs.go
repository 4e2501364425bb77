package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
)

type jobRow struct {
	ID            string
	PipelineRunID string
	Name          string
	Status        domain.Status
	RunnerImage   string
	ExitCode      sql.NullInt64
	DependsOnJSON sql.NullString
	CreatedAt     time.Time
	StartedAt     sql.NullTime
	FinishedAt    sql.NullTime
}

func (row jobRow) toDomain() *domain.Job {
	j := &domain.Job{
		ID:            row.ID,
		PipelineRunID: row.PipelineRunID,
		Name:          row.Name,
		Status:        row.Status,
		RunnerImage:   row.RunnerImage,
		CreatedAt:     row.CreatedAt,
	}
	if row.ExitCode.Valid {
		code := int(row.ExitCode.Int64)
		j.ExitCode = &code
	}
	if row.StartedAt.Valid {
		j.StartedAt = &row.StartedAt.Time
	}
	if row.FinishedAt.Valid {
		j.FinishedAt = &row.FinishedAt.Time
	}
	if row.DependsOnJSON.Valid && row.DependsOnJSON.String != "" {
		_ = json.Unmarshal([]byte(row.DependsOnJSON.String), &j.DependsOn)
	}
	return j
}

const jobSelectCols = `id, pipeline_run_id, name, status, runner_image, exit_code, depends_on, created_at, started_at, finished_at`

func scanJobRow(rows interface{ Scan(...any) error }) (*domain.Job, error) {
	var row jobRow
	if err := rows.Scan(&row.ID, &row.PipelineRunID, &row.Name, &row.Status, &row.RunnerImage,
		&row.ExitCode, &row.DependsOnJSON, &row.CreatedAt, &row.StartedAt, &row.FinishedAt); err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// CreateJob persists a new job row for a run, in status "pending".
func (s *Store) CreateJob(ctx context.Context, runID, name, runnerImage string, dependsOn []string) (*domain.Job, error) {
	dep, err := json.Marshal(dependsOn)
	if err != nil {
		return nil, fmt.Errorf("marshal depends_on: %w", err)
	}
	j := &domain.Job{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		Name:          name,
		Status:        domain.StatusPending,
		RunnerImage:   runnerImage,
		DependsOn:     dependsOn,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = s.writer.ExecContext(ctx,
		`INSERT INTO jobs (id, pipeline_run_id, name, status, runner_image, depends_on, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.PipelineRunID, j.Name, j.Status, j.RunnerImage, string(dep), j.CreatedAt)
	if err != nil {
		return nil, wrapBusy(fmt.Errorf("insert job: %w", err))
	}
	return j, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+jobSelectCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJobRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, cierr.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobsForRun returns every job belonging to a run.
func (s *Store) JobsForRun(ctx context.Context, runID string) ([]*domain.Job, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+jobSelectCols+` FROM jobs WHERE pipeline_run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus transitions a job's status, optionally recording an
// exit code, and stamps started/finished timestamps as appropriate.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status domain.Status, exitCode *int) error {
	now := time.Now().UTC()
	var err error
	switch {
	case status == domain.StatusRunning:
		_, err = s.writer.ExecContext(ctx, `UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`, status, now, id)
	case status.IsTerminal():
		_, err = s.writer.ExecContext(ctx, `UPDATE jobs SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`, status, exitCode, now, id)
	default:
		_, err = s.writer.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return wrapBusy(fmt.Errorf("update job status: %w", err))
	}
	return nil
}

// PendingJobs returns up to limit jobs in status "pending" across all
// runs, FIFO by creation time, for admission/metrics use.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+jobSelectCols+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		domain.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns a histogram of job status counts, for
// metrics and admission control.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var st domain.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
