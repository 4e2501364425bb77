package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
)

const stepSelectCols = `id, job_id, name, "order", status, exit_code, started_at, finished_at`

func scanStepRow(rows interface{ Scan(...any) error }) (*domain.Step, error) {
	var (
		id, jobID, name string
		order           int
		status          domain.Status
		exitCode        sql.NullInt64
		startedAt       sql.NullTime
		finishedAt      sql.NullTime
	)
	if err := rows.Scan(&id, &jobID, &name, &order, &status, &exitCode, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	st := &domain.Step{ID: id, JobID: jobID, Name: name, Order: order, Status: status}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		st.ExitCode = &c
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		st.FinishedAt = &finishedAt.Time
	}
	return st, nil
}

// CreateStep persists a new step in declared order, status "pending".
func (s *Store) CreateStep(ctx context.Context, jobID, name string, order int) (*domain.Step, error) {
	st := &domain.Step{ID: uuid.NewString(), JobID: jobID, Name: name, Order: order, Status: domain.StatusPending}
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO steps (id, job_id, name, "order", status) VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.JobID, st.Name, st.Order, st.Status)
	if err != nil {
		return nil, wrapBusy(fmt.Errorf("insert step: %w", err))
	}
	return st, nil
}

// StepsForJob returns a job's steps in declared order.
func (s *Store) StepsForJob(ctx context.Context, jobID string) ([]*domain.Step, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+stepSelectCols+` FROM steps WHERE job_id = ? ORDER BY "order" ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	var steps []*domain.Step
	for rows.Next() {
		st, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// GetStep fetches a step by ID.
func (s *Store) GetStep(ctx context.Context, id string) (*domain.Step, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+stepSelectCols+` FROM steps WHERE id = ?`, id)
	st, err := scanStepRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, cierr.ErrNotFound
		}
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

// UpdateStepStatus transitions a step's status, optionally recording an
// exit code.
func (s *Store) UpdateStepStatus(ctx context.Context, id string, status domain.Status, exitCode *int) error {
	now := time.Now().UTC()
	var err error
	switch {
	case status == domain.StatusRunning:
		_, err = s.writer.ExecContext(ctx, `UPDATE steps SET status = ?, started_at = ? WHERE id = ?`, status, now, id)
	case status.IsTerminal():
		_, err = s.writer.ExecContext(ctx, `UPDATE steps SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`, status, exitCode, now, id)
	default:
		_, err = s.writer.ExecContext(ctx, `UPDATE steps SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return wrapBusy(fmt.Errorf("update step status: %w", err))
	}
	return nil
}
