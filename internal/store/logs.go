package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flowforge/runner/internal/domain"
)

// AppendLog appends one log chunk for a job (optionally scoped to a
// step) and returns its assigned, monotonically increasing sequence
// number. Chunks are append-only: there is no update or delete path.
func (s *Store) AppendLog(ctx context.Context, jobID, stepID string, stream domain.LogStream, content []byte) (int64, error) {
	seq := atomic.AddInt64(&s.logSeq, 1)
	var stepArg sql.NullString
	if stepID != "" {
		stepArg = sql.NullString{String: stepID, Valid: true}
	}
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO logs (sequence, job_id, step_id, stream, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		seq, jobID, stepArg, stream, content, time.Now().UTC())
	if err != nil {
		return 0, wrapBusy(fmt.Errorf("append log: %w", err))
	}
	return seq, nil
}

// GetLogsForJob returns a job's log chunks strictly in emission order,
// optionally only those after sinceSeq (exclusive), for tail-since-cursor
// reconnection semantics.
func (s *Store) GetLogsForJob(ctx context.Context, jobID string, sinceSeq int64) ([]*domain.LogChunk, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT sequence, job_id, step_id, stream, content, timestamp FROM logs
		 WHERE job_id = ? AND sequence > ? ORDER BY sequence ASC`, jobID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var chunks []*domain.LogChunk
	for rows.Next() {
		var c domain.LogChunk
		var stepID sql.NullString
		if err := rows.Scan(&c.Sequence, &c.JobID, &stepID, &c.Stream, &c.Content, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log chunk: %w", err)
		}
		if stepID.Valid {
			c.StepID = stepID.String
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}
