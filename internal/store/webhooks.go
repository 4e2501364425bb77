package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/runner/internal/domain"
)

// SaveWebhookDelivery persists an inbound webhook event before any action
// is taken on it, so deliveries survive a crash and can be replayed.
func (s *Store) SaveWebhookDelivery(ctx context.Context, provider, eventType string, payload json.RawMessage, signature string) (*domain.WebhookDelivery, error) {
	d := &domain.WebhookDelivery{
		ID:         uuid.NewString(),
		Provider:   provider,
		EventType:  eventType,
		Payload:    payload,
		Signature:  signature,
		ReceivedAt: time.Now().UTC(),
	}
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, provider, event_type, payload, signature, processed, received_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		d.ID, d.Provider, d.EventType, []byte(d.Payload), d.Signature, d.ReceivedAt)
	if err != nil {
		return nil, wrapBusy(fmt.Errorf("insert webhook delivery: %w", err))
	}
	return d, nil
}

// MarkWebhookProcessed records the outcome of acting on a webhook
// delivery: the run it produced (if any) and/or an error it failed with.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id, runID, errMsg string) error {
	var runArg sql.NullString
	if runID != "" {
		runArg = sql.NullString{String: runID, Valid: true}
	}
	_, err := s.writer.ExecContext(ctx,
		`UPDATE webhook_deliveries SET processed = 1, pipeline_run_id = ?, error = ? WHERE id = ?`,
		runArg, errMsg, id)
	if err != nil {
		return wrapBusy(fmt.Errorf("mark webhook processed: %w", err))
	}
	return nil
}
