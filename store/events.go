package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/models"
	"gorm.io/gorm"
)

// Outcomes recorded for a processed gateway event.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var row models.ProcessedEvent
	err := s.db.WithContext(ctx).First(&row, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed event %s: %w", eventID, err)
	}
	return true, nil
}

// MarkProcessed records the event id. A second insert of the same id returns ErrDuplicateEvent.
func (s *Store) MarkProcessed(ctx context.Context, eventID, kind, outcome string, at time.Time) error {
	row := models.ProcessedEvent{EventID: eventID, Kind: kind, Outcome: outcome, ProcessedAt: at}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", escrow.ErrDuplicateEvent, eventID)
	}
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	return nil
}

// Envelope is the JSON shape written to the outbox and published downstream.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	ContractID string          `json:"contract_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Enqueue appends domain events to the outbox in the current transaction.
func (s *Store) Enqueue(ctx context.Context, events []escrow.Event, at time.Time) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]models.OutboxEvent, 0, len(events))
	for i, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.EventType(), err)
		}
		id := uuid.NewString()
		payload, err := json.Marshal(Envelope{
			EventID:    id,
			EventType:  e.EventType(),
			ContractID: e.AggregateID(),
			OccurredAt: at,
			Data:       data,
		})
		if err != nil {
			return fmt.Errorf("encode envelope for %s: %w", e.EventType(), err)
		}
		rows = append(rows, models.OutboxEvent{
			ID:           id,
			EventType:    e.EventType(),
			PartitionKey: e.AggregateID(),
			Payload:      string(payload),
			CreatedAt:    at.Add(time.Duration(i)), // keeps batch order
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("enqueue outbox events: %w", err)
	}
	return nil
}

func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	if err := s.db.WithContext(ctx).Where("published_at IS NULL AND dead_lettered_at IS NULL").Order("created_at asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).Update("published_at", at).Error
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_error":    errMsg,
		"last_error_at": at,
	}).Error
}

func (s *Store) MarkDeadLettered(ctx context.Context, id, errMsg string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
		"last_error":       errMsg,
		"last_error_at":    at,
		"dead_lettered_at": at,
	}).Error
}
