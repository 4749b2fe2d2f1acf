package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"mail-dispatch-go/internal/model"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// GetByIdempotencyKey returns the event already created for a source message,
// or nil when the key is unseen. This lookup is the dedupe guard at the front
// of every dispatch.
func (r *EventRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Event, error) {
	var event model.Event
	result := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get event by idempotency key: %w", result.Error)
	}
	return &event, nil
}

// GetByID returns one event, or nil when it does not exist.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var event model.Event
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get event %s: %w", id, result.Error)
	}
	return &event, nil
}

// Create inserts a new event record. An idempotency-key collision returns
// ErrDuplicate; the caller re-reads and reuses the winner's row.
func (r *EventRepository) Create(ctx context.Context, event *model.Event) error {
	result := r.db.WithContext(ctx).Create(event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create event: %w", result.Error)
	}
	return nil
}

// SetIntent records the classifier verdict on an event.
func (r *EventRepository) SetIntent(ctx context.Context, id, label string, score float64, reasoning string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"intent":           label,
			"intent_score":     score,
			"intent_reasoning": reasoning,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set intent on event %s: %w", id, result.Error)
	}
	return nil
}

// SetProcessing moves an event from pending to processing and stores its
// workflow reference.
func (r *EventRepository) SetProcessing(ctx context.Context, id, workflowRef string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.EventStatusProcessing,
			"workflow_ref": workflowRef,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set event %s processing: %w", id, result.Error)
	}
	return nil
}

// SetStatus records a terminal event status (completed or failed).
func (r *EventRepository) SetStatus(ctx context.Context, id, status string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to set event %s status: %w", id, result.Error)
	}
	return nil
}

// List returns recent events, newest first.
func (r *EventRepository) List(ctx context.Context, limit int) ([]model.Event, error) {
	var events []model.Event
	result := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list events: %w", result.Error)
	}
	return events, nil
}

// ListPending returns events stuck in pending, the reconciliation signal an
// operator watches for.
func (r *EventRepository) ListPending(ctx context.Context, limit int) ([]model.Event, error) {
	var events []model.Event
	result := r.db.WithContext(ctx).
		Where("status = ?", model.EventStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", result.Error)
	}
	return events, nil
}
