package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"mail-dispatch-go/internal/model"
)

// ErrDuplicate marks an insert that collided with an existing natural key.
// Callers treat it as "already persisted", not as a failure.
var ErrDuplicate = errors.New("record already exists")

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// GetByNaturalID returns the persisted message with the given natural key,
// or nil when none exists.
func (r *MessageRepository) GetByNaturalID(ctx context.Context, accountID, naturalMessageID string) (*model.RawMessage, error) {
	var msg model.RawMessage
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND natural_message_id = ?", accountID, naturalMessageID).
		First(&msg)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get raw message %s/%s: %w", accountID, naturalMessageID, result.Error)
	}
	return &msg, nil
}

// Create inserts a new raw message record. A natural-key collision returns
// ErrDuplicate so callers can fall back to the existing row.
func (r *MessageRepository) Create(ctx context.Context, msg *model.RawMessage) error {
	result := r.db.WithContext(ctx).Create(msg)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create raw message: %w", result.Error)
	}
	return nil
}

// MarkProcessed flips the processed flag and records the event the message
// produced. This is the only mutation a RawMessage ever sees.
func (r *MessageRepository) MarkProcessed(ctx context.Context, id, eventID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.RawMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "event_id": eventID})
	if result.Error != nil {
		return fmt.Errorf("failed to mark raw message %s processed: %w", id, result.Error)
	}
	return nil
}

// ListUnprocessed returns persisted messages that never produced an event,
// the input for a reconciliation pass.
func (r *MessageRepository) ListUnprocessed(ctx context.Context, limit int) ([]model.RawMessage, error) {
	var msgs []model.RawMessage
	result := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list unprocessed messages: %w", result.Error)
	}
	return msgs, nil
}
