package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mail-dispatch-go/internal/model"
)

// ErrAlreadyResolved is returned when a verdict arrives for a suggestion that
// already left pending: the first verdict won.
var ErrAlreadyResolved = errors.New("suggestion already resolved")

type SuggestionRepository struct {
	db *gorm.DB
}

func NewSuggestionRepository(db *gorm.DB) *SuggestionRepository {
	return &SuggestionRepository{db: db}
}

// GetByID returns one suggestion, or nil when it does not exist.
func (r *SuggestionRepository) GetByID(ctx context.Context, id string) (*model.Suggestion, error) {
	var s model.Suggestion
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&s)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get suggestion %s: %w", id, result.Error)
	}
	return &s, nil
}

// Create inserts a new suggestion. A duplicate id returns ErrDuplicate,
// which callers treat as "already created".
func (r *SuggestionRepository) Create(ctx context.Context, s *model.Suggestion) error {
	result := r.db.WithContext(ctx).Create(s)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create suggestion: %w", result.Error)
	}
	return nil
}

// Resolve moves a pending suggestion to a terminal status with the reviewer
// verdict. The conditional UPDATE is the claim: the first verdict wins, and a
// losing verdict gets ErrAlreadyResolved so the caller can adopt the winner
// instead of acting on its own.
func (r *SuggestionRepository) Resolve(ctx context.Context, id, status, reviewerID, note string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.Suggestion{}).
		Where("id = ? AND status = ?", id, model.SuggestionStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewer_id": reviewerID,
			"review_note": note,
			"resolved_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to resolve suggestion %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("suggestion %s not found", id)
		}
		return ErrAlreadyResolved
	}
	return nil
}

// Fail parks a suggestion in the failed status after its resolution side
// effect could not be applied. An operator re-drives from here.
func (r *SuggestionRepository) Fail(ctx context.Context, id, note string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Suggestion{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.SuggestionStatusFailed,
			"review_note": note,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark suggestion %s failed: %w", id, result.Error)
	}
	return nil
}

// List returns recent suggestions, newest first.
func (r *SuggestionRepository) List(ctx context.Context, limit int) ([]model.Suggestion, error) {
	var suggestions []model.Suggestion
	result := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&suggestions)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", result.Error)
	}
	return suggestions, nil
}
