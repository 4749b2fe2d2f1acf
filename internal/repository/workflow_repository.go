package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mail-dispatch-go/internal/model"
)

// ErrStale is returned when a conditional save loses: the instance row was
// transitioned by someone else after the caller read it.
var ErrStale = errors.New("workflow instance transitioned concurrently")

type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Get returns one workflow instance, or nil when it does not exist.
func (r *WorkflowRepository) Get(ctx context.Context, instanceID string) (*model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	result := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&inst)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow instance %s: %w", instanceID, result.Error)
	}
	return &inst, nil
}

// Create inserts a new instance row. A duplicate instance id returns
// ErrDuplicate, which makes workflow start idempotent.
func (r *WorkflowRepository) Create(ctx context.Context, inst *model.WorkflowInstance) error {
	result := r.db.WithContext(ctx).Create(inst)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create workflow instance: %w", result.Error)
	}
	return nil
}

// Save persists the instance state, status, and deadline after a transition.
// The update is conditional on the row still being running at the version the
// caller read, the same claim idiom the task queue leases with: concurrent
// transitions race on the version bump and exactly one wins. Losing returns
// ErrStale.
func (r *WorkflowRepository) Save(ctx context.Context, inst *model.WorkflowInstance) error {
	result := r.db.WithContext(ctx).
		Model(&model.WorkflowInstance{}).
		Where("instance_id = ? AND status = ? AND version = ?",
			inst.InstanceID, model.WorkflowStatusRunning, inst.Version).
		Updates(map[string]interface{}{
			"status":   inst.Status,
			"state":    inst.State,
			"deadline": inst.Deadline,
			"version":  gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save workflow instance %s: %w", inst.InstanceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ListDue returns running instances whose deadline has passed, for the timer
// sweep to fire.
func (r *WorkflowRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.WorkflowInstance, error) {
	var instances []model.WorkflowInstance
	result := r.db.WithContext(ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline <= ?", model.WorkflowStatusRunning, now).
		Order("deadline ASC").
		Limit(limit).
		Find(&instances)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due workflow instances: %w", result.Error)
	}
	return instances, nil
}
