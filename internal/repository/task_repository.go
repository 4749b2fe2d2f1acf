package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mail-dispatch-go/internal/model"
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Enqueue inserts a new ingest task in queued state.
func (r *TaskRepository) Enqueue(ctx context.Context, task *model.IngestTask) error {
	result := r.db.WithContext(ctx).Create(task)
	if result.Error != nil {
		return fmt.Errorf("failed to enqueue ingest task: %w", result.Error)
	}
	return nil
}

// LeaseNext claims the oldest runnable queued task for a worker. The claim is
// a conditional UPDATE on status, so concurrent workers across processes
// never lease the same task; losing the race just moves on to the next
// candidate. Returns nil when the queue is drained.
func (r *TaskRepository) LeaseNext(ctx context.Context, now time.Time) (*model.IngestTask, error) {
	for {
		var task model.IngestTask
		err := r.db.WithContext(ctx).
			Where("status = ? AND next_run_at <= ?", model.TaskStatusQueued, now).
			Order("next_run_at ASC").
			First(&task).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to find runnable task: %w", err)
		}

		result := r.db.WithContext(ctx).
			Model(&model.IngestTask{}).
			Where("id = ? AND status = ?", task.ID, model.TaskStatusQueued).
			Updates(map[string]interface{}{
				"status":    model.TaskStatusLeased,
				"leased_at": &now,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to lease task %s: %w", task.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Another worker won the race for this row.
			continue
		}

		task.Status = model.TaskStatusLeased
		task.Attempts++
		task.LeasedAt = &now
		return &task, nil
	}
}

// MarkSucceeded records a finished task.
func (r *TaskRepository) MarkSucceeded(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&model.IngestTask{}).
		Where("id = ?", id).
		Update("status", model.TaskStatusSucceeded)
	if result.Error != nil {
		return fmt.Errorf("failed to mark task %s succeeded: %w", id, result.Error)
	}
	return nil
}

// Requeue puts a failed task back in the queue with its next attempt delayed,
// or parks it as dead once attempts are exhausted.
func (r *TaskRepository) Requeue(ctx context.Context, task *model.IngestTask, taskErr error, nextRunAt time.Time) error {
	status := model.TaskStatusQueued
	if task.Attempts >= task.MaxAttempts {
		status = model.TaskStatusDead
	}

	result := r.db.WithContext(ctx).
		Model(&model.IngestTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]interface{}{
			"status":      status,
			"next_run_at": nextRunAt,
			"last_error":  taskErr.Error(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to requeue task %s: %w", task.ID, result.Error)
	}
	return nil
}

// ReclaimStale returns leases abandoned by crashed workers to the queue, so
// delivery stays at-least-once across process deaths. A stale task whose
// attempts are already exhausted is parked dead instead of cycling through
// crashes forever. Returns the number of requeued tasks.
func (r *TaskRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	dead := r.db.WithContext(ctx).
		Model(&model.IngestTask{}).
		Where("status = ? AND leased_at < ? AND attempts >= max_attempts", model.TaskStatusLeased, cutoff).
		Updates(map[string]interface{}{
			"status":     model.TaskStatusDead,
			"last_error": "lease expired with attempts exhausted",
		})
	if dead.Error != nil {
		return 0, fmt.Errorf("failed to park exhausted stale leases: %w", dead.Error)
	}

	result := r.db.WithContext(ctx).
		Model(&model.IngestTask{}).
		Where("status = ? AND leased_at < ?", model.TaskStatusLeased, cutoff).
		Updates(map[string]interface{}{
			"status":      model.TaskStatusQueued,
			"leased_at":   nil,
			"next_run_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reclaim stale leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountQueued returns the number of tasks waiting to run.
func (r *TaskRepository) CountQueued(ctx context.Context) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Model(&model.IngestTask{}).
		Where("status = ?", model.TaskStatusQueued).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count queued tasks: %w", result.Error)
	}
	return count, nil
}
