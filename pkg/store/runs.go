package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// CreateRun persists a run together with its expanded task set. The
// task set is fixed from this point on; later passes may only retry.
func (s *store) CreateRun(ctx context.Context, run *Run) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(run).Error
	})
}

// GetRun loads a run with its tasks.
func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Preload("Tasks").
		Where("id = ?", id).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &run, nil
}

// ListRuns returns runs ordered newest first.
func (s *store) ListRuns(
	ctx context.Context, limit, offset int,
) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	var runs []Run

	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error

	return runs, err
}

// ListRunsByStatus returns every run in the given status, oldest first
// so re-enqueued work keeps its submission order.
func (s *store) ListRunsByStatus(
	ctx context.Context, status string,
) ([]Run, error) {
	var runs []Run

	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at").
		Find(&runs).Error

	return runs, err
}

// TransitionRun moves a run between states. The update is conditional
// on the current status so terminal states stay absorbing and
// transitions stay monotonic under concurrent writers.
func (s *store) TransitionRun(
	ctx context.Context, id string, from []string, to string,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()

		updates := map[string]any{"status": to}

		switch to {
		case RunStatusRunning:
			updates["started_at"] = now
		case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
			updates["completed_at"] = now
		}

		res := tx.Model(&Run{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		return nil
	})
}

// RequestCancel flags a queued or running run for cooperative
// cancellation. Flagging an already-terminal run is a no-op error.
func (s *store) RequestCancel(ctx context.Context, id string) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Run{}).
			Where("id = ? AND status IN ?", id,
				[]string{RunStatusQueued, RunStatusRunning}).
			Update("cancel_requested", true)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		return nil
	})
}

// CancelRequested reports whether cancellation has been requested for
// the run. Workers poll this at cooperative checkpoints.
func (s *store) CancelRequested(
	ctx context.Context, id string,
) (bool, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Select("cancel_requested").
		Where("id = ?", id).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}

	if err != nil {
		return false, err
	}

	return run.CancelRequested, nil
}

// GetTask loads a single task.
func (s *store) GetTask(ctx context.Context, id uint) (*Task, error) {
	var task Task

	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &task, nil
}

// ListTasks returns all tasks of a run in id order.
func (s *store) ListTasks(
	ctx context.Context, runID string,
) ([]Task, error) {
	var tasks []Task

	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id").
		Find(&tasks).Error

	return tasks, err
}

// TransitionTask moves a task between states under the same conditional
// discipline as TransitionRun.
func (s *store) TransitionTask(
	ctx context.Context, id uint, from []string, to, errMsg string,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()

		updates := map[string]any{"status": to}

		switch to {
		case TaskStatusRunning:
			updates["started_at"] = now
			updates["error"] = ""
		case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
			updates["completed_at"] = now
		}

		if errMsg != "" {
			updates["error"] = errMsg
		}

		res := tx.Model(&Task{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		return nil
	})
}

// SetTaskMetrics stores the aggregated per-path counters of a task.
func (s *store) SetTaskMetrics(
	ctx context.Context, id uint, metrics string,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		return tx.Model(&Task{}).
			Where("id = ?", id).
			Update("metrics_json", metrics).Error
	})
}

// ResetTaskForRetry moves a failed task back to pending, bounded by the
// retry budget. Only failed tasks are retryable.
func (s *store) ResetTaskForRetry(
	ctx context.Context, runID string, id uint, maxRetries int,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where(
				"id = ? AND run_id = ? AND status = ? AND retry_count < ?",
				id, runID, TaskStatusFailed, maxRetries,
			).
			Updates(map[string]any{
				"status":      TaskStatusPending,
				"retry_count": gorm.Expr("retry_count + 1"),
				"error":       "",
			})
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		return nil
	})
}
