package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertSchedule creates or updates a schedule by name. Run bookkeeping
// columns (last_run_at) are left untouched on update; next_run_at is
// written so spec changes take effect immediately.
func (s *store) UpsertSchedule(
	ctx context.Context, sched *Schedule,
) error {
	return s.execWrite(ctx, func(tx *gorm.DB) error {
		sched.UpdatedAt = time.Now().UTC()

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cron_spec", "root", "filters_json", "enabled",
				"next_run_at", "updated_at",
			}),
		}).Create(sched).Error
	})
}

// ListSchedules returns all schedules ordered by name.
func (s *store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var schedules []Schedule

	err := s.db.WithContext(ctx).
		Order("name").
		Find(&schedules).Error

	return schedules, err
}

// GetScheduleByName looks up a schedule by its unique name.
func (s *store) GetScheduleByName(
	ctx context.Context, name string,
) (*Schedule, error) {
	var sched Schedule

	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &sched, nil
}

// ListDueSchedules returns enabled schedules whose next_run_at has
// passed.
func (s *store) ListDueSchedules(
	ctx context.Context, now time.Time,
) ([]Schedule, error) {
	var schedules []Schedule

	err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now).
		Order("next_run_at").
		Find(&schedules).Error

	return schedules, err
}

// ClaimDueSchedule atomically claims a due schedule by advancing its
// next_run_at past the due window. Exactly one concurrent tick wins;
// losers see zero rows affected and silently no-op.
func (s *store) ClaimDueSchedule(
	ctx context.Context, id uint, now, nextRun time.Time,
) (bool, error) {
	claimed := false

	err := s.execWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Schedule{}).
			Where("id = ? AND enabled = ? AND next_run_at <= ?",
				id, true, now).
			Updates(map[string]any{
				"last_run_at": now,
				"next_run_at": nextRun,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}

		claimed = res.RowsAffected > 0

		return nil
	})
	if err != nil {
		return false, err
	}

	return claimed, nil
}
