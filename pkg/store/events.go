package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
)

// AppendEvent inserts an event. Events are append-only; nothing ever
// updates or deletes them.
func (s *store) AppendEvent(ctx context.Context, event *Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	return s.execWrite(ctx, func(tx *gorm.DB) error {
		return tx.Create(event).Error
	})
}

// ListEvents returns a page of events for a run, id-ordered, with the
// total count of matching events for has-more computation.
func (s *store) ListEvents(
	ctx context.Context, runID string, filter EventFilter,
) ([]Event, int64, error) {
	q := s.db.WithContext(ctx).
		Model(&Event{}).
		Where("run_id = ?", runID)

	if filter.Level != "" {
		q = q.Where("level = ?", filter.Level)
	}

	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}

	if filter.After != nil {
		q = q.Where("at > ?", *filter.After)
	}

	if filter.Before != nil {
		q = q.Where("at < ?", *filter.Before)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventPageSize
	}

	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	var events []Event

	err := q.Order("id").
		Limit(limit).
		Offset(filter.Offset).
		Find(&events).Error
	if err != nil {
		return nil, 0, err
	}

	return events, total, nil
}
