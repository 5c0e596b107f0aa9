package taskmaster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/curatorhq/curator/pkg/config"
)

// cronParser accepts the standard 5-field spec (minute through
// day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// nextCronTime returns the first activation of spec strictly after now.
func nextCronTime(spec string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron spec %q: %w", spec, err)
	}

	return sched.Next(now), nil
}

// schedulerLoop periodically fires due schedules until shutdown.
func (s *service) schedulerLoop(ctx context.Context) {
	defer s.wg.Done()

	interval, err := time.ParseDuration(s.cfg.Scheduler.Interval)
	if err != nil || interval <= 0 {
		interval, _ = time.ParseDuration(config.DefaultSchedulerInterval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDueSchedules(ctx); err != nil {
				s.log.WithError(err).Warn("Schedule sweep failed")
			}
		}
	}
}

// RunDueSchedules submits one run per due schedule and returns how many
// were triggered. Each due window is claimed with a conditional update,
// so concurrent sweeps trigger a schedule at most once.
func (s *service) RunDueSchedules(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing due schedules: %w", err)
	}

	triggered := 0

	for i := range due {
		sched := &due[i]

		next, err := nextCronTime(sched.CronSpec, now)
		if err != nil {
			s.log.WithError(err).WithField("schedule", sched.Name).
				Warn("Skipping schedule with invalid cron spec")

			continue
		}

		claimed, err := s.store.ClaimDueSchedule(ctx, sched.ID, now, next)
		if err != nil {
			return triggered, fmt.Errorf(
				"claiming schedule %q: %w", sched.Name, err)
		}

		if !claimed {
			continue
		}

		var filters config.FilterConfig
		if sched.FiltersJSON != "" {
			if err := json.Unmarshal([]byte(sched.FiltersJSON), &filters); err != nil {
				s.log.WithError(err).WithField("schedule", sched.Name).
					Warn("Skipping schedule with invalid filters")

				continue
			}
		}

		runID, err := s.SubmitRun(ctx, JobTypeIndex, Params{
			Roots:        []string{sched.Root},
			Filters:      &filters,
			ScheduleName: sched.Name,
		})
		if err != nil {
			s.log.WithError(err).WithField("schedule", sched.Name).
				Warn("Failed to submit scheduled run")

			continue
		}

		s.log.WithFields(logrus.Fields{
			"schedule": sched.Name,
			"run_id":   runID,
			"next_run": next,
		}).Info("Schedule triggered")

		triggered++
	}

	return triggered, nil
}
