package taskmaster

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	"github.com/curatorhq/curator/pkg/config"
	"github.com/curatorhq/curator/pkg/scan"
	"github.com/curatorhq/curator/pkg/store"
)

// cancelPollEvery is how many files are processed between polls of the
// persisted cancellation flag. The in-memory context covers
// cancellations from this process; the flag covers everyone else.
const cancelPollEvery = 64

// workerLoop consumes queued runs until shutdown.
func (s *service) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()

	log := s.log.WithField("worker", id)

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case runID := <-s.queue:
			s.executeRun(ctx, log, runID)
		}
	}
}

// executeRun drives one run through its task set and derives the final
// run status from the task outcomes.
func (s *service) executeRun(
	ctx context.Context, log logrus.FieldLogger, runID string,
) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		log.WithError(err).WithField("run_id", runID).
			Warn("Failed to load queued run")

		return
	}

	if run.CancelRequested {
		s.finishCancelledBeforeStart(ctx, run)

		return
	}

	err = s.store.TransitionRun(ctx, runID,
		[]string{store.RunStatusQueued}, store.RunStatusRunning)
	if err != nil {
		// Lost the race with a cancel or a duplicate delivery.
		log.WithError(err).WithField("run_id", runID).
			Debug("Run not in queued state, skipping")

		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, runID)
		s.mu.Unlock()
	}()

	s.events.emit(runID, 0, store.EventLevelInfo, store.EventRunStarted,
		s.runStartedPayload(ctx, run))

	tasks, err := s.store.ListTasks(ctx, runID)
	if err != nil {
		s.finishRun(ctx, runID, store.RunStatusFailed)

		return
	}

	var anyFailed, anyCancelled, anySucceeded bool

	for i := range tasks {
		task := &tasks[i]

		// On retry re-entry, terminal outcomes from the previous
		// attempt still count toward the final run status.
		if task.Status != store.TaskStatusPending {
			switch task.Status {
			case store.TaskStatusSucceeded:
				anySucceeded = true
			case store.TaskStatusFailed:
				anyFailed = true
			case store.TaskStatusCancelled:
				anyCancelled = true
			}

			continue
		}

		// Observe the cancellation flag between tasks.
		if runCtx.Err() != nil || s.cancelFlagged(ctx, runID) {
			if err := s.store.TransitionTask(ctx, task.ID,
				[]string{store.TaskStatusPending},
				store.TaskStatusCancelled, ""); err == nil {
				s.events.emit(runID, task.ID, store.EventLevelInfo,
					store.EventTaskCancelled, nil)
			}

			anyCancelled = true

			continue
		}

		switch s.executeTask(ctx, runCtx, run, task) {
		case store.TaskStatusSucceeded:
			anySucceeded = true
		case store.TaskStatusFailed:
			anyFailed = true
		case store.TaskStatusCancelled:
			anyCancelled = true
		}
	}

	// Dedup regrouping runs once per run, after every per-file upsert
	// of this run has committed, never interleaved with them.
	if anySucceeded && !anyCancelled {
		if groups, err := s.engine.RebuildDuplicateGroups(ctx); err != nil {
			log.WithError(err).Warn("Duplicate regrouping failed")

			anyFailed = true
		} else {
			s.events.emit(runID, 0, store.EventLevelInfo,
				store.EventProgress,
				map[string]any{"duplicate_groups": groups})
		}
	}

	status := store.RunStatusCompleted

	switch {
	case anyFailed:
		status = store.RunStatusFailed
	case anyCancelled:
		status = store.RunStatusCancelled
	}

	s.finishRun(ctx, runID, status)
}

// finishCancelledBeforeStart terminates a run whose cancellation was
// requested while it still sat in the queue.
func (s *service) finishCancelledBeforeStart(
	ctx context.Context, run *store.Run,
) {
	for i := range run.Tasks {
		task := &run.Tasks[i]
		if task.Status != store.TaskStatusPending {
			continue
		}

		_ = s.store.TransitionTask(ctx, task.ID,
			[]string{store.TaskStatusPending},
			store.TaskStatusCancelled, "")
	}

	err := s.store.TransitionRun(ctx, run.ID,
		[]string{store.RunStatusQueued}, store.RunStatusCancelled)
	if err == nil {
		s.events.emit(run.ID, 0, store.EventLevelInfo,
			store.EventRunCancelled, nil)
	}
}

// finishRun transitions a running run to its terminal state and emits
// the matching lifecycle event.
func (s *service) finishRun(ctx context.Context, runID, status string) {
	err := s.store.TransitionRun(ctx, runID,
		[]string{store.RunStatusRunning}, status)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"run_id": runID,
			"status": status,
		}).Warn("Failed to finalize run")

		return
	}

	eventType := store.EventRunCompleted
	level := store.EventLevelInfo

	switch status {
	case store.RunStatusFailed:
		eventType = store.EventRunFailed
		level = store.EventLevelError
	case store.RunStatusCancelled:
		eventType = store.EventRunCancelled
	}

	s.events.emit(runID, 0, level, eventType, nil)

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"status": status,
	}).Info("Run finished")
}

// executeTask runs the scan/identity pipeline for one task and returns
// the terminal task status. The walk runs on the cancellable run
// context; status transitions and metrics persistence run on the
// worker context, so a cancelled task still reaches its terminal state.
func (s *service) executeTask(
	ctx, runCtx context.Context, run *store.Run, task *store.Task,
) string {
	err := s.store.TransitionTask(ctx, task.ID,
		[]string{store.TaskStatusPending}, store.TaskStatusRunning, "")
	if err != nil {
		return task.Status
	}

	s.events.emit(run.ID, task.ID, store.EventLevelInfo,
		store.EventTaskStarted, map[string]any{"root": task.Root})

	var filterCfg config.FilterConfig
	if task.FiltersJSON != "" {
		if err := json.Unmarshal([]byte(task.FiltersJSON), &filterCfg); err != nil {
			return s.failTask(ctx, run.ID, task.ID, err)
		}
	}

	taskCtx := runCtx

	if s.cfg.Scan.TaskTimeout != "" {
		if timeout, err := time.ParseDuration(s.cfg.Scan.TaskTimeout); err == nil && timeout > 0 {
			var cancelTimeout context.CancelFunc

			taskCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
			defer cancelTimeout()
		}
	}

	var (
		metrics store.TaskMetrics
		bytes   int64
		seen    int
	)

	visitor := scan.Visitor{
		File: func(d scan.Discovered) error {
			obs, err := s.engine.Observe(taskCtx, run.ID, task.Root, d)
			if err != nil {
				if store.IsLockTimeout(err) {
					s.events.emit(run.ID, task.ID, store.EventLevelError,
						store.EventLockTimeout,
						map[string]any{"path": d.Path})
				}

				return err
			}

			seen++

			if obs.Skipped {
				metrics.Skipped++
			} else {
				metrics.Processed++
				bytes += d.Size
			}

			if obs.ParserFailed {
				metrics.ParserFailures++

				s.events.emit(run.ID, task.ID, store.EventLevelWarn,
					store.EventParserFailure,
					map[string]any{"path": d.Path})
			}

			if seen%s.cfg.Scan.ProgressEvery == 0 {
				s.emitProgress(run.ID, task.ID, &metrics, bytes)
			}

			// The persisted flag covers cancellations issued by other
			// processes sharing the database.
			if seen%cancelPollEvery == 0 && s.cancelFlagged(ctx, run.ID) {
				return context.Canceled
			}

			return nil
		},
		PathError: func(pe scan.PathError) {
			eventType := store.EventPermissionDenied

			switch pe.Kind {
			case scan.ErrKindSymlinkLoop:
				eventType = store.EventSymlinkLoop
			case scan.ErrKindIO:
				eventType = store.EventIOError
			}

			s.events.emit(run.ID, task.ID, store.EventLevelWarn,
				eventType, map[string]any{"path": pe.Path})
		},
	}

	summary, walkErr := s.walker.Walk(
		taskCtx,
		task.Root,
		scan.FiltersFromConfig(filterCfg),
		scan.BudgetFromConfig(filterCfg),
		visitor,
	)

	metrics.Discovered = summary.Discovered
	metrics.PermissionErrors = summary.PermissionErrors
	metrics.IOErrors = summary.IOErrors
	metrics.SymlinkLoops = summary.SymlinkLoops
	metrics.BudgetExhausted = summary.BudgetExhausted
	metrics.BudgetReason = summary.BudgetReason

	s.storeTaskMetrics(ctx, task.ID, &metrics)

	switch {
	case walkErr == nil:
		err := s.store.TransitionTask(ctx, task.ID,
			[]string{store.TaskStatusRunning},
			store.TaskStatusSucceeded, "")
		if err != nil {
			return s.failTask(ctx, run.ID, task.ID, err)
		}

		s.events.emit(run.ID, task.ID, store.EventLevelInfo,
			store.EventTaskCompleted, metricsPayload(&metrics, bytes))

		return store.TaskStatusSucceeded

	case errors.Is(walkErr, context.Canceled),
		errors.Is(walkErr, context.DeadlineExceeded),
		taskCtx.Err() != nil:
		// A dead task context also surfaces as aborted store writes, so
		// any error after cancellation counts as the cancellation.
		_ = s.store.TransitionTask(ctx, task.ID,
			[]string{store.TaskStatusRunning},
			store.TaskStatusCancelled, "")

		s.events.emit(run.ID, task.ID, store.EventLevelInfo,
			store.EventTaskCancelled, metricsPayload(&metrics, bytes))

		return store.TaskStatusCancelled

	default:
		return s.failTask(ctx, run.ID, task.ID, walkErr)
	}
}

// failTask marks a task failed with its error captured and emits the
// failure event.
func (s *service) failTask(
	ctx context.Context, runID string, taskID uint, cause error,
) string {
	_ = s.store.TransitionTask(ctx, taskID,
		[]string{store.TaskStatusRunning}, store.TaskStatusFailed,
		cause.Error())

	s.events.emit(runID, taskID, store.EventLevelError,
		store.EventTaskFailed, map[string]any{"error": cause.Error()})

	return store.TaskStatusFailed
}

// cancelFlagged polls the persisted cancellation flag.
func (s *service) cancelFlagged(ctx context.Context, runID string) bool {
	flagged, err := s.store.CancelRequested(ctx, runID)

	return err == nil && flagged
}

// storeTaskMetrics persists aggregated counters; losing them degrades
// observability but never the task outcome.
func (s *service) storeTaskMetrics(
	ctx context.Context, taskID uint, metrics *store.TaskMetrics,
) {
	data, err := json.Marshal(metrics)
	if err != nil {
		return
	}

	if err := s.store.SetTaskMetrics(ctx, taskID, string(data)); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).
			Warn("Failed to persist task metrics")
	}
}

func (s *service) emitProgress(
	runID string, taskID uint, metrics *store.TaskMetrics, bytes int64,
) {
	s.events.emit(runID, taskID, store.EventLevelInfo, store.EventProgress,
		map[string]any{
			"processed":         metrics.Processed,
			"skipped":           metrics.Skipped,
			"permission_errors": metrics.PermissionErrors,
			"bytes":             bytes,
		})

	s.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"task_id":   taskID,
		"processed": metrics.Processed,
		"skipped":   metrics.Skipped,
		"read":      units.BytesSize(float64(bytes)),
	}).Debug("Scan progress")
}

// metricsPayload flattens task metrics into an event payload.
func metricsPayload(metrics *store.TaskMetrics, bytes int64) map[string]any {
	return map[string]any{
		"discovered":        metrics.Discovered,
		"processed":         metrics.Processed,
		"skipped":           metrics.Skipped,
		"permission_errors": metrics.PermissionErrors,
		"io_errors":         metrics.IOErrors,
		"symlink_loops":     metrics.SymlinkLoops,
		"parser_failures":   metrics.ParserFailures,
		"budget_exhausted":  metrics.BudgetExhausted,
		"bytes":             bytes,
	}
}

// runStartedPayload snapshots disk usage of the first task root so the
// start event records the capacity context the scan runs under.
func (s *service) runStartedPayload(
	ctx context.Context, run *store.Run,
) map[string]any {
	payload := map[string]any{"type": run.Type}

	if run.ScheduleName != "" {
		payload["schedule"] = run.ScheduleName
	}

	if len(run.Tasks) == 0 {
		return payload
	}

	usage, err := disk.UsageWithContext(ctx, run.Tasks[0].Root)
	if err != nil {
		return payload
	}

	payload["disk_total"] = usage.Total
	payload["disk_free"] = usage.Free
	payload["disk_used_percent"] = usage.UsedPercent

	return payload
}
