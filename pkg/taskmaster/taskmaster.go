// Package taskmaster is the job orchestration engine: it owns the
// Run/Task/Event state machine, a fixed worker pool executing the
// scan/identity/dedup pipeline, cooperative cancellation, bounded task
// retry, and the recurring-schedule loop.
package taskmaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/curatorhq/curator/pkg/config"
	"github.com/curatorhq/curator/pkg/identity"
	"github.com/curatorhq/curator/pkg/parser"
	"github.com/curatorhq/curator/pkg/scan"
	"github.com/curatorhq/curator/pkg/store"
)

// JobTypeIndex is the only job type the orchestrator currently runs.
const JobTypeIndex = "index"

// queueCapacity bounds how many submitted runs may wait for a worker.
const queueCapacity = 256

// Params describe a submitted job.
type Params struct {
	// Roots are the directories to index; the run expands into one
	// task per root.
	Roots []string

	// Filters override the configured scan defaults when set.
	Filters *config.FilterConfig

	// ScheduleName links scheduler-submitted runs to their schedule.
	ScheduleName string
}

// Service is the orchestrator surface exposed to the API, CLI, and
// scheduler.
type Service interface {
	Start(ctx context.Context) error
	Stop() error

	SubmitRun(ctx context.Context, jobType string, params Params) (string, error)
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	CancelRun(ctx context.Context, runID string) error
	RetryTask(ctx context.Context, runID string, taskID uint) error
	AwaitRun(ctx context.Context, runID string) (*store.Run, error)

	UpsertSchedule(ctx context.Context, sc config.ScheduleConfig) error
	RunDueSchedules(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	walker   *scan.Walker
	engine   *identity.Engine
	registry *parser.Registry
	events   *emitter

	queue chan string
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates the orchestrator with injected dependencies. No global
// state: everything the stages need travels through this service.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	registry *parser.Registry,
) Service {
	return &service{
		log:      log.WithField("component", "taskmaster"),
		cfg:      cfg,
		store:    st,
		walker:   scan.NewWalker(log),
		engine:   identity.NewEngine(log, st, registry),
		registry: registry,
		events:   newEmitter(log, st),
		queue:    make(chan string, queueCapacity),
		done:     make(chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start seeds configured schedules, then launches the event writer,
// the worker pool, and the scheduler loop.
func (s *service) Start(ctx context.Context) error {
	if err := s.seedSchedules(ctx); err != nil {
		return fmt.Errorf("seeding schedules: %w", err)
	}

	s.events.start()

	for i := 0; i < s.cfg.Scan.Workers; i++ {
		s.wg.Add(1)

		go s.workerLoop(ctx, i)
	}

	if s.cfg.Scheduler.Enabled {
		s.wg.Add(1)

		go s.schedulerLoop(ctx)
	}

	if err := s.requeueOrphans(ctx); err != nil {
		return fmt.Errorf("re-enqueuing runs: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"workers":   s.cfg.Scan.Workers,
		"scheduler": s.cfg.Scheduler.Enabled,
	}).Info("TaskMaster started")

	return nil
}

// requeueOrphans hands runs left queued by a previous process back to
// the worker pool. Duplicate deliveries are harmless: the conditional
// queued-to-running transition admits exactly one.
func (s *service) requeueOrphans(ctx context.Context) error {
	runs, err := s.store.ListRunsByStatus(ctx, store.RunStatusQueued)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if err := s.enqueue(run.ID); err != nil {
			s.log.WithField("run_id", run.ID).
				Warn("Run queue full during startup re-enqueue")

			break
		}
	}

	if len(runs) > 0 {
		s.log.WithField("count", len(runs)).
			Info("Re-enqueued runs from a previous process")
	}

	return nil
}

// Stop halts workers and the scheduler, then flushes the event writer.
func (s *service) Stop() error {
	close(s.done)
	s.wg.Wait()
	s.events.close()

	s.log.Info("TaskMaster stopped")

	return nil
}

// SubmitRun creates a run in queued state with its full task set and
// returns its id without waiting for execution.
func (s *service) SubmitRun(
	ctx context.Context, jobType string, params Params,
) (string, error) {
	if jobType != JobTypeIndex {
		return "", fmt.Errorf("unknown job type %q", jobType)
	}

	if len(params.Roots) == 0 {
		return "", errors.New("at least one root is required")
	}

	filters := s.cfg.Scan.Defaults
	if params.Filters != nil {
		filters = *params.Filters
	}

	if err := filters.Validate(); err != nil {
		return "", fmt.Errorf("invalid filters: %w", err)
	}

	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return "", fmt.Errorf("encoding filters: %w", err)
	}

	run := &store.Run{
		ID:           uuid.NewString(),
		Type:         jobType,
		Status:       store.RunStatusQueued,
		ScheduleName: params.ScheduleName,
		CreatedAt:    time.Now().UTC(),
		Tasks:        make([]store.Task, 0, len(params.Roots)),
	}

	for _, root := range params.Roots {
		run.Tasks = append(run.Tasks, store.Task{
			Root:        root,
			FiltersJSON: string(filtersJSON),
			Status:      store.TaskStatusPending,
		})
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	if err := s.enqueue(run.ID); err != nil {
		// A run nobody will ever pick up must not sit queued; fail it
		// in place so the caller sees a consistent terminal state.
		for i := range run.Tasks {
			_ = s.store.TransitionTask(ctx, run.Tasks[i].ID,
				[]string{store.TaskStatusPending},
				store.TaskStatusFailed, err.Error())
		}

		_ = s.store.TransitionRun(ctx, run.ID,
			[]string{store.RunStatusQueued}, store.RunStatusFailed)

		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"roots":  len(params.Roots),
	}).Info("Run submitted")

	return run.ID, nil
}

// enqueue hands a run to the worker pool without blocking submission.
func (s *service) enqueue(runID string) error {
	select {
	case s.queue <- runID:
		return nil
	default:
		return errors.New("run queue is full")
	}
}

// GetRun returns a run with its tasks.
func (s *service) GetRun(
	ctx context.Context, runID string,
) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// CancelRun flags the run for cooperative cancellation and interrupts
// its in-process execution, if any. Long loops observe the flag after
// each file and each directory.
func (s *service) CancelRun(ctx context.Context, runID string) error {
	if err := s.store.RequestCancel(ctx, runID); err != nil {
		return err
	}

	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()

	if ok {
		cancel()
	}

	s.log.WithField("run_id", runID).Info("Cancellation requested")

	return nil
}

// RetryTask moves a failed task back to pending, bounded by the retry
// budget, re-opens its run, and hands it back to the workers.
func (s *service) RetryTask(
	ctx context.Context, runID string, taskID uint,
) error {
	err := s.store.ResetTaskForRetry(
		ctx, runID, taskID, s.cfg.Scan.MaxTaskRetries,
	)
	if err != nil {
		return err
	}

	// A failed run becomes eligible again through the explicit retry
	// action; this is the one sanctioned exit from a terminal state.
	err = s.store.TransitionRun(ctx, runID,
		[]string{store.RunStatusFailed}, store.RunStatusQueued)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return err
	}

	return s.enqueue(runID)
}

// AwaitRun polls until the run reaches a terminal state or the context
// expires. Used by one-shot CLI scans.
func (s *service) AwaitRun(
	ctx context.Context, runID string,
) (*store.Run, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}

		switch run.Status {
		case store.RunStatusCompleted, store.RunStatusFailed,
			store.RunStatusCancelled:
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// seedSchedules upserts schedules declared in the configuration file,
// computing their first due time from the cron spec.
func (s *service) seedSchedules(ctx context.Context) error {
	now := time.Now().UTC()

	for _, sc := range s.cfg.Schedules {
		if err := s.upsertScheduleAt(ctx, sc, now); err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}

	return nil
}

// UpsertSchedule validates and persists one schedule definition,
// computing its next due time from the cron spec.
func (s *service) UpsertSchedule(
	ctx context.Context, sc config.ScheduleConfig,
) error {
	return s.upsertScheduleAt(ctx, sc, time.Now().UTC())
}

func (s *service) upsertScheduleAt(
	ctx context.Context, sc config.ScheduleConfig, now time.Time,
) error {
	if sc.Name == "" {
		return errors.New("schedule name is required")
	}

	if sc.Root == "" {
		return errors.New("schedule root is required")
	}

	if err := sc.Filters.Validate(); err != nil {
		return fmt.Errorf("invalid filters: %w", err)
	}

	next, err := nextCronTime(sc.Cron, now)
	if err != nil {
		return err
	}

	filtersJSON, err := json.Marshal(sc.Filters)
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}

	return s.store.UpsertSchedule(ctx, &store.Schedule{
		Name:        sc.Name,
		CronSpec:    sc.Cron,
		Root:        sc.Root,
		FiltersJSON: string(filtersJSON),
		Enabled:     true,
		NextRunAt:   next,
	})
}
