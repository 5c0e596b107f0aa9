package taskmaster_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curatorhq/curator/pkg/config"
	"github.com/curatorhq/curator/pkg/identity"
	"github.com/curatorhq/curator/pkg/parser"
	"github.com/curatorhq/curator/pkg/scan"
	"github.com/curatorhq/curator/pkg/store"
	"github.com/curatorhq/curator/pkg/taskmaster"
)

type fixture struct {
	svc   taskmaster.Service
	store store.Store
	cfg   *config.Config
}

func setup(t *testing.T, parsers ...parser.Parser) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "curator.db")
	cfg.Scheduler.Enabled = false
	cfg.Scan.Workers = 1

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	registry := parser.NewRegistry()
	if len(parsers) == 0 {
		parsers = []parser.Parser{parser.NewPlainText()}
	}

	for _, p := range parsers {
		registry.Register(p)
	}

	return &fixture{
		svc:   taskmaster.New(log, cfg, st, registry),
		store: st,
		cfg:   cfg,
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() { _ = f.svc.Stop() })
}

func seedTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

func awaitRun(t *testing.T, f *fixture, runID string) *store.Run {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := f.svc.AwaitRun(ctx, runID)
	require.NoError(t, err)

	return run
}

func TestSubmitRun_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.SubmitRun(ctx, "compact", taskmaster.Params{
		Roots: []string{t.TempDir()},
	})
	assert.ErrorContains(t, err, "unknown job type")

	_, err = f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex, taskmaster.Params{})
	assert.ErrorContains(t, err, "at least one root")
}

func TestRun_EndToEnd(t *testing.T) {
	f := setup(t)
	f.start(t)

	root := seedTree(t, map[string]string{
		"notes.txt":      "Meeting Notes\nalpha beta\n",
		"sub/report.txt": "quarterly numbers\n",
		"copy.txt":       "Meeting Notes\nalpha beta\n",
	})

	ctx := context.Background()

	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	require.Len(t, run.Tasks, 1)
	assert.Equal(t, store.TaskStatusSucceeded, run.Tasks[0].Status)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"discovered":3`)

	record, err := f.store.GetFileByPath(ctx, filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, store.FileStatusActive, record.Status)
	assert.NotEmpty(t, record.ContentHash)
	assert.True(t, record.MetaComplete)

	// notes.txt and copy.txt share content, so one duplicate group.
	relations, err := f.store.ListDuplicateRelationships(ctx)
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, store.RelationExact, relations[0].RelationType)

	events, _, err := f.store.ListEvents(ctx, runID, store.EventFilter{})
	require.NoError(t, err)

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}

	assert.Contains(t, types, store.EventRunStarted)
	assert.Contains(t, types, store.EventTaskStarted)
	assert.Contains(t, types, store.EventTaskCompleted)
	assert.Contains(t, types, store.EventRunCompleted)
}

func TestRun_RescanSkipsUnchanged(t *testing.T) {
	f := setup(t)
	f.start(t)

	root := seedTree(t, map[string]string{
		"a.txt": "alpha\n",
		"b.txt": "beta\n",
	})

	ctx := context.Background()

	first, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, awaitRun(t, f, first).Status)

	second, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	run := awaitRun(t, f, second)
	require.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"skipped":2`)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"processed":0`)
}

// An interrupted index leaves partial manifest state; the next run picks
// up where it left off, skipping every file already fingerprinted.
func TestRun_ResumesFromPartialIndex(t *testing.T) {
	f := setup(t)

	files := make(map[string]string, 100)
	for i := 0; i < 100; i++ {
		files[fmt.Sprintf("f%03d.txt", i)] = fmt.Sprintf("content %d\n", i)
	}

	root := seedTree(t, files)
	ctx := context.Background()

	// Index the first 40 files directly, standing in for a run that was
	// cancelled mid-scan.
	registry := parser.NewRegistry()
	registry.Register(parser.NewPlainText())

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	engine := identity.NewEngine(log, f.store, registry)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names[:40] {
		path := filepath.Join(root, name)

		info, err := os.Stat(path)
		require.NoError(t, err)

		_, err = engine.Observe(ctx, "interrupted-run", root, scan.Discovered{
			Path:  path,
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
		require.NoError(t, err)
	}

	f.start(t)

	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)
	require.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"discovered":100`)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"skipped":40`)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"processed":60`)
}

func TestRun_MissingRootFailsAndRetries(t *testing.T) {
	f := setup(t)
	f.start(t)

	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "not-yet")

	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)
	require.Equal(t, store.RunStatusFailed, run.Status)
	require.Equal(t, store.TaskStatusFailed, run.Tasks[0].Status)
	assert.NotEmpty(t, run.Tasks[0].Error)

	// Create the root and retry the failed task.
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "late.txt"), []byte("late\n"), 0o644))

	require.NoError(t, f.svc.RetryTask(ctx, runID, run.Tasks[0].ID))

	run = awaitRun(t, f, runID)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Equal(t, store.TaskStatusSucceeded, run.Tasks[0].Status)
	assert.Equal(t, 1, run.Tasks[0].RetryCount)
}

func TestRetryTask_Bounded(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.cfg.Scan.MaxTaskRetries = 1

	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "never")

	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)
	require.Equal(t, store.RunStatusFailed, run.Status)

	require.NoError(t, f.svc.RetryTask(ctx, runID, run.Tasks[0].ID))
	run = awaitRun(t, f, runID)
	require.Equal(t, store.RunStatusFailed, run.Status)

	err = f.svc.RetryTask(ctx, runID, run.Tasks[0].ID)
	assert.Error(t, err)
}

func TestCancelRun_WhileQueued(t *testing.T) {
	f := setup(t)

	root := seedTree(t, map[string]string{"a.txt": "alpha\n"})
	ctx := context.Background()

	// Submit before any worker is running, so the run sits queued.
	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelRun(ctx, runID))

	f.start(t)

	run := awaitRun(t, f, runID)
	assert.Equal(t, store.RunStatusCancelled, run.Status)
	assert.Equal(t, store.TaskStatusCancelled, run.Tasks[0].Status)

	// No file was indexed.
	_, err = f.store.GetFileByPath(ctx, filepath.Join(root, "a.txt"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// gateParser blocks metadata extraction on one chosen file so a test
// can act while a scan is provably mid-flight.
type gateParser struct {
	gateAt  int32
	seen    atomic.Int32
	reached chan struct{}
	release chan struct{}
}

func newGateParser(gateAt int) *gateParser {
	return &gateParser{
		gateAt:  int32(gateAt),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gateParser) Name() string { return "gate" }

func (p *gateParser) Supports(path string) bool {
	return strings.HasSuffix(path, ".txt")
}

func (p *gateParser) QuickValidate(string) parser.Validation {
	return parser.Validation{Valid: true}
}

func (p *gateParser) ExtractIndexMetadata(string) (map[string]any, error) {
	if p.seen.Add(1) == p.gateAt {
		close(p.reached)
		<-p.release
	}

	return map[string]any{}, nil
}

// Cancelling a run mid-scan must drive both the run and its task to
// cancelled, and the next run over the same root resumes from the
// manifest instead of re-hashing what was already indexed.
func TestCancelRun_MidScanThenResume(t *testing.T) {
	const total, gateAt = 50, 21

	gate := newGateParser(gateAt)
	f := setup(t, gate)
	f.start(t)

	files := make(map[string]string, total)
	for i := 0; i < total; i++ {
		files[fmt.Sprintf("f%03d.txt", i)] = fmt.Sprintf("content %d\n", i)
	}

	root := seedTree(t, files)
	ctx := context.Background()

	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	select {
	case <-gate.reached:
	case <-time.After(30 * time.Second):
		t.Fatal("scan never reached the gated file")
	}

	require.NoError(t, f.svc.CancelRun(ctx, runID))
	close(gate.release)

	run := awaitRun(t, f, runID)
	assert.Equal(t, store.RunStatusCancelled, run.Status)
	require.Len(t, run.Tasks, 1)
	assert.Equal(t, store.TaskStatusCancelled, run.Tasks[0].Status)

	// Everything before the gated file reached the manifest; the gated
	// file's own write was aborted by the cancellation.
	count, err := f.store.CountManifestForRoot(ctx, root)
	require.NoError(t, err)
	assert.EqualValues(t, gateAt-1, count)

	second, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{root}})
	require.NoError(t, err)

	resumed := awaitRun(t, f, second)
	require.Equal(t, store.RunStatusCompleted, resumed.Status)

	var m store.TaskMetrics
	require.NoError(t, json.Unmarshal(
		[]byte(resumed.Tasks[0].MetricsJSON), &m))
	assert.Equal(t, total, m.Discovered)
	assert.Equal(t, gateAt-1, m.Skipped)
	assert.Equal(t, total-gateAt+1, m.Processed)
}

func TestSubmitRun_QueueFull(t *testing.T) {
	f := setup(t)
	// Never started: nothing drains the queue.

	root := t.TempDir()
	ctx := context.Background()

	var submitErr error

	for i := 0; i < 1000; i++ {
		_, submitErr = f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
			taskmaster.Params{Roots: []string{root}})
		if submitErr != nil {
			break
		}
	}

	require.Error(t, submitErr)
	assert.ErrorContains(t, submitErr, "queue is full")

	// The overflowing run was failed in place, not left queued for a
	// pickup that will never come.
	failed, err := f.store.ListRunsByStatus(ctx, store.RunStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	run, err := f.svc.GetRun(ctx, failed[0].ID)
	require.NoError(t, err)
	require.Len(t, run.Tasks, 1)
	assert.Equal(t, store.TaskStatusFailed, run.Tasks[0].Status)
}

func TestStart_RequeuesOrphanedRuns(t *testing.T) {
	f := setup(t)

	root := seedTree(t, map[string]string{"a.txt": "alpha\n"})
	ctx := context.Background()

	// A run a previous process committed but never got to execute.
	require.NoError(t, f.store.CreateRun(ctx, &store.Run{
		ID:        "orphan",
		Type:      taskmaster.JobTypeIndex,
		Status:    store.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
		Tasks: []store.Task{{
			Root:   root,
			Status: store.TaskStatusPending,
		}},
	}))

	f.start(t)

	run := awaitRun(t, f, "orphan")
	assert.Equal(t, store.RunStatusCompleted, run.Status)

	_, err := f.store.GetFileByPath(ctx, filepath.Join(root, "a.txt"))
	assert.NoError(t, err)
}

func TestRun_BudgetExhaustion(t *testing.T) {
	f := setup(t)
	f.start(t)

	root := seedTree(t, map[string]string{
		"a.txt": "a\n", "b.txt": "b\n", "c.txt": "c\n", "d.txt": "d\n",
	})

	ctx := context.Background()
	maxFiles := 2

	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{
			Roots:   []string{root},
			Filters: &config.FilterConfig{MaxFiles: maxFiles},
		})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"budget_exhausted":true`)
	assert.Contains(t, run.Tasks[0].MetricsJSON, `"discovered":2`)
}

func TestRunDueSchedules_ExactlyOnce(t *testing.T) {
	f := setup(t)
	f.start(t)

	root := seedTree(t, map[string]string{"a.txt": "alpha\n"})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.store.UpsertSchedule(ctx, &store.Schedule{
		Name:      "nightly",
		CronSpec:  "0 2 * * *",
		Root:      root,
		Enabled:   true,
		NextRunAt: past,
	}))

	triggered, err := f.svc.RunDueSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, triggered)

	// The claim advanced next_run_at, so a second sweep is a no-op.
	triggered, err = f.svc.RunDueSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, triggered)

	sched, err := f.store.GetScheduleByName(ctx, "nightly")
	require.NoError(t, err)
	require.NotNil(t, sched.LastRunAt)
	assert.True(t, sched.NextRunAt.After(time.Now().UTC()))

	runs, err := f.store.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "nightly", runs[0].ScheduleName)

	run := awaitRun(t, f, runs[0].ID)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
}

func TestRun_MultipleRoots(t *testing.T) {
	f := setup(t)
	f.start(t)

	rootA := seedTree(t, map[string]string{"a.txt": "alpha\n"})
	rootB := seedTree(t, map[string]string{"b.txt": "beta\n"})

	ctx := context.Background()

	runID, err := f.svc.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: []string{rootA, rootB}})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)
	require.Equal(t, store.RunStatusCompleted, run.Status)
	require.Len(t, run.Tasks, 2)

	for _, task := range run.Tasks {
		assert.Equal(t, store.TaskStatusSucceeded, task.Status)
	}
}
