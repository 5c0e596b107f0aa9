package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curatorhq/curator/pkg/config"
	"github.com/curatorhq/curator/pkg/parser"
	"github.com/curatorhq/curator/pkg/store"
	"github.com/curatorhq/curator/pkg/taskmaster"
)

func setupAPI(
	t *testing.T, opts ...func(*config.Config),
) (*httptest.Server, taskmaster.Service, store.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "curator.db")
	cfg.Scheduler.Enabled = false
	cfg.Scan.Workers = 1

	for _, opt := range opts {
		opt(cfg)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	registry := parser.NewRegistry()
	registry.Register(parser.NewPlainText())

	tm := taskmaster.New(log, cfg, st, registry)
	require.NoError(t, tm.Start(context.Background()))

	t.Cleanup(func() { _ = tm.Stop() })

	srv := &server{
		log:   log,
		cfg:   &cfg.API,
		store: st,
		tm:    tm,
		done:  make(chan struct{}),
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return ts, tm, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func TestHealth(t *testing.T) {
	ts, _, _ := setupAPI(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestSubmitAndGetRun(t *testing.T) {
	ts, tm, _ := setupAPI(t)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "a.txt"), []byte("alpha\n"), 0o644))

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{
		"roots": []string{root},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	runID, _ := decodeBody(t, resp)["run_id"].(string)
	require.NotEmpty(t, runID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := tm.AwaitRun(ctx, runID)
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/v1/runs/" + runID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, store.RunStatusCompleted, body["status"])

	tasks, _ := body["tasks"].([]any)
	require.Len(t, tasks, 1)

	task, _ := tasks[0].(map[string]any)
	assert.Equal(t, store.TaskStatusSucceeded, task["status"])

	metrics, _ := task["metrics"].(map[string]any)
	require.NotNil(t, metrics)
	assert.EqualValues(t, 1, metrics["discovered"])
}

func TestSubmitRun_Invalid(t *testing.T) {
	ts, _, _ := setupAPI(t)

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{
		"roots": []string{},
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRun_NotFound(t *testing.T) {
	ts, _, _ := setupAPI(t)

	resp, err := http.Get(ts.URL + "/api/v1/runs/no-such-run")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunEvents(t *testing.T) {
	ts, tm, _ := setupAPI(t)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "a.txt"), []byte("alpha\n"), 0o644))

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{
		"roots": []string{root},
	})
	runID, _ := decodeBody(t, resp)["run_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := tm.AwaitRun(ctx, runID)
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/v1/runs/" + runID + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	events, _ := body["events"].([]any)
	assert.NotEmpty(t, events)
	assert.Equal(t, false, body["has_more"])

	// A one-event page leaves the rest behind.
	resp, err = http.Get(
		ts.URL + "/api/v1/runs/" + runID + "/events?limit=1")
	require.NoError(t, err)

	body = decodeBody(t, resp)
	events, _ = body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, true, body["has_more"])

	// Level filter narrows the feed.
	resp, err = http.Get(
		ts.URL + "/api/v1/runs/" + runID + "/events?level=error")
	require.NoError(t, err)

	body = decodeBody(t, resp)
	assert.EqualValues(t, 0, body["total"])
	assert.Equal(t, false, body["has_more"])
}

func TestCancelRun_Terminal(t *testing.T) {
	ts, tm, _ := setupAPI(t)

	root := t.TempDir()

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{
		"roots": []string{root},
	})
	runID, _ := decodeBody(t, resp)["run_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := tm.AwaitRun(ctx, runID)
	require.NoError(t, err)

	// Terminal runs reject cancellation.
	resp = postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/cancel", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSchedules(t *testing.T) {
	ts, _, _ := setupAPI(t)

	root := t.TempDir()

	req, err := http.NewRequest(http.MethodPut,
		ts.URL+"/api/v1/schedules/nightly",
		bytes.NewReader([]byte(`{"cron":"0 2 * * *","root":"`+root+`"}`)))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/schedules")
	require.NoError(t, err)

	body := decodeBody(t, resp)
	schedules, _ := body["schedules"].([]any)
	require.Len(t, schedules, 1)

	sched, _ := schedules[0].(map[string]any)
	assert.Equal(t, "nightly", sched["name"])

	// Invalid cron specs are rejected.
	req, err = http.NewRequest(http.MethodPut,
		ts.URL+"/api/v1/schedules/broken",
		bytes.NewReader([]byte(`{"cron":"not a cron","root":"`+root+`"}`)))
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts, _, _ := setupAPI(t, func(cfg *config.Config) {
		cfg.API.Server.RateLimit = config.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 1,
		}
	})

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)

	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The burst equals the per-minute budget, so a second immediate
	// request from the same client is rejected.
	resp, err = http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestFileLookup(t *testing.T) {
	ts, tm, _ := setupAPI(t)

	root := t.TempDir()
	path := filepath.Join(root, "doc.txt")
	require.NoError(t, os.WriteFile(
		path, []byte("Title Line\nbody text\n"), 0o644))

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{
		"roots": []string{root},
	})
	runID, _ := decodeBody(t, resp)["run_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := tm.AwaitRun(ctx, runID)
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/v1/files?path=" + path)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	file, _ := body["file"].(map[string]any)
	require.NotNil(t, file)
	assert.Equal(t, path, file["path"])
	assert.NotEmpty(t, file["content_hash"])

	metadata, _ := body["metadata"].(map[string]any)
	require.NotNil(t, metadata)
	assert.Equal(t, "Title Line", metadata["title"])

	resp, err = http.Get(ts.URL + "/api/v1/files?path=/no/such/file")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
