package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/config"
	"github.com/danmuck/droidctl/internal/executor"
	"github.com/danmuck/droidctl/internal/modules"
	"github.com/danmuck/droidctl/internal/schedule"
	"github.com/danmuck/droidctl/internal/status"
	"github.com/danmuck/droidctl/internal/store"
	"github.com/danmuck/droidctl/internal/testutil/fakeadb"
	"github.com/danmuck/droidctl/internal/testutil/testlog"
	"github.com/danmuck/droidctl/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pingOK = `--- 8.8.8.8 ping statistics ---
10 packets transmitted, 10 received, 0% packet loss, time 9012ms
rtt min/avg/max/mdev = 10.0/12.0/20.0/2.0 ms
`

type harness struct {
	svc    *Service
	dev    *fakeadb.Runner
	clk    *clock.Virtual
	store  *store.MemoryStore
	broken atomic.Bool
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Ops.Addr = ""
	cfg.Workflows = []config.WorkflowConfig{{
		ID: "smoke",
		Steps: []config.StepConfig{
			{Module: modules.ModulePing, Params: map[string]any{"host": "8.8.8.8"}},
			{Module: modules.ModuleBattery, ContinueOnError: true},
		},
	}}
	return cfg
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	testlog.Start(t)
	h := &harness{
		clk:   clock.NewVirtual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		store: store.NewMemoryStore(),
	}
	h.dev = fakeadb.New().
		On("shell ping", func(deviceID string, _ []string) tools.CommandResult {
			if deviceID == "flaky" && h.broken.Load() {
				return fakeadb.Fail("error: device offline")
			}
			return fakeadb.Ok(pingOK)
		}).
		OnOutput("shell dumpsys battery", "  level: 80\n  status: 2\n").
		OnOutput("devices", "List of devices attached\nemulator-5554 device product:sdk model:Pixel_7\nR58N offline\n")
	svc, err := New(context.Background(), cfg, Options{Runner: h.dev, Clock: h.clk, Store: h.store})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestExecuteAndInspectStatus(t *testing.T) {
	h := newHarness(t, testConfig())
	var mu sync.Mutex
	var seen []status.State
	unsubscribe := h.svc.Subscribe(func(e status.Entry) {
		mu.Lock()
		seen = append(seen, e.State)
		mu.Unlock()
	})
	defer unsubscribe()

	report, err := h.svc.Execute(context.Background(), modules.ModulePing, []string{"a", "b"}, modules.Params{"host": "8.8.8.8"}, nil)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, "2/2 devices succeeded", report.Summary)
	assert.Equal(t, 10, report.Results["a"].Get("packets_received"))

	entry, ok := h.svc.GetStatus(report.StatusID)
	require.True(t, ok)
	assert.Equal(t, status.StateCompleted, entry.State)
	latest, ok := h.svc.GetLatestStatus(modules.ModulePing)
	require.True(t, ok)
	assert.Equal(t, report.StatusID, latest.ID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, status.StateCompleted, seen[len(seen)-1])

	_, err = h.svc.Execute(context.Background(), "teleport", []string{"a"}, nil, nil)
	assert.True(t, errors.Is(err, executor.ErrInvalidInput))
	assert.True(t, errors.Is(h.svc.Cancel(report.StatusID), status.ErrTerminal))
}

func TestFailedDeviceIsRetriedUntilRecovered(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broken.Store(true)

	report, err := h.svc.Execute(context.Background(), modules.ModulePing, []string{"good", "flaky"}, modules.Params{"host": "8.8.8.8"}, nil)
	require.NoError(t, err)
	assert.False(t, report.Success)

	pending, err := h.svc.RetryEntries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"flaky"}, pending[0].DeviceIDs)
	assert.True(t, h.store.Has(store.CollectionRetryQueue))

	retried, _ := h.svc.ProcessDue(context.Background())
	assert.Equal(t, 0, retried, "backoff not elapsed")

	h.clk.Advance(30 * time.Second)
	retried, _ = h.svc.ProcessDue(context.Background())
	assert.Equal(t, 1, retried)
	pending, _ = h.svc.RetryEntries()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "error: device offline", pending[0].LastError)

	h.broken.Store(false)
	h.clk.Advance(time.Minute)
	retried, _ = h.svc.ProcessDue(context.Background())
	assert.Equal(t, 1, retried)
	pending, _ = h.svc.RetryEntries()
	assert.Empty(t, pending)
	assert.Equal(t, 1, h.dev.CountFor("good", "shell ping"))
	assert.Equal(t, 3, h.dev.CountFor("flaky", "shell ping"))
}

func TestExecuteOnceSkipsRetryQueue(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broken.Store(true)
	report, err := h.svc.ExecuteOnce(context.Background(), modules.ModulePing, []string{"flaky"}, modules.Params{"host": "8.8.8.8"}, nil)
	require.NoError(t, err)
	assert.False(t, report.Success)
	pending, err := h.svc.RetryEntries()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Enabled = false
	h := newHarness(t, cfg)
	h.broken.Store(true)
	_, err := h.svc.Execute(context.Background(), modules.ModulePing, []string{"flaky"}, modules.Params{"host": "8.8.8.8"}, nil)
	require.NoError(t, err)
	_, err = h.svc.RetryEntries()
	assert.True(t, errors.Is(err, ErrRetryDisabled))
}

func TestScheduledWorkflowRunsAndIsNeverRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broken.Store(true)

	_, err := h.svc.ScheduleWorkflow(context.Background(), "smoke", []string{"flaky"}, h.clk.Now().Add(-time.Minute))
	assert.True(t, errors.Is(err, schedule.ErrPastRunAt))

	created, err := h.svc.ScheduleWorkflow(context.Background(), "smoke", []string{"flaky", "good"}, h.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, created, 2)

	h.clk.Advance(time.Hour)
	_, scheduled := h.svc.ProcessDue(context.Background())
	assert.Equal(t, 2, scheduled)

	byDevice := map[string]schedule.Entry{}
	for _, e := range h.svc.ListSchedules() {
		byDevice[e.DeviceID] = e
	}
	assert.Equal(t, schedule.StateFailed, byDevice["flaky"].State)
	assert.Equal(t, schedule.StateCompleted, byDevice["good"].State, byDevice["good"].Summary)

	pending, err := h.svc.RetryEntries()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelSchedule(t *testing.T) {
	h := newHarness(t, testConfig())
	created, err := h.svc.ScheduleWorkflow(context.Background(), "smoke", []string{"a"}, h.clk.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelSchedule(context.Background(), created[0].ID))
	h.clk.Advance(time.Minute)
	_, scheduled := h.svc.ProcessDue(context.Background())
	assert.Equal(t, 0, scheduled)
}

func TestNewRejectsWorkflowWithUnknownModule(t *testing.T) {
	cfg := testConfig()
	cfg.Workflows[0].Steps = append(cfg.Workflows[0].Steps, config.StepConfig{Module: "teleport"})
	_, err := New(context.Background(), cfg, Options{Runner: fakeadb.New(), Store: store.NewMemoryStore()})
	assert.True(t, errors.Is(err, schedule.ErrInvalidInput))

	cfg = testConfig()
	cfg.Modules.Enabled = []string{modules.ModuleBattery}
	_, err = New(context.Background(), cfg, Options{Runner: fakeadb.New(), Store: store.NewMemoryStore()})
	assert.Error(t, err, "workflow uses ping which is not enabled")
}

func TestDevicesAndModules(t *testing.T) {
	h := newHarness(t, testConfig())
	devices, err := h.svc.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "emulator-5554", devices[0].Serial)
	assert.Equal(t, "Pixel_7", devices[0].Model)
	assert.Equal(t, "offline", devices[1].State)

	assert.Len(t, h.svc.Modules(), len(modules.Builtins()))
	require.Len(t, h.svc.Workflows(), 1)
	assert.Equal(t, "smoke", h.svc.Workflows()[0].ID)
}

func TestRouterServesHealthRunsAndMetrics(t *testing.T) {
	h := newHarness(t, testConfig())
	report, err := h.svc.Execute(context.Background(), modules.ModulePing, []string{"a"}, modules.Params{"host": "8.8.8.8"}, nil)
	require.NoError(t, err)
	router := h.svc.Router()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	rec = get("/runs/" + report.StatusID)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "completed", entry["state"])

	assert.Equal(t, http.StatusNotFound, get("/runs/missing").Code)
	assert.Equal(t, http.StatusOK, get("/schedules").Code)
	assert.Equal(t, http.StatusOK, get("/retry").Code)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "droidctl_module_runs_total")
}

func TestRouterRequiresTokenForInspection(t *testing.T) {
	cfg := testConfig()
	cfg.Ops.Token = "s3cret"
	h := newHarness(t, cfg)
	router := h.svc.Router()

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/healthz", ""))
	assert.Equal(t, http.StatusOK, get("/metrics", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/runs", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/schedules", "wrong"))
	assert.Equal(t, http.StatusOK, get("/schedules", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/modules", "s3cret"))
}

func TestRouterRereadsRotatedTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))
	cfg := testConfig()
	cfg.Ops.Token = "ignored"
	cfg.Ops.TokenFile = path
	h := newHarness(t, cfg)
	router := h.svc.Router()

	get := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("first"))
	assert.Equal(t, http.StatusUnauthorized, get("ignored"), "token file wins over inline token")

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	assert.Equal(t, http.StatusUnauthorized, get("first"))
	assert.Equal(t, http.StatusOK, get("second"))

	require.NoError(t, os.Remove(path))
	assert.Equal(t, http.StatusUnauthorized, get("second"), "missing token file locks the routes")
}

func TestStartServesOpsAndCloses(t *testing.T) {
	cfg := testConfig()
	cfg.Ops.Addr = "127.0.0.1:0"
	h := newHarness(t, cfg)
	require.NoError(t, h.svc.Start(context.Background()))
	assert.True(t, errors.Is(h.svc.Start(context.Background()), ErrAlreadyStarted))

	resp, err := http.Get(fmt.Sprintf("http://%s/health", h.svc.OpsAddr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Close(ctx))
}

func TestRestoreReloadsPersistedState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broken.Store(true)
	_, err := h.svc.Execute(context.Background(), modules.ModulePing, []string{"flaky"}, modules.Params{"host": "8.8.8.8"}, nil)
	require.NoError(t, err)
	_, err = h.svc.ScheduleWorkflow(context.Background(), "smoke", []string{"a"}, h.clk.Now().Add(time.Hour))
	require.NoError(t, err)

	next, err := New(context.Background(), testConfig(), Options{Runner: h.dev, Clock: h.clk, Store: h.store})
	require.NoError(t, err)
	require.NoError(t, next.Restore(context.Background()))
	require.NoError(t, next.Restore(context.Background()))

	pending, err := next.RetryEntries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"flaky"}, pending[0].DeviceIDs)
	require.Len(t, next.ListSchedules(), 1)
	assert.Equal(t, schedule.StateScheduled, next.ListSchedules()[0].State)
}
