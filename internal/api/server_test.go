package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble/fake"
	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/internal/journal"
	_ "github.com/nerrad567/gray-logic-ble/migrations"
)

type testEnv struct {
	srv        *Server
	router     http.Handler
	adapter    *fake.Adapter
	controller *discovery.Controller
	journal    *journal.SQLiteRepository
}

type stubMQTT struct{ connected bool }

func (m stubMQTT) IsConnected() bool { return m.connected }

type stubBridge struct{ stats ble.BridgeStatistics }

func (b stubBridge) Statistics() ble.BridgeStatistics { return b.stats }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server over a real controller on a quiet fake
// adapter and an in-memory journal.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	adapter := fake.New(fake.Options{
		Peripherals: []discovery.Advertisement{},
		Interval:    time.Hour,
	})
	controller := discovery.NewController(adapter, discovery.Options{ConfigPath: "/var/lib/graylogic/locks"})

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := journal.NewSQLiteRepository(db.DB)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  testLogger(),
		Scanner: controller,
		Journal: repo,
		MQTT:    stubMQTT{connected: true},
		Bridge:  stubBridge{stats: ble.BridgeStatistics{LocksDiscovered: 2}},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	t.Cleanup(func() {
		controller.Close() //nolint:errcheck // Test cleanup
		adapter.Close()    //nolint:errcheck // Test cleanup
		db.Close()         //nolint:errcheck // Test cleanup
	})

	return &testEnv{
		srv:        srv,
		router:     srv.buildRouter(),
		adapter:    adapter,
		controller: controller,
		journal:    repo,
	}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("expected error without logger")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("expected error without scanner")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scanner", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)

	if w := env.do(t, http.MethodGet, "/api/v1/nonexistent"); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Scanner Tests ─────────────────────────────────────────────────

func TestScannerStatus(t *testing.T) {
	env := testServer(t)

	resp := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/scanner"))
	if resp["state"] != "poweredOff" || resp["ready"] != false || resp["scanning"] != false {
		t.Errorf("scanner = %v", resp)
	}
	if resp["mode"] != "passive" {
		t.Errorf("mode = %v, want passive", resp["mode"])
	}
}

func TestScannerStart_NotReady(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/scanner/start")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if e := decode[Error](t, w); e.Code != ErrCodeAdapterNotReady {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeAdapterNotReady)
	}
	if env.adapter.Scanning() {
		t.Error("adapter started while not ready")
	}
}

func TestScannerStartStop(t *testing.T) {
	env := testServer(t)
	env.adapter.SetState(discovery.StatePoweredOn)

	w := env.do(t, http.MethodPost, "/api/v1/scanner/start?mode=active")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]any](t, w)
	if resp["scanning"] != true || resp["mode"] != "active" {
		t.Errorf("start response = %v", resp)
	}
	if !env.adapter.Scanning() || !env.adapter.ScanParameters().Active() {
		t.Error("adapter should be scanning actively")
	}

	w = env.do(t, http.MethodPost, "/api/v1/scanner/stop")
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}
	resp = decode[map[string]any](t, w)
	if resp["scanning"] != false || resp["mode"] != "passive" {
		t.Errorf("stop response = %v", resp)
	}
	if env.adapter.Scanning() {
		t.Error("adapter still scanning")
	}
}

func TestScannerStart_InvalidMode(t *testing.T) {
	env := testServer(t)
	env.adapter.SetState(discovery.StatePoweredOn)

	if w := env.do(t, http.MethodPost, "/api/v1/scanner/start?mode=turbo"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Lock Tests ────────────────────────────────────────────────────

func TestListLocks(t *testing.T) {
	env := testServer(t)

	resp := decode[struct {
		Locks []LockResponse `json:"locks"`
		Count int            `json:"count"`
	}](t, env.do(t, http.MethodGet, "/api/v1/locks"))
	if resp.Count != 0 || resp.Locks == nil {
		t.Errorf("empty registry = %+v, want empty non-null list", resp)
	}

	for _, p := range fake.DefaultPeripherals() {
		env.adapter.Emit(p)
	}

	resp = decode[struct {
		Locks []LockResponse `json:"locks"`
		Count int            `json:"count"`
	}](t, env.do(t, http.MethodGet, "/api/v1/locks"))
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Locks[0].ID != "54:d2:72:0a:1b:2c" || resp.Locks[1].Index != 1 {
		t.Errorf("locks out of discovery order: %+v", resp.Locks)
	}
}

func TestGetLock(t *testing.T) {
	env := testServer(t)
	lock := fake.DefaultPeripherals()[0]
	env.adapter.Emit(lock)

	w := env.do(t, http.MethodGet, "/api/v1/locks/"+lock.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[LockResponse](t, w)
	if got.Name != lock.LocalName || got.RSSI != lock.RSSI {
		t.Errorf("lock = %+v", got)
	}
	if got.ConfigFile != "/var/lib/graylogic/locks/"+lock.ID+".json" {
		t.Errorf("config_file = %q", got.ConfigFile)
	}
	if !strings.HasPrefix(got.ManufacturerData, "4c000215") {
		t.Errorf("manufacturer_data = %q", got.ManufacturerData)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/locks/unknown"); w.Code != http.StatusNotFound {
		t.Errorf("unknown lock status = %d, want 404", w.Code)
	}
}

// ─── Journal Tests ─────────────────────────────────────────────────

func TestListJournal(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	for _, e := range []journal.Entry{
		{Action: journal.ActionScanStarted},
		{Action: journal.ActionLockDiscovered, LockID: "a"},
		{Action: journal.ActionLockDiscovered, LockID: "b"},
	} {
		if err := env.journal.Create(ctx, &e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	all := decode[journal.ListResult](t, env.do(t, http.MethodGet, "/api/v1/journal"))
	if all.Total != 3 || len(all.Entries) != 3 {
		t.Errorf("all = %d/%d, want 3", len(all.Entries), all.Total)
	}

	filtered := decode[journal.ListResult](t, env.do(t, http.MethodGet, "/api/v1/journal?action=lock_discovered&limit=1"))
	if filtered.Total != 2 || len(filtered.Entries) != 1 || filtered.Limit != 1 {
		t.Errorf("filtered = %+v", filtered)
	}

	byLock := decode[journal.ListResult](t, env.do(t, http.MethodGet, "/api/v1/journal?lock_id=b"))
	if byLock.Total != 1 || byLock.Entries[0].LockID != "b" {
		t.Errorf("byLock = %+v", byLock)
	}
}

func TestListJournal_BadParams(t *testing.T) {
	env := testServer(t)

	for _, q := range []string{"limit=x", "offset=-1"} {
		if w := env.do(t, http.MethodGet, "/api/v1/journal?"+q); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, w.Code)
		}
	}
}

func TestListJournal_NotConfigured(t *testing.T) {
	env := testServer(t)
	env.srv.journal = nil

	if w := env.do(t, http.MethodGet, "/api/v1/journal"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	env := testServer(t)

	m := decode[SystemMetrics](t, env.do(t, http.MethodGet, "/api/v1/metrics"))
	if m.Version != "test" || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.MQTT == nil || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
	if m.Bridge == nil || m.Bridge.LocksDiscovered != 2 {
		t.Errorf("bridge = %+v", m.Bridge)
	}
}
