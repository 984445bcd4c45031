package ble

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble/fake"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ble/internal/journal"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// PublishedOn returns the messages published to topic, oldest first.
func (m *MockMQTTClient) PublishedOn(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// mockJournal records entries in memory.
type mockJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (j *mockJournal) Create(_ context.Context, entry *journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, *entry)
	return nil
}

func (j *mockJournal) List(context.Context, journal.Filter) (*journal.ListResult, error) {
	return &journal.ListResult{}, nil
}

func (j *mockJournal) actions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	for i, e := range j.entries {
		out[i] = e.Action
	}
	return out
}

// mockMetrics records writes.
type mockMetrics struct {
	mu        sync.Mutex
	sightings []influxdb.Sighting
	states    int
}

func (m *mockMetrics) WriteSighting(s influxdb.Sighting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sightings = append(m.sightings, s)
}

func (m *mockMetrics) WriteScannerState(string, bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states++
}

func (m *mockMetrics) sightingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sightings)
}

type testRig struct {
	adapter    *fake.Adapter
	controller *discovery.Controller
	mqtt       *MockMQTTClient
	journal    *mockJournal
	metrics    *mockMetrics
	bridge     *Bridge
}

// newRig wires a bridge to a real controller on a quiet fake adapter; only
// Emit produces advertisements.
func newRig(t *testing.T, opts BridgeOptions) *testRig {
	t.Helper()

	adapter := fake.New(fake.Options{
		Peripherals: []discovery.Advertisement{},
		Interval:    time.Hour,
	})
	controller := discovery.NewController(adapter, discovery.Options{SettleDelay: 10 * time.Millisecond})

	r := &testRig{
		adapter:    adapter,
		controller: controller,
		mqtt:       NewMockMQTTClient(),
		journal:    &mockJournal{},
		metrics:    &mockMetrics{},
	}

	opts.Scanner = controller
	opts.MQTTClient = r.mqtt
	opts.Journal = r.journal
	opts.Metrics = r.metrics
	opts.HealthInterval = time.Hour

	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	r.bridge = b

	t.Cleanup(func() {
		b.Stop()
		controller.Close() //nolint:errcheck // Test cleanup
		adapter.Close()    //nolint:errcheck // Test cleanup
	})
	return r
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := r.bridge.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (r *testRig) command(t *testing.T, cmd string) AckMessage {
	t.Helper()
	before := len(r.mqtt.PublishedOn(AckTopic()))
	r.mqtt.SimulateMessage(CommandTopic(), []byte(`{"id":"cmd-1","command":"`+cmd+`","source":"test"}`))

	acks := r.mqtt.PublishedOn(AckTopic())
	if len(acks) != before+1 {
		t.Fatalf("acks = %d, want %d", len(acks), before+1)
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[len(acks)-1].Payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	return ack
}

func lastHealth(t *testing.T, m *MockMQTTClient) HealthMessage {
	t.Helper()
	msgs := m.PublishedOn(HealthTopic())
	if len(msgs) == 0 {
		t.Fatal("no health published")
	}
	var h HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, &h); err != nil {
		t.Fatalf("health payload: %v", err)
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// =============================================================================
// Construction and lifecycle
// =============================================================================

func TestNewBridge_RequiresDependencies(t *testing.T) {
	controller := discovery.NewController(fake.New(fake.Options{}), discovery.Options{})

	tests := []struct {
		name    string
		opts    BridgeOptions
		wantErr error
	}{
		{"no scanner", BridgeOptions{MQTTClient: NewMockMQTTClient()}, ErrNoScanner},
		{"no mqtt", BridgeOptions{Scanner: controller}, ErrNoMQTT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewBridge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBridgeStartStop(t *testing.T) {
	r := newRig(t, BridgeOptions{Version: "1.2.3"})
	r.start(t)

	r.mqtt.mu.Lock()
	subs := append([]string(nil), r.mqtt.subscriptions...)
	r.mqtt.mu.Unlock()
	if len(subs) != 1 || subs[0] != "graylogic/command/ble/scanner" {
		t.Errorf("subscriptions = %v", subs)
	}

	health := r.mqtt.PublishedOn(HealthTopic())
	if len(health) < 2 {
		t.Fatalf("health messages = %d, want starting + current", len(health))
	}
	var first HealthMessage
	if err := json.Unmarshal(health[0].Payload, &first); err != nil {
		t.Fatal(err)
	}
	if first.Status != HealthStarting || !health[0].Retained {
		t.Errorf("first health = %s retained=%v, want retained starting", first.Status, health[0].Retained)
	}
	if h := lastHealth(t, r.mqtt); h.Version != "1.2.3" || h.Bridge != DefaultBridgeID {
		t.Errorf("health identity = %q/%q", h.Bridge, h.Version)
	}

	r.bridge.Stop()
	if h := lastHealth(t, r.mqtt); h.Status != HealthStopping {
		t.Errorf("final health = %s, want stopping", h.Status)
	}

	// Events after Stop are ignored.
	r.mqtt.ClearPublished()
	r.adapter.SetState(discovery.StatePoweredOn)
	if n := len(r.mqtt.PublishedOn(HealthTopic())); n != 0 {
		t.Errorf("published %d health messages after Stop", n)
	}
}

func TestBridge_AutoStartWhenAlreadyReady(t *testing.T) {
	r := newRig(t, BridgeOptions{AutoStart: true, ActiveMode: true})
	r.adapter.SetState(discovery.StatePoweredOn)

	r.start(t)

	if !r.adapter.Scanning() {
		t.Fatal("adapter not scanning after auto start")
	}
	if !r.adapter.ScanParameters().Active() {
		t.Error("auto start should use active mode")
	}
	if !containsAction(r.journal.actions(), journal.ActionScanStarted) {
		t.Errorf("journal = %v, want scan_started", r.journal.actions())
	}
}

func TestBridge_AutoStartOnReady(t *testing.T) {
	r := newRig(t, BridgeOptions{AutoStart: true})
	r.start(t)

	if r.adapter.Scanning() {
		t.Fatal("scanning before the adapter is ready")
	}

	r.adapter.SetState(discovery.StatePoweredOn)

	if !r.adapter.Scanning() {
		t.Fatal("bridge did not start scanning on readyToScan")
	}
	if h := lastHealth(t, r.mqtt); h.Status != HealthHealthy || h.Scanner == nil || !h.Scanner.Scanning {
		t.Errorf("health = %+v, want healthy and scanning", h)
	}
}

func TestBridge_NoAutoStart(t *testing.T) {
	r := newRig(t, BridgeOptions{})
	r.start(t)
	r.adapter.SetState(discovery.StatePoweredOn)

	if r.adapter.Scanning() {
		t.Error("bridge started scanning without auto start")
	}
}

func TestBridge_ResumesWantedScanAfterPowerCycle(t *testing.T) {
	r := newRig(t, BridgeOptions{})
	r.adapter.SetState(discovery.StatePoweredOn)
	r.start(t)

	if ack := r.command(t, CommandStartActive); ack.Status != AckAccepted {
		t.Fatalf("start_active ack = %+v", ack)
	}

	r.adapter.PowerOff()
	// Let the settle-delay restart fail against the powered-off adapter.
	time.Sleep(30 * time.Millisecond)
	if r.adapter.Scanning() {
		t.Fatal("adapter scanning while powered off")
	}

	r.adapter.SetState(discovery.StatePoweredOn)

	waitFor(t, "scan resumed", r.adapter.Scanning)
	if !r.adapter.ScanParameters().Active() {
		t.Error("resumed scan lost active mode")
	}
}

// =============================================================================
// Discovery
// =============================================================================

func TestBridge_PublishesDiscoveryAndState(t *testing.T) {
	r := newRig(t, BridgeOptions{})
	r.start(t)

	lock := fake.DefaultPeripherals()[0]
	r.adapter.Emit(lock)

	disc := r.mqtt.PublishedOn(DiscoveryTopic())
	if len(disc) != 1 || disc[0].Retained {
		t.Fatalf("discovery messages = %d (retained=%v), want 1 non-retained", len(disc), len(disc) == 1 && disc[0].Retained)
	}
	var dm DiscoveryMessage
	if err := json.Unmarshal(disc[0].Payload, &dm); err != nil {
		t.Fatal(err)
	}
	if len(dm.Devices) != 1 || dm.Devices[0].Address != lock.ID || dm.Devices[0].Type != DeviceTypeSmartLock {
		t.Errorf("discovery = %+v", dm)
	}

	states := r.mqtt.PublishedOn("graylogic/state/ble/" + lock.ID)
	if len(states) != 1 || !states[0].Retained {
		t.Fatalf("state messages = %d, want 1 retained", len(states))
	}
	var sm StateMessage
	if err := json.Unmarshal(states[0].Payload, &sm); err != nil {
		t.Fatal(err)
	}
	if sm.DeviceID != lock.ID || sm.State.RSSI != lock.RSSI || sm.State.Name != lock.LocalName {
		t.Errorf("state = %+v", sm)
	}
	if !strings.HasPrefix(sm.State.ManufacturerData, "4c000215") {
		t.Errorf("manufacturer_data = %q", sm.State.ManufacturerData)
	}
	if sm.State.ConfigFile == "" || !strings.HasSuffix(sm.State.ConfigFile, lock.ID+".json") {
		t.Errorf("config_file = %q", sm.State.ConfigFile)
	}

	if r.metrics.sightingCount() != 1 {
		t.Errorf("sightings = %d, want 1", r.metrics.sightingCount())
	}
	if !containsAction(r.journal.actions(), journal.ActionLockDiscovered) {
		t.Errorf("journal = %v", r.journal.actions())
	}
	if s := r.bridge.Statistics(); s.LocksDiscovered != 1 {
		t.Errorf("LocksDiscovered = %d", s.LocksDiscovered)
	}
}

func TestBridge_StateOnlyOnPayloadChange(t *testing.T) {
	r := newRig(t, BridgeOptions{})
	r.start(t)

	lock := fake.DefaultPeripherals()[0]
	topic := StateTopic(lock.ID)

	r.adapter.Emit(lock)
	lock.RSSI = -40
	r.adapter.Emit(lock) // same payload, new RSSI

	if n := len(r.mqtt.PublishedOn(topic)); n != 1 {
		t.Fatalf("state messages after repeat = %d, want 1", n)
	}

	changed := append([]byte(nil), lock.ManufacturerData...)
	changed[len(changed)-1] ^= 0xff
	lock.ManufacturerData = changed
	r.adapter.Emit(lock)

	if n := len(r.mqtt.PublishedOn(topic)); n != 2 {
		t.Fatalf("state messages after change = %d, want 2", n)
	}
	if n := len(r.mqtt.PublishedOn(DiscoveryTopic())); n != 1 {
		t.Errorf("discovery messages = %d, want 1", n)
	}
	if !containsAction(r.journal.actions(), journal.ActionLockUpdated) {
		t.Errorf("journal = %v, want lock_updated", r.journal.actions())
	}
	if s := r.bridge.Statistics(); s.LockUpdates != 1 {
		t.Errorf("LockUpdates = %d, want 1", s.LockUpdates)
	}
}

func TestBridge_RejectedAdvertisementIgnored(t *testing.T) {
	r := newRig(t, BridgeOptions{})
	r.start(t)
	r.mqtt.ClearPublished()

	r.adapter.Emit(fake.DefaultPeripherals()[2]) // not a lock

	if n := len(r.mqtt.PublishedOn(DiscoveryTopic())); n != 0 {
		t.Errorf("discovery messages = %d, want 0", n)
	}
	if r.metrics.sightingCount() != 0 {
		t.Error("sighting written for rejected advertisement")
	}
}

func TestBridge_JournalFailureDoesNotBlockPublishing(t *testing.T) {
	r := newRig(t, BridgeOptions{})
	r.journal.err = errors.New("disk full")
	r.start(t)

	r.adapter.Emit(fake.DefaultPeripherals()[0])

	if n := len(r.mqtt.PublishedOn(DiscoveryTopic())); n != 1 {
		t.Errorf("discovery messages = %d, want 1", n)
	}
	if s := r.bridge.Statistics(); s.Errors == 0 {
		t.Error("journal failure not counted")
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestBridgeCommands(t *testing.T) {
	r := newRig(t, BridgeOptions{})
	r.adapter.SetState(discovery.StatePoweredOn)
	r.start(t)

	ack := r.command(t, CommandStart)
	if ack.Status != AckAccepted || ack.CommandID != "cmd-1" || ack.Address != "scanner" || ack.Protocol != "ble" {
		t.Fatalf("start ack = %+v", ack)
	}
	if ack.Scanner == nil || !ack.Scanner.Scanning || ack.Scanner.ActiveMode {
		t.Errorf("start ack scanner = %+v, want passive scanning", ack.Scanner)
	}
	if !r.adapter.Scanning() || r.adapter.ScanParameters().Active() {
		t.Error("adapter should be scanning passively")
	}

	ack = r.command(t, "STOP")
	if ack.Status != AckAccepted || ack.Command != CommandStop {
		t.Fatalf("stop ack = %+v", ack)
	}
	if r.adapter.Scanning() {
		t.Error("adapter still scanning after stop")
	}

	ack = r.command(t, CommandStatus)
	if ack.Status != AckAccepted || ack.Scanner == nil || ack.Scanner.AdapterState != "poweredOn" {
		t.Errorf("status ack = %+v", ack)
	}

	want := []string{journal.ActionScanStarted, journal.ActionScanStopped}
	var got []string
	for _, a := range r.journal.actions() {
		if a == journal.ActionScanStarted || a == journal.ActionScanStopped {
			got = append(got, a)
		}
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("scan journal = %v, want %v", got, want)
	}
}

func TestBridgeCommand_Failures(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"adapter not ready", `{"id":"c","command":"start"}`, ErrCodeAdapterNotReady},
		{"unknown command", `{"id":"c","command":"reboot"}`, ErrCodeInvalidCommand},
		{"invalid json", `{not json`, ErrCodeInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, BridgeOptions{})
			r.start(t)

			r.mqtt.SimulateMessage(CommandTopic(), []byte(tt.payload))

			acks := r.mqtt.PublishedOn(AckTopic())
			if len(acks) != 1 {
				t.Fatalf("acks = %d, want 1", len(acks))
			}
			var ack AckMessage
			if err := json.Unmarshal(acks[0].Payload, &ack); err != nil {
				t.Fatal(err)
			}
			if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack = %+v, want failed %s", ack, tt.wantCode)
			}
			if r.adapter.Scanning() {
				t.Error("failed command started the adapter")
			}
		})
	}
}

func TestEncodeTopicAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"54:d2:72:0a:1b:2c", "54:d2:72:0a:1b:2c"},
		{"dev/1", "dev%2F1"},
		{"a+b#c", "a%2Bb%23c"},
		{"50%", "50%25"},
	}
	for _, tt := range tests {
		if got := EncodeTopicAddress(tt.in); got != tt.want {
			t.Errorf("EncodeTopicAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := StateTopic("dev/1"); got != "graylogic/state/ble/dev%2F1" {
		t.Errorf("StateTopic() = %q", got)
	}
}
