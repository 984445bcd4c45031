package discovery

import (
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble/hcicmd"
)

// MockAdapter implements Adapter for testing.
type MockAdapter struct {
	mu          sync.Mutex
	state       AdapterState
	onState     func(AdapterState)
	onDiscover  func(Advertisement)
	onScanStart func()
	onScanStop  func(StopReason)

	// autoConfirm fires the scan start/stop callbacks synchronously from
	// StartScanning/StopScanning, like most HCI stacks do.
	autoConfirm bool
	scanning    bool
	startCalls  []startCall
	stopCalls   int
	params      []hcicmd.ScanParameters
	startErr    error

	// onParams runs, unlocked, each time scan parameters are set.
	onParams func()
}

type startCall struct {
	Services        []string
	AllowDuplicates bool
}

func NewMockAdapter(state AdapterState) *MockAdapter {
	return &MockAdapter{state: state, autoConfirm: true}
}

func (m *MockAdapter) State() AdapterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockAdapter) SetOnStateChange(callback func(AdapterState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = callback
}

func (m *MockAdapter) SetOnDiscover(callback func(Advertisement)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiscover = callback
}

func (m *MockAdapter) SetOnScanStart(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onScanStart = callback
}

func (m *MockAdapter) SetOnScanStop(callback func(StopReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onScanStop = callback
}

func (m *MockAdapter) StartScanning(services []string, allowDuplicates bool) error {
	m.mu.Lock()
	if m.startErr != nil {
		err := m.startErr
		m.mu.Unlock()
		return err
	}
	m.startCalls = append(m.startCalls, startCall{Services: services, AllowDuplicates: allowDuplicates})
	wasScanning := m.scanning
	m.scanning = true
	confirm := m.autoConfirm && !wasScanning
	fn := m.onScanStart
	m.mu.Unlock()

	if confirm && fn != nil {
		fn()
	}
	return nil
}

func (m *MockAdapter) StopScanning() error {
	m.mu.Lock()
	m.stopCalls++
	wasScanning := m.scanning
	m.scanning = false
	confirm := m.autoConfirm && wasScanning
	fn := m.onScanStop
	m.mu.Unlock()

	if confirm && fn != nil {
		fn(StopReasonRequested)
	}
	return nil
}

func (m *MockAdapter) SetScanParameters(params hcicmd.ScanParameters) error {
	m.mu.Lock()
	m.params = append(m.params, params)
	fn := m.onParams
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// IsScanning reports whether the simulated radio is scanning.
func (m *MockAdapter) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// SetOnParams installs a hook that runs inside SetScanParameters.
func (m *MockAdapter) SetOnParams(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onParams = fn
}

func (m *MockAdapter) GetStartCalls() []startCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]startCall(nil), m.startCalls...)
}

func (m *MockAdapter) GetStopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

func (m *MockAdapter) GetParams() []hcicmd.ScanParameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hcicmd.ScanParameters(nil), m.params...)
}

func (m *MockAdapter) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SimulateState changes the adapter state and fires the callback.
func (m *MockAdapter) SimulateState(state AdapterState) {
	m.mu.Lock()
	m.state = state
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// SimulateDiscover delivers an advertisement.
func (m *MockAdapter) SimulateDiscover(adv Advertisement) {
	m.mu.Lock()
	fn := m.onDiscover
	m.mu.Unlock()
	if fn != nil {
		fn(adv)
	}
}

// SimulateScanStart fires the scan start callback without a request.
func (m *MockAdapter) SimulateScanStart() {
	m.mu.Lock()
	m.scanning = true
	fn := m.onScanStart
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SimulateScanStop fires the scan stop callback as if the radio stopped on
// its own.
func (m *MockAdapter) SimulateScanStop(reason StopReason) {
	m.mu.Lock()
	m.scanning = false
	fn := m.onScanStop
	m.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

var errMockStart = errors.New("mock: start failed")

// eventRecorder collects events from SubscribeAll.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// lockBeacon returns a 25-byte iBeacon record carrying the default lock UUID.
func lockBeacon(tail byte) []byte {
	return []byte{
		0x4c, 0x00, 0x02, 0x15,
		0xa9, 0x2e, 0xe2, 0x00, 0x55, 0x01, 0x11, 0xe4,
		0x91, 0x6c, 0x08, 0x00, 0x20, 0x0c, 0x9a, 0x66,
		0x00, 0x01, 0x00, 0x02, tail,
	}
}
