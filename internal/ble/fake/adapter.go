// Package fake provides an in-process discovery.Adapter that replays a fixed
// set of peripherals. It backs the "simulate" adapter setting so the service
// can run on machines without a radio.
package fake

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble/hcicmd"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
)

// Defaults.
const (
	DefaultInterval     = time.Second
	DefaultPowerOnDelay = 100 * time.Millisecond
)

// Options configures an Adapter.
type Options struct {
	// Peripherals are advertised once per Interval while scanning.
	// Default: DefaultPeripherals().
	Peripherals []discovery.Advertisement

	// Interval between advertisement rounds. Default DefaultInterval.
	Interval time.Duration

	// PowerOnDelay is how long PowerOn takes to report poweredOn.
	// Default DefaultPowerOnDelay.
	PowerOnDelay time.Duration
}

// Adapter is a simulated radio.
type Adapter struct {
	opts Options

	mu          sync.Mutex
	state       discovery.AdapterState
	scanning    bool
	params      hcicmd.ScanParameters
	onState     func(discovery.AdapterState)
	onDiscover  func(discovery.Advertisement)
	onScanStart func()
	onScanStop  func(discovery.StopReason)
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New creates a powered-off simulated adapter.
func New(opts Options) *Adapter {
	if opts.Peripherals == nil {
		opts.Peripherals = DefaultPeripherals()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PowerOnDelay <= 0 {
		opts.PowerOnDelay = DefaultPowerOnDelay
	}
	return &Adapter{
		opts:   opts,
		state:  discovery.StatePoweredOff,
		params: hcicmd.NewScanParameters(false),
	}
}

// DefaultPeripherals returns two locks and one unrelated device.
func DefaultPeripherals() []discovery.Advertisement {
	return []discovery.Advertisement{
		{
			ID:               "54:d2:72:0a:1b:2c",
			LocalName:        "Nuki_0A1B2C",
			ManufacturerData: beacon(0x00, 0xc5),
			RSSI:             -58,
			Connectable:      true,
		},
		{
			ID:               "54:d2:72:3d:4e:5f",
			LocalName:        "Nuki_3D4E5F",
			ManufacturerData: beacon(0x01, 0xc4),
			RSSI:             -71,
			Connectable:      true,
		},
		{
			ID:               "c8:69:cd:11:22:33",
			LocalName:        "Speaker",
			ManufacturerData: []byte{0x4c, 0x00, 0x10, 0x05, 0x01, 0x18, 0x00, 0x00, 0x00},
			RSSI:             -80,
		},
	}
}

// beacon returns an iBeacon record with the lock proximity UUID.
func beacon(minor, txPower byte) []byte {
	return []byte{
		0x4c, 0x00, 0x02, 0x15,
		0xa9, 0x2e, 0xe2, 0x00, 0x55, 0x01, 0x11, 0xe4,
		0x91, 0x6c, 0x08, 0x00, 0x20, 0x0c, 0x9a, 0x66,
		0x00, 0x01, 0x00, minor, txPower,
	}
}

// PowerOn reports resetting, then poweredOn after PowerOnDelay.
func (a *Adapter) PowerOn() {
	a.SetState(discovery.StateResetting)
	time.AfterFunc(a.opts.PowerOnDelay, func() {
		a.SetState(discovery.StatePoweredOn)
	})
}

// PowerOff halts any scan and reports poweredOff.
func (a *Adapter) PowerOff() {
	a.halt(discovery.StopReasonAdapter)
	a.SetState(discovery.StatePoweredOff)
}

// SetState changes the state and notifies.
func (a *Adapter) SetState(state discovery.AdapterState) {
	a.mu.Lock()
	a.state = state
	fn := a.onState
	a.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Interrupt stops the scan as a real controller does when it starts a
// connection.
func (a *Adapter) Interrupt() {
	a.halt(discovery.StopReasonConnection)
}

// Emit delivers one advertisement immediately, scanning or not.
func (a *Adapter) Emit(adv discovery.Advertisement) {
	a.mu.Lock()
	fn := a.onDiscover
	a.mu.Unlock()
	if fn != nil {
		fn(adv)
	}
}

// ScanParameters returns the last parameters written.
func (a *Adapter) ScanParameters() hcicmd.ScanParameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// Scanning reports whether the simulated radio is scanning.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// State implements discovery.Adapter.
func (a *Adapter) State() discovery.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetOnStateChange implements discovery.Adapter.
func (a *Adapter) SetOnStateChange(callback func(discovery.AdapterState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = callback
}

// SetOnDiscover implements discovery.Adapter.
func (a *Adapter) SetOnDiscover(callback func(discovery.Advertisement)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDiscover = callback
}

// SetOnScanStart implements discovery.Adapter.
func (a *Adapter) SetOnScanStart(callback func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onScanStart = callback
}

// SetOnScanStop implements discovery.Adapter.
func (a *Adapter) SetOnScanStop(callback func(discovery.StopReason)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onScanStop = callback
}

// SetScanParameters implements discovery.Adapter.
func (a *Adapter) SetScanParameters(params hcicmd.ScanParameters) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = params
	return nil
}

// StartScanning implements discovery.Adapter. Service filtering and
// duplicate suppression are not simulated.
func (a *Adapter) StartScanning(_ []string, _ bool) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	stop := make(chan struct{})
	a.stop = stop
	fn := a.onScanStart
	a.wg.Add(1)
	a.mu.Unlock()

	go a.broadcast(stop)

	if fn != nil {
		fn()
	}
	return nil
}

// StopScanning implements discovery.Adapter.
func (a *Adapter) StopScanning() error {
	a.halt(discovery.StopReasonRequested)
	return nil
}

// Close stops scanning and waits for the broadcaster.
func (a *Adapter) Close() error {
	a.halt(discovery.StopReasonRequested)
	a.wg.Wait()
	return nil
}

func (a *Adapter) halt(reason discovery.StopReason) {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return
	}
	a.scanning = false
	close(a.stop)
	a.stop = nil
	fn := a.onScanStop
	a.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
}

func (a *Adapter) broadcast(stop chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	a.round(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.round(stop)
		}
	}
}

func (a *Adapter) round(stop chan struct{}) {
	for _, adv := range a.opts.Peripherals {
		select {
		case <-stop:
			return
		default:
		}
		a.Emit(adv)
	}
}
