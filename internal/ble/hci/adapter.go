// Package hci drives a Linux Bluetooth controller through a raw HCI socket
// using go-ble and exposes it as a discovery.Adapter.
//
// go-ble has no notion of adapter power state. The adapter reports
// poweredOn once the HCI device opens, unsupported when it cannot be
// opened, and poweredOff after the scan loop fails with a transport error.
// After such a failure the device is released and reopened in the
// background with capped exponential backoff; a successful reopen reports
// poweredOn again, which is the discovery layer's cue to resume scanning.
package hci

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"

	"github.com/nerrad567/gray-logic-ble/internal/ble/hcicmd"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
)

// ErrNotOpen is returned when the HCI device has not been opened.
var ErrNotOpen = errors.New("hci: device not open")

const (
	// DefaultReopenInterval is the first wait before reopening a failed
	// device. It doubles per attempt up to maxReopenInterval.
	DefaultReopenInterval = 2 * time.Second

	maxReopenInterval = 30 * time.Second
)

// device is the part of go-ble's *linux.Device the adapter drives.
type device interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	SetScanParams(param cmd.LESetScanParameters) error
	Address() ble.Addr
	Stop() error
}

type linuxDevice struct {
	*linux.Device
}

func (d linuxDevice) SetScanParams(param cmd.LESetScanParameters) error {
	return d.HCI.SetScanParams(param)
}

func openLinux(id int) (device, error) {
	dev, err := linux.NewDevice(
		ble.OptDeviceID(id),
		ble.OptScanParams(hcicmd.NewScanParameters(false).Command()),
	)
	if err != nil {
		return nil, err
	}
	return linuxDevice{dev}, nil
}

// Logger is the structured logger the adapter writes to.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures an Adapter.
type Options struct {
	// DeviceID selects hciN. Default 0.
	DeviceID int

	// ReopenInterval is the first backoff step when reopening the device
	// after a transport failure. Default: DefaultReopenInterval.
	ReopenInterval time.Duration

	// Logger is optional.
	Logger Logger
}

// Adapter is a discovery.Adapter backed by go-ble's Linux HCI device.
type Adapter struct {
	deviceID       int
	reopenInterval time.Duration
	logger         Logger
	open           func(id int) (device, error)

	mu          sync.Mutex
	dev         device
	state       discovery.AdapterState
	onState     func(discovery.AdapterState)
	onDiscover  func(discovery.Advertisement)
	onScanStart func()
	onScanStop  func(discovery.StopReason)
	cancel      context.CancelFunc
	services    []ble.UUID
	stopReopen  chan struct{} // non-nil while a reopen loop runs
}

// New creates an adapter. Call Open before scanning.
func New(opts Options) *Adapter {
	if opts.ReopenInterval <= 0 {
		opts.ReopenInterval = DefaultReopenInterval
	}
	return &Adapter{
		deviceID:       opts.DeviceID,
		reopenInterval: opts.ReopenInterval,
		logger:         opts.Logger,
		open:           openLinux,
		state:          discovery.StateUnknown,
	}
}

// Open opens hciN with passive default scan parameters.
func (a *Adapter) Open() error {
	a.mu.Lock()
	if a.dev != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	dev, err := a.open(a.deviceID)
	if err != nil {
		a.setState(discovery.StateUnsupported)
		return fmt.Errorf("opening hci%d: %w", a.deviceID, err)
	}

	a.mu.Lock()
	a.dev = dev
	a.mu.Unlock()

	a.logInfo("hci device opened", "device", a.deviceID, "addr", dev.Address().String())
	a.setState(discovery.StatePoweredOn)
	return nil
}

// Close stops scanning and releases the HCI socket.
func (a *Adapter) Close() error {
	a.mu.Lock()
	dev := a.dev
	a.dev = nil
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.stopReopen != nil {
		close(a.stopReopen)
		a.stopReopen = nil
	}
	a.mu.Unlock()

	if dev == nil {
		return nil
	}
	a.setState(discovery.StatePoweredOff)
	if err := dev.Stop(); err != nil {
		return fmt.Errorf("closing hci%d: %w", a.deviceID, err)
	}
	return nil
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

// SetScanParameters stores params on the HCI layer; go-ble writes them with
// LE Set Scan Parameters on the next scan start.
func (a *Adapter) SetScanParameters(params hcicmd.ScanParameters) error {
	a.mu.Lock()
	dev := a.dev
	a.mu.Unlock()

	if dev == nil {
		return ErrNotOpen
	}
	if err := dev.SetScanParams(params.Command()); err != nil {
		return fmt.Errorf("hci%d: %w", a.deviceID, err)
	}
	a.logDebug("scan parameters stored", "params", params.String())
	return nil
}

// StartScanning implements discovery.Adapter. A scan already running is
// left alone.
func (a *Adapter) StartScanning(serviceUUIDs []string, allowDuplicates bool) error {
	services, err := parseServices(serviceUUIDs)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.dev == nil {
		a.mu.Unlock()
		return ErrNotOpen
	}
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.services = services
	dev := a.dev
	onStart := a.onScanStart
	a.mu.Unlock()

	go a.scan(ctx, dev, allowDuplicates)

	if onStart != nil {
		onStart()
	}
	return nil
}

// StopScanning implements discovery.Adapter. The scan-stop callback fires
// from the scan goroutine once go-ble has disabled scanning.
func (a *Adapter) StopScanning() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// scan runs one go-ble scan until ctx ends or the transport fails. A
// transport failure releases the device and starts the reopen loop.
func (a *Adapter) scan(ctx context.Context, dev device, allowDuplicates bool) {
	err := dev.Scan(ctx, allowDuplicates, a.handleAdvertisement)

	if ctx.Err() != nil {
		a.mu.Lock()
		onStop := a.onScanStop
		a.mu.Unlock()
		if onStop != nil {
			onStop(discovery.StopReasonRequested)
		}
		return
	}

	a.logError("scan aborted", "device", a.deviceID, "error", err)

	var stop chan struct{}
	a.mu.Lock()
	a.cancel = nil
	// Close may already have released the device.
	if a.dev == dev {
		a.dev = nil
		stop = make(chan struct{})
		a.stopReopen = stop
	}
	onStop := a.onScanStop
	a.mu.Unlock()

	if stop != nil {
		if err := dev.Stop(); err != nil {
			a.logDebug("releasing failed hci device", "device", a.deviceID, "error", err)
		}
	}
	a.setState(discovery.StatePoweredOff)
	if onStop != nil {
		onStop(discovery.StopReasonAdapter)
	}
	if stop != nil {
		go a.reopen(stop)
	}
}

// reopen retries opening the device until it succeeds or stop closes.
func (a *Adapter) reopen(stop <-chan struct{}) {
	delay := a.reopenInterval
	for {
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case <-stop:
			return
		default:
		}

		dev, err := a.open(a.deviceID)
		if err != nil {
			a.logWarn("hci reopen failed", "device", a.deviceID, "error", err, "retry_in", delay)
			delay = min(delay*2, maxReopenInterval)
			continue
		}

		a.mu.Lock()
		select {
		case <-stop:
			a.mu.Unlock()
			_ = dev.Stop() //nolint:errcheck // closing anyway
			return
		default:
		}
		a.dev = dev
		a.stopReopen = nil
		a.mu.Unlock()

		a.logInfo("hci device reopened", "device", a.deviceID, "addr", dev.Address().String())
		a.setState(discovery.StatePoweredOn)
		return
	}
}

func (a *Adapter) handleAdvertisement(adv ble.Advertisement) {
	a.mu.Lock()
	onDiscover := a.onDiscover
	services := a.services
	a.mu.Unlock()

	if onDiscover == nil {
		return
	}
	if len(services) > 0 && !advertisesAny(adv, services) {
		return
	}
	onDiscover(convert(adv))
}

func (a *Adapter) setState(state discovery.AdapterState) {
	a.mu.Lock()
	if a.state == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	fn := a.onState
	a.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

// convert copies a go-ble advertisement; go-ble reuses its buffers.
func convert(adv ble.Advertisement) discovery.Advertisement {
	var md []byte
	if raw := adv.ManufacturerData(); raw != nil {
		md = make([]byte, len(raw))
		copy(md, raw)
	}

	var services []string
	for _, u := range adv.Services() {
		services = append(services, u.String())
	}

	return discovery.Advertisement{
		ID:               strings.ToLower(adv.Addr().String()),
		LocalName:        adv.LocalName(),
		ManufacturerData: md,
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		Services:         services,
	}
}

func parseServices(in []string) ([]ble.UUID, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(in))
	for _, s := range in {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("hci: invalid service uuid %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func advertisesAny(adv ble.Advertisement, services []ble.UUID) bool {
	for _, u := range adv.Services() {
		if ble.Contains(services, u) {
			return true
		}
	}
	return false
}

func (a *Adapter) logInfo(msg string, keysAndValues ...any) {
	if a.logger != nil {
		a.logger.Info(msg, keysAndValues...)
	}
}

func (a *Adapter) logDebug(msg string, keysAndValues ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, keysAndValues...)
	}
}

func (a *Adapter) logWarn(msg string, keysAndValues ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, keysAndValues...)
	}
}

func (a *Adapter) logError(msg string, keysAndValues ...any) {
	if a.logger != nil {
		a.logger.Error(msg, keysAndValues...)
	}
}
