// Package h4 drives a BLE controller attached over a UART (H4 framing)
// and exposes it as a discovery.Adapter. It is used on boards where the
// radio is not registered with the kernel Bluetooth stack.
package h4

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/gray-logic-ble/internal/ble/hcicmd"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
)

// Defaults.
const (
	DefaultBaudRate       = 115200
	DefaultCommandTimeout = 2 * time.Second
)

// Errors.
var (
	ErrNotOpen        = errors.New("h4: port not open")
	ErrCommandTimeout = errors.New("h4: command timed out")
)

// StatusError is a non-zero HCI status returned for a command.
type StatusError struct {
	OpCode uint16
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("h4: command %#04x failed with status %#02x", e.OpCode, e.Status)
}

// Logger is the structured logger the adapter writes to.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Port is the byte stream to the controller.
type Port = io.ReadWriteCloser

// Options configures an Adapter.
type Options struct {
	// PortName is the serial device, e.g. /dev/ttyAMA0.
	PortName string

	// BaudRate defaults to DefaultBaudRate.
	BaudRate int

	// CommandTimeout bounds each HCI command. Default DefaultCommandTimeout.
	CommandTimeout time.Duration

	// OpenPort overrides how the port is opened. Used by tests.
	OpenPort func(name string, baud int) (Port, error)

	// Logger is optional.
	Logger Logger
}

// Adapter is a discovery.Adapter speaking raw HCI over a serial line.
type Adapter struct {
	opts   Options
	logger Logger

	writeMu sync.Mutex // one command in flight

	mu          sync.Mutex
	port        Port
	state       discovery.AdapterState
	scanning    bool
	services    []string
	pending     map[uint16]chan byte
	onState     func(discovery.AdapterState)
	onDiscover  func(discovery.Advertisement)
	onScanStart func()
	onScanStop  func(discovery.StopReason)
	done        chan struct{}
}

// New creates an adapter. Call Open before scanning.
func New(opts Options) *Adapter {
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.OpenPort == nil {
		opts.OpenPort = openSerial
	}
	return &Adapter{
		opts:    opts,
		logger:  opts.Logger,
		state:   discovery.StateUnknown,
		pending: make(map[uint16]chan byte),
	}
}

func openSerial(name string, baud int) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Open opens the port, starts the reader and resets the controller. The
// adapter reports poweredOn once the reset completes.
func (a *Adapter) Open() error {
	a.mu.Lock()
	if a.port != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	port, err := a.opts.OpenPort(a.opts.PortName, a.opts.BaudRate)
	if err != nil {
		a.setState(discovery.StateUnsupported)
		return fmt.Errorf("opening %s: %w", a.opts.PortName, err)
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.port = port
	a.done = done
	a.mu.Unlock()

	go a.readLoop(port, done)

	a.setState(discovery.StateResetting)
	if err := a.command(hcicmd.Reset()); err != nil {
		a.setState(discovery.StatePoweredOff)
		return fmt.Errorf("resetting controller on %s: %w", a.opts.PortName, err)
	}

	a.logInfo("h4 controller ready", "port", a.opts.PortName, "baud", a.opts.BaudRate)
	a.setState(discovery.StatePoweredOn)
	return nil
}

// Close closes the port and waits for the reader to exit.
func (a *Adapter) Close() error {
	a.mu.Lock()
	port := a.port
	done := a.done
	a.port = nil
	a.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	<-done
	return err
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

// SetScanParameters writes LE Set Scan Parameters to the controller.
// The controller rejects it while a scan is running, so a running scan is
// disabled first and re-enabled afterwards.
func (a *Adapter) SetScanParameters(params hcicmd.ScanParameters) error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()

	if scanning {
		if err := a.command(hcicmd.ScanEnable(false, false)); err != nil {
			return err
		}
	}
	if err := a.command(params.Bytes()); err != nil {
		return err
	}
	a.logDebug("scan parameters written", "params", params.String())
	if scanning {
		return a.command(hcicmd.ScanEnable(true, false))
	}
	return nil
}

// StartScanning enables the scanner. Controller-side duplicate filtering is
// on unless allowDuplicates is set. Service filtering is not supported by
// the controller; serviceUUIDs is applied to decoded reports instead.
func (a *Adapter) StartScanning(serviceUUIDs []string, allowDuplicates bool) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.command(hcicmd.ScanEnable(true, !allowDuplicates)); err != nil {
		return err
	}

	a.mu.Lock()
	a.scanning = true
	a.services = serviceUUIDs
	fn := a.onScanStart
	a.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// StopScanning disables the scanner.
func (a *Adapter) StopScanning() error {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.command(hcicmd.ScanEnable(false, false)); err != nil {
		return err
	}
	a.scanStopped(discovery.StopReasonRequested)
	return nil
}

func (a *Adapter) scanStopped(reason discovery.StopReason) {
	a.mu.Lock()
	was := a.scanning
	a.scanning = false
	fn := a.onScanStop
	a.mu.Unlock()

	if was && fn != nil {
		fn(reason)
	}
}

// command writes one HCI command packet and waits for its completion.
func (a *Adapter) command(pkt []byte) error {
	if len(pkt) < 4 {
		return fmt.Errorf("%w: command packet too short", ErrMalformed)
	}
	opcode := binary.LittleEndian.Uint16(pkt[1:3])

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	port := a.port
	if port == nil {
		a.mu.Unlock()
		return ErrNotOpen
	}
	ch := make(chan byte, 1)
	a.pending[opcode] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, opcode)
		a.mu.Unlock()
	}()

	if _, err := port.Write(pkt); err != nil {
		return fmt.Errorf("h4: writing command %#04x: %w", opcode, err)
	}

	timer := time.NewTimer(a.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case status := <-ch:
		if status != 0 {
			return &StatusError{OpCode: opcode, Status: status}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: opcode %#04x", ErrCommandTimeout, opcode)
	}
}

// readLoop decodes events until the port fails or closes.
func (a *Adapter) readLoop(port Port, done chan struct{}) {
	defer close(done)
	r := bufio.NewReader(port)

	for {
		ev, err := readEvent(r)
		if err != nil {
			a.mu.Lock()
			closed := a.port != port
			a.mu.Unlock()
			if !closed {
				a.logError("h4 read failed", "port", a.opts.PortName, "error", err)
			}
			a.scanStopped(discovery.StopReasonAdapter)
			a.setState(discovery.StatePoweredOff)
			return
		}
		a.handleEvent(ev)
	}
}

func (a *Adapter) handleEvent(ev Event) {
	switch ev.Code {
	case eventCommandComplete, eventCommandStatus:
		opcode, status, err := commandComplete(ev)
		if err != nil {
			a.logDebug("dropping command response", "error", err)
			return
		}
		a.mu.Lock()
		ch := a.pending[opcode]
		a.mu.Unlock()
		if ch != nil {
			select {
			case ch <- status:
			default:
			}
		}

	case eventLEMeta:
		reports, err := advertisingReports(ev)
		if err != nil {
			a.logDebug("dropping advertising report", "error", err)
			return
		}
		for _, rep := range reports {
			a.deliver(rep)
		}
	}
}

func (a *Adapter) deliver(rep AdvertisingReport) {
	a.mu.Lock()
	fn := a.onDiscover
	services := a.services
	a.mu.Unlock()
	if fn == nil {
		return
	}

	f := parseAD(rep.Data)
	if len(services) > 0 && !containsAny(f.Services, services) {
		return
	}
	fn(discovery.Advertisement{
		ID:               rep.Address(),
		LocalName:        f.Name,
		ManufacturerData: f.ManufacturerData,
		RSSI:             int(rep.RSSI),
		Connectable:      rep.Connectable(),
		Services:         f.Services,
	})
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

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
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

func (a *Adapter) logError(msg string, keysAndValues ...any) {
	if a.logger != nil {
		a.logger.Error(msg, keysAndValues...)
	}
}
