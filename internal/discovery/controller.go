package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble/hcicmd"
)

// Controller defaults.
const (
	// DefaultConfigPath is where per-lock configuration lives when
	// Options.ConfigPath is empty.
	DefaultConfigPath = "./config/"

	// DefaultSettleDelay is how long the controller waits after an
	// adapter-initiated stop before resuming.
	DefaultSettleDelay = 500 * time.Millisecond

	// DefaultReadyTimeout bounds OnReadyToScan when the caller passes zero.
	DefaultReadyTimeout = 10 * time.Second
)

// Logger is the structured logger the controller writes to.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Controller.
type Options struct {
	// ConfigPath is the directory holding per-lock configuration.
	// Default: DefaultConfigPath.
	ConfigPath string

	// Filter decides which advertisements are smart locks.
	// Default: DefaultFilter().
	Filter Filter

	// SettleDelay is the pause before resuming after an adapter-initiated
	// stop. Default: DefaultSettleDelay.
	SettleDelay time.Duration

	// Logger is optional.
	Logger Logger

	// Debug enables trace logging from the start.
	Debug bool
}

// Status is a point-in-time view of the controller.
type Status struct {
	State      AdapterState `json:"state"`
	Ready      bool         `json:"ready"`
	Scanning   bool         `json:"scanning"`
	Desired    bool         `json:"desired"`
	ActiveMode bool         `json:"active_mode"`
	SmartLocks int          `json:"smart_locks"`
}

// Controller owns the adapter, keeps the smart lock registry, and turns
// raw adapter callbacks into a small set of logical events.
type Controller struct {
	adapter     Adapter
	filter      Filter
	configPath  string
	settleDelay time.Duration
	bus         *bus
	debug       atomic.Bool

	mu          sync.Mutex
	state       AdapterState
	desired     bool // caller wants scanning
	active      bool // next scan uses active mode
	announced   bool // startedScanning emitted without a matching stop
	smartLocks  []*SmartLock
	settleTimer *time.Timer
	closed      bool
	pending     []Event // queued for delivery, in transition order
	draining    bool    // a goroutine is delivering pending

	loggerMu sync.RWMutex
	logger   Logger
}

// NewController creates a controller and attaches it to adapter. The adapter
// must not be shared with another controller.
func NewController(adapter Adapter, opts Options) *Controller {
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	if opts.Filter == nil {
		opts.Filter = DefaultFilter()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}

	c := &Controller{
		adapter:     adapter,
		filter:      opts.Filter,
		configPath:  opts.ConfigPath,
		settleDelay: opts.SettleDelay,
		bus:         newBus(),
		state:       adapter.State(),
		logger:      opts.Logger,
	}
	c.debug.Store(opts.Debug)

	adapter.SetOnStateChange(c.handleStateChange)
	adapter.SetOnDiscover(c.handleDiscover)
	adapter.SetOnScanStart(c.handleScanStart)
	adapter.SetOnScanStop(c.handleScanStop)

	return c
}

// SetDebug toggles trace logging.
func (c *Controller) SetDebug(enabled bool) {
	c.debug.Store(enabled)
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Subscribe registers handler for one event type. The returned function
// removes the subscription.
func (c *Controller) Subscribe(eventType EventType, handler Handler) func() {
	return c.bus.subscribe(eventType, handler)
}

// SubscribeAll registers handler for every event type.
func (c *Controller) SubscribeAll(handler Handler) func() {
	return c.bus.subscribeAll(handler)
}

// ConfigPath implements Owner.
func (c *Controller) ConfigPath() string { return c.configPath }

// State returns the last adapter state the controller observed.
func (c *Controller) State() AdapterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadyToScan reports whether the adapter is powered on.
func (c *Controller) ReadyToScan() bool {
	return c.State() == StatePoweredOn
}

// Scanning reports the logical scanning flag: scanning is wanted and the
// adapter has confirmed a start. It stays true across adapter-initiated
// restarts.
func (c *Controller) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired && c.announced
}

// ActiveMode reports whether the next scan start uses active scanning.
func (c *Controller) ActiveMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:      c.state,
		Ready:      c.state == StatePoweredOn,
		Scanning:   c.desired && c.announced,
		Desired:    c.desired,
		ActiveMode: c.active,
		SmartLocks: len(c.smartLocks),
	}
}

// SmartLocks returns the registry in discovery order.
func (c *Controller) SmartLocks() []*SmartLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SmartLock, len(c.smartLocks))
	copy(out, c.smartLocks)
	return out
}

// SmartLock returns the lock with the given id, or nil.
func (c *Controller) SmartLock(id string) *SmartLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(id)
}

// StartScanning starts a scan with duplicates allowed. It fails with
// ErrAdapterNotReady, changing nothing, unless the adapter is powered on.
func (c *Controller) StartScanning() error {
	return c.startScanning(false)
}

// startScanning drives the adapter into a scan. A resume only proceeds while
// scanning is still wanted, and that check shares the critical section that
// commits the intent, so a concurrent StopScanning cannot be overwritten.
func (c *Controller) startScanning(resume bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if resume && !c.desired {
		c.mu.Unlock()
		return nil
	}
	if c.state != StatePoweredOn {
		state := c.state
		// A failed resume leaves the radio off; report the edge instead of
		// holding Scanning() true until the next start.
		if resume && c.announced {
			c.announced = false
			c.enqueueLocked(Event{Type: EventStoppedScanning})
		}
		c.mu.Unlock()
		c.drain()
		return fmt.Errorf("%w: adapter is %s", ErrAdapterNotReady, state)
	}
	c.desired = true
	params := hcicmd.NewScanParameters(c.active)
	c.mu.Unlock()

	// The adapter may call back synchronously, so it is driven unlocked.
	if err := c.adapter.SetScanParameters(params); err != nil {
		return fmt.Errorf("setting scan parameters: %w", err)
	}
	c.trace("scan parameters set", "params", params.String())

	if err := c.adapter.StartScanning(nil, true); err != nil {
		return fmt.Errorf("starting scan: %w", err)
	}

	if resume && !c.Status().Desired {
		// StopScanning landed while the adapter was starting.
		if err := c.adapter.StopScanning(); err != nil {
			return fmt.Errorf("stopping scan: %w", err)
		}
	}
	return nil
}

// StartActiveScanning switches to active mode and starts scanning. Active
// mode stays selected even if the start fails.
func (c *Controller) StartActiveScanning() error {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	return c.StartScanning()
}

// StopScanning stops scanning and clears active mode. The stoppedScanning
// event follows once the adapter confirms, or immediately when the adapter
// had already stopped and a restart was pending.
func (c *Controller) StopScanning() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.desired = false
	c.active = false
	// A pending restart means the radio already stopped; nothing else will
	// report the edge.
	if c.settleTimer != nil && c.announced {
		c.announced = false
		c.enqueueLocked(Event{Type: EventStoppedScanning})
		c.trace("stopped scanning", "reason", StopReasonRequested.String())
	}
	c.stopSettleTimerLocked()
	c.mu.Unlock()
	c.drain()

	if err := c.adapter.StopScanning(); err != nil {
		return fmt.Errorf("stopping scan: %w", err)
	}
	return nil
}

// OnReadyToScan returns nil once the adapter is powered on, immediately if it
// already is. It fails with a *TimeoutError after timeout, or with the
// context's error if ctx ends first. A zero timeout means
// DefaultReadyTimeout.
func (c *Controller) OnReadyToScan(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	start := time.Now()
	ready := make(chan struct{}, 1)

	// Check and subscribe under the same lock state transitions take, so a
	// transition cannot slip between them.
	c.mu.Lock()
	if c.state == StatePoweredOn {
		c.mu.Unlock()
		return nil
	}
	unsubscribe := c.bus.subscribe(EventReadyToScan, func(Event) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	c.mu.Unlock()
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		return &TimeoutError{Elapsed: time.Since(start)}
	case <-ctx.Done():
		return fmt.Errorf("waiting for adapter: %w", ctx.Err())
	}
}

// Close detaches the controller from the adapter. Pending restarts are
// cancelled; the registry stays readable.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.desired = false
	c.stopSettleTimerLocked()
	c.mu.Unlock()

	c.adapter.SetOnStateChange(nil)
	c.adapter.SetOnDiscover(nil)
	c.adapter.SetOnScanStart(nil)
	c.adapter.SetOnScanStop(nil)
	return nil
}

// handleStateChange records the new adapter state.
func (c *Controller) handleStateChange(state AdapterState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.enqueueLocked(Event{Type: EventState, State: state})
	if state == StatePoweredOn && prev != StatePoweredOn {
		c.enqueueLocked(Event{Type: EventReadyToScan, State: state})
	}
	c.mu.Unlock()

	c.trace("adapter state changed", "from", prev.String(), "to", state.String())
	c.drain()
}

// handleDiscover admits new locks and refreshes known ones.
func (c *Controller) handleDiscover(adv Advertisement) {
	if adv.ID == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if lock := c.findLocked(adv.ID); lock != nil {
		c.mu.Unlock()
		lock.observe(adv)
		if adv.HasManufacturerData() && lock.UpdateManufacturerData(adv.ManufacturerData) {
			c.trace("smart lock updated", "id", lock.ID(), "rssi", adv.RSSI)
			c.emit(Event{Type: EventSmartLockUpdated, SmartLock: lock})
		}
		return
	}
	if !c.filter.Handle(adv) {
		c.mu.Unlock()
		return
	}
	lock := newSmartLock(c, adv, len(c.smartLocks))
	c.smartLocks = append(c.smartLocks, lock)
	c.enqueueLocked(Event{Type: EventSmartLockDiscovered, SmartLock: lock})
	c.mu.Unlock()

	c.trace("smart lock discovered", "id", lock.ID(), "name", lock.Name(), "rssi", lock.RSSI())
	c.drain()
}

// handleScanStart emits startedScanning on the stopped→scanning edge only.
func (c *Controller) handleScanStart() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.announced {
		c.announced = true
		c.enqueueLocked(Event{Type: EventStartedScanning})
		c.trace("started scanning")
	}
	c.mu.Unlock()
	c.drain()
}

// handleScanStop restarts after the settle delay when scanning is still
// wanted; otherwise it reports the stop.
func (c *Controller) handleScanStop(reason StopReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.desired {
		c.stopSettleTimerLocked()
		c.settleTimer = time.AfterFunc(c.settleDelay, c.resumeScanning)
		c.mu.Unlock()
		c.trace("adapter stopped scanning, restarting", "reason", reason.String(), "delay", c.settleDelay)
		return
	}
	if c.announced {
		c.announced = false
		c.enqueueLocked(Event{Type: EventStoppedScanning})
		c.trace("stopped scanning", "reason", reason.String())
	}
	c.mu.Unlock()
	c.drain()
}

// resumeScanning runs when the settle delay elapses. A StopScanning during
// the delay wins.
func (c *Controller) resumeScanning() {
	c.mu.Lock()
	c.settleTimer = nil
	c.mu.Unlock()

	if err := c.startScanning(true); err != nil && !errors.Is(err, ErrClosed) {
		c.logWarn("failed to resume scanning", "error", err)
	}
}

func (c *Controller) stopSettleTimerLocked() {
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}

func (c *Controller) findLocked(id string) *SmartLock {
	for _, l := range c.smartLocks {
		if l.id == id {
			return l
		}
	}
	return nil
}

// enqueueLocked queues an event behind the state transition that produced
// it. Caller holds c.mu.
func (c *Controller) enqueueLocked(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	c.pending = append(c.pending, e)
}

func (c *Controller) emit(e Event) {
	c.mu.Lock()
	c.enqueueLocked(e)
	c.mu.Unlock()
	c.drain()
}

// drain delivers queued events one at a time. Only one goroutine delivers;
// the others leave their events to it and return, so subscribers see events
// in the order the transitions happened. Events raised from inside a handler
// are delivered after that handler returns. Callers must not hold c.mu.
func (c *Controller) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		e := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		for _, h := range c.bus.handlers(e.Type) {
			c.invoke(h, e)
		}
		c.mu.Lock()
	}
	c.pending = nil
	c.draining = false
	c.mu.Unlock()
}

func (c *Controller) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("event handler panicked", fmt.Errorf("%v", r), "event", string(e.Type))
		}
	}()
	h(e)
}

// trace logs at info level when debug is enabled.
func (c *Controller) trace(msg string, keysAndValues ...any) {
	if !c.debug.Load() {
		return
	}
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Controller) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Controller) logError(msg string, err error, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

func (c *Controller) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
