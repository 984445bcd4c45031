package ble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ble/internal/journal"
)

const (
	// journalTimeout bounds a single journal write.
	journalTimeout = 2 * time.Second

	// DefaultBridgeID identifies this bridge in health and discovery messages.
	DefaultBridgeID = "ble"
)

// Bridge connects the discovery controller to the MQTT bus. It handles:
//   - Publishing lock discovery and retained lock state
//   - Scanner commands from Core, with acknowledgements
//   - Health reporting, sighting metrics and the discovery journal
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id        string
	scanner   Scanner
	mqtt      MQTTClient
	metrics   MetricsWriter
	journal   journal.Repository
	health    *HealthReporter
	autoStart bool
	active    bool

	unsubscribe func()
	started     atomic.Bool
	stopped     atomic.Bool

	stats struct {
		locksDiscovered  atomic.Uint64
		lockUpdates      atomic.Uint64
		commandsReceived atomic.Uint64
		errors           atomic.Uint64
	}

	// Bridge-level context, cancelled on Stop; bounds journal writes.
	ctx       context.Context
	ctxCancel context.CancelFunc
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the structured logging interface used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Scanner is the part of *discovery.Controller the bridge drives.
type Scanner interface {
	SubscribeAll(handler discovery.Handler) func()
	Status() discovery.Status
	StartScanning() error
	StartActiveScanning() error
	StopScanning() error
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// MetricsWriter records time-series data. *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteSighting(s influxdb.Sighting)
	WriteScannerState(adapterState string, scanning bool, locks int)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// ID names the bridge in messages. Defaults to "ble".
	ID string

	// Version is reported in health messages.
	Version string

	// Scanner is the discovery controller. Required.
	Scanner Scanner

	// MQTTClient is the MQTT client implementation. Required.
	MQTTClient MQTTClient

	// Metrics is optional; nil disables sighting metrics.
	Metrics MetricsWriter

	// Journal is optional; nil disables the discovery journal.
	Journal journal.Repository

	// AutoStart starts scanning whenever the adapter becomes ready.
	AutoStart bool

	// ActiveMode selects active scanning for bridge-initiated starts.
	ActiveMode bool

	// HealthInterval is how often health is published. Default 30s.
	HealthInterval time.Duration

	Logger Logger
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Scanner == nil {
		return nil, ErrNoScanner
	}
	if opts.MQTTClient == nil {
		return nil, ErrNoMQTT
	}

	id := opts.ID
	if id == "" {
		id = DefaultBridgeID
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:        id,
		scanner:   opts.Scanner,
		mqtt:      opts.MQTTClient,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		autoStart: opts.AutoStart,
		active:    opts.ActiveMode,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  id,
		Version:   version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    opts.Scanner,
		Stats:     b.Statistics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to controller events and scanner commands, starts
// health reporting and, with AutoStart, begins scanning if the adapter is
// already ready.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.unsubscribe = b.scanner.SubscribeAll(b.handleEvent)

	commandTopic := CommandTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		b.unsubscribe()
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)

	if b.autoStart && b.scanner.Status().Ready {
		b.autoStartScanning()
	}

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}

	b.logInfo("bridge started", "bridge_id", b.id, "auto_start", b.autoStart, "active", b.active)
	return nil
}

// Stop detaches from the controller and publishes a final health status.
// Scanning is left as it is; closing the controller is the caller's job.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		b.ctxCancel()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// Statistics returns the bridge counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		LocksDiscovered:  b.stats.locksDiscovered.Load(),
		LockUpdates:      b.stats.lockUpdates.Load(),
		CommandsReceived: b.stats.commandsReceived.Load(),
		Errors:           b.stats.errors.Load(),
	}
}

// handleEvent runs on the controller's dispatch path.
func (b *Bridge) handleEvent(e discovery.Event) {
	if b.stopped.Load() {
		return
	}

	switch e.Type {
	case discovery.EventState:
		b.record(journal.ActionAdapterState, "", map[string]any{"state": e.State.String()})
		b.writeScannerState()
		b.publishHealth()

	case discovery.EventReadyToScan:
		// A scan the adapter dropped while powered off is still wanted; the
		// controller keeps its mode, so a plain start resumes it.
		if b.scanner.Status().Desired {
			if err := b.scanner.StartScanning(); err != nil {
				b.stats.errors.Add(1)
				b.logError("resume after power on failed", err)
			}
			return
		}
		if b.autoStart {
			b.autoStartScanning()
		}

	case discovery.EventStartedScanning, discovery.EventStoppedScanning:
		action := journal.ActionScanStarted
		if e.Type == discovery.EventStoppedScanning {
			action = journal.ActionScanStopped
		}
		b.record(action, "", map[string]any{"active": b.scanner.Status().ActiveMode})
		b.writeScannerState()
		b.publishHealth()

	case discovery.EventSmartLockDiscovered:
		b.stats.locksDiscovered.Add(1)
		b.publishDiscovery(e.SmartLock)
		b.publishState(e.SmartLock)
		b.writeSighting(e.SmartLock)
		b.record(journal.ActionLockDiscovered, e.SmartLock.ID(), lockDetails(e.SmartLock))

	case discovery.EventSmartLockUpdated:
		b.stats.lockUpdates.Add(1)
		b.publishState(e.SmartLock)
		b.writeSighting(e.SmartLock)
		b.record(journal.ActionLockUpdated, e.SmartLock.ID(), lockDetails(e.SmartLock))
	}
}

func (b *Bridge) autoStartScanning() {
	start := b.scanner.StartScanning
	if b.active {
		start = b.scanner.StartActiveScanning
	}
	if err := start(); err != nil {
		b.stats.errors.Add(1)
		b.logError("auto start failed", err)
		return
	}
	b.logInfo("scanning started", "active", b.active, "source", journal.SourceController)
}

// handleMQTTMessage routes incoming MQTT messages.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	if topic != CommandTopic() {
		b.logError("unexpected topic", fmt.Errorf("topic: %s", topic))
		return
	}
	b.handleCommand(payload)
}

// handleCommand applies a scanner command from Core and acknowledges it.
func (b *Bridge) handleCommand(payload []byte) {
	b.stats.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.stats.errors.Add(1)
		b.logError("failed to parse command", err)
		b.publishAck(NewAckError(cmd, ErrCodeInvalidCommand, "payload is not a command message"))
		return
	}

	b.logInfo("received command", "command_id", cmd.ID, "command", cmd.Command, "source", cmd.Source)

	if err := b.executeCommand(cmd.Command); err != nil {
		b.stats.errors.Add(1)
		b.publishAck(NewAckError(cmd, errorCode(err), err.Error()))
		b.logError("command failed", err, "command_id", cmd.ID, "command", cmd.Command)
		return
	}

	b.publishAck(NewAckMessage(cmd, b.scanner.Status()))
}

// executeCommand maps a command name onto the controller.
func (b *Bridge) executeCommand(command string) error {
	switch command {
	case CommandStart:
		return b.scanner.StartScanning()
	case CommandStartActive:
		return b.scanner.StartActiveScanning()
	case CommandStop:
		return b.scanner.StopScanning()
	case CommandStatus:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, discovery.ErrAdapterNotReady):
		return ErrCodeAdapterNotReady
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	b.publishJSON(AckTopic(), ack, false)
}

func (b *Bridge) publishState(lock *discovery.SmartLock) {
	b.publishJSON(StateTopic(lock.ID()), NewStateMessage(lock), true)
}

func (b *Bridge) publishDiscovery(lock *discovery.SmartLock) {
	b.publishJSON(DiscoveryTopic(), NewDiscoveryMessage(b.id, lock), false)
}

func (b *Bridge) publishHealth() {
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.stats.errors.Add(1)
		b.logError("failed to marshal message", err, "topic", topic)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.stats.errors.Add(1)
		b.logError("failed to publish", err, "topic", topic)
	}
}

func (b *Bridge) writeSighting(lock *discovery.SmartLock) {
	if b.metrics == nil {
		return
	}
	b.metrics.WriteSighting(influxdb.Sighting{
		LockID:     lock.ID(),
		Name:       lock.Name(),
		RSSI:       lock.RSSI(),
		PayloadLen: len(lock.ManufacturerData()),
		Time:       lock.LastSeen(),
	})
}

func (b *Bridge) writeScannerState() {
	if b.metrics == nil {
		return
	}
	s := b.scanner.Status()
	b.metrics.WriteScannerState(s.State.String(), s.Scanning, s.SmartLocks)
}

// record appends a journal entry. Failures are logged, never returned.
func (b *Bridge) record(action, lockID string, details map[string]any) {
	if b.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, journalTimeout)
	defer cancel()

	entry := &journal.Entry{
		Action:  action,
		LockID:  lockID,
		Source:  journal.SourceController,
		Details: details,
	}
	if err := b.journal.Create(ctx, entry); err != nil {
		b.stats.errors.Add(1)
		b.logError("failed to write journal", err, "action", action)
	}
}

func lockDetails(lock *discovery.SmartLock) map[string]any {
	info := lock.Info()
	details := map[string]any{
		"rssi":  info.RSSI,
		"index": info.Index,
	}
	if info.Name != "" {
		details["name"] = info.Name
	}
	if info.ManufacturerData != "" {
		details["manufacturer_data"] = info.ManufacturerData
	}
	return details
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
