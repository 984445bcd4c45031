package discovery

import (
	"github.com/nerrad567/gray-logic-ble/internal/ble/hcicmd"
)

// AdapterState mirrors the radio stack's power/readiness state.
type AdapterState int

// Adapter states.
const (
	StateUnknown AdapterState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

var stateNames = map[AdapterState]string{
	StateUnknown:      "unknown",
	StateResetting:    "resetting",
	StateUnsupported:  "unsupported",
	StateUnauthorized: "unauthorized",
	StatePoweredOff:   "poweredOff",
	StatePoweredOn:    "poweredOn",
}

// String returns the radio-stack name of the state (e.g. "poweredOn").
func (s AdapterState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseAdapterState converts a radio-stack state name back to AdapterState.
// Unrecognised names map to StateUnknown.
func ParseAdapterState(name string) AdapterState {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateUnknown
}

// MarshalText implements encoding.TextMarshaler so states render by name
// in JSON payloads.
func (s AdapterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AdapterState) UnmarshalText(text []byte) error {
	*s = ParseAdapterState(string(text))
	return nil
}

// StopReason says why the adapter stopped scanning, when it knows.
type StopReason int

// Stop reasons.
const (
	// StopReasonUnknown is used by adapters that cannot tell.
	StopReasonUnknown StopReason = iota

	// StopReasonRequested follows an explicit StopScanning call.
	StopReasonRequested

	// StopReasonConnection means the controller halted the scan to connect.
	StopReasonConnection

	// StopReasonAdapter covers resets, power loss and transport errors.
	StopReasonAdapter
)

// String returns a short name for logs.
func (r StopReason) String() string {
	switch r {
	case StopReasonRequested:
		return "requested"
	case StopReasonConnection:
		return "connection"
	case StopReasonAdapter:
		return "adapter"
	default:
		return "unknown"
	}
}

// Advertisement is an immutable snapshot of one discovery event.
type Advertisement struct {
	// ID identifies the peripheral within the adapter's discovery session.
	ID string

	// LocalName is the advertised name, empty when absent.
	LocalName string

	// ManufacturerData is the raw manufacturer-specific record, nil when absent.
	ManufacturerData []byte

	// RSSI in dBm.
	RSSI int

	// Connectable is set for connectable advertising PDUs.
	Connectable bool

	// Services lists advertised service UUIDs in string form.
	Services []string
}

// HasManufacturerData reports whether the advertisement carried a
// manufacturer-specific record.
func (a Advertisement) HasManufacturerData() bool {
	return a.ManufacturerData != nil
}

// Adapter is the local BLE radio as seen by the Controller.
//
// Implementations deliver callbacks from their own goroutines. A callback
// set to nil disables delivery.
type Adapter interface {
	// State returns the current power/readiness state.
	State() AdapterState

	// SetOnStateChange registers the state-change callback.
	SetOnStateChange(callback func(AdapterState))

	// SetOnDiscover registers the advertisement callback.
	SetOnDiscover(callback func(Advertisement))

	// SetOnScanStart registers the callback fired when the radio starts scanning.
	SetOnScanStart(callback func())

	// SetOnScanStop registers the callback fired when the radio stops scanning.
	SetOnScanStop(callback func(StopReason))

	// StartScanning begins scanning. An empty service list means no filter.
	StartScanning(serviceUUIDs []string, allowDuplicates bool) error

	// StopScanning asks the radio to stop scanning.
	StopScanning() error

	// SetScanParameters overrides the scan parameters used by the next
	// scan start, through the adapter's own command path.
	SetScanParameters(params hcicmd.ScanParameters) error
}
