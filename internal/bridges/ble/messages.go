package ble

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
)

// Protocol is the protocol identifier carried in every message.
const Protocol = mqtt.ProtocolBLE

// Scanner commands accepted on the command topic.
const (
	CommandStart       = "start"
	CommandStartActive = "start_active"
	CommandStop        = "stop"
	CommandStatus      = "status"
)

// CommandMessage is sent from Core to the bridge to control the scanner.
// Topic: graylogic/command/ble/scanner
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Command is one of "start", "start_active", "stop", "status".
	Command string `json:"command"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source,omitempty"`
}

// UnmarshalJSON accepts upper- or mixed-case command names.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type alias CommandMessage
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = CommandMessage(raw)
	m.Command = strings.ToLower(strings.TrimSpace(m.Command))
	return nil
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was applied to the controller.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be applied.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/ble/scanner
type AckMessage struct {
	CommandID string       `json:"command_id"`
	Timestamp time.Time    `json:"timestamp"`
	Command   string       `json:"command"`
	Status    AckStatus    `json:"status"`
	Protocol  string       `json:"protocol"`
	Address   string       `json:"address"`
	Scanner   *ScannerInfo `json:"scanner,omitempty"`
	Error     *AckError    `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand  = "INVALID_COMMAND"
	ErrCodeAdapterNotReady = "ADAPTER_NOT_READY"
	ErrCodeBridgeError     = "BRIDGE_ERROR"
)

// ScannerInfo is the scanner part of acks and health messages.
type ScannerInfo struct {
	AdapterState string `json:"adapter_state"`
	Ready        bool   `json:"ready"`
	Scanning     bool   `json:"scanning"`
	ActiveMode   bool   `json:"active_mode"`
}

// StateMessage is sent when a lock is discovered or its advertisement
// payload changes.
// Topic: graylogic/state/ble/{lock_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	State     LockState `json:"state"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
}

// LockState is the advertised state of one smart lock.
type LockState struct {
	Name             string    `json:"name,omitempty"`
	RSSI             int       `json:"rssi"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	ConfigFile       string    `json:"config_file"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/ble
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Scanner        *ScannerInfo      `json:"scanner,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	LocksDiscovered  uint64 `json:"locks_discovered"`
	LockUpdates      uint64 `json:"lock_updates"`
	CommandsReceived uint64 `json:"commands_received"`
	Errors           uint64 `json:"errors"`
}

// DiscoveryMessage announces newly discovered locks.
// Topic: graylogic/discovery/ble
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice represents a lock found by the scanner.
type DiscoveredDevice struct {
	Protocol         string   `json:"protocol"`
	Address          string   `json:"address"`
	Type             string   `json:"type"`
	Capabilities     []string `json:"capabilities"`
	SuggestedName    string   `json:"suggested_name,omitempty"`
	RSSI             int      `json:"rssi"`
	ManufacturerData string   `json:"manufacturer_data,omitempty"`
}

// DeviceTypeSmartLock is the type reported for discovered locks.
const DeviceTypeSmartLock = "smart_lock"

// NewAckMessage creates an accepted acknowledgement.
func NewAckMessage(cmd CommandMessage, status discovery.Status) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Command:   cmd.Command,
		Status:    AckAccepted,
		Protocol:  Protocol,
		Address:   mqtt.ScannerAddress,
		Scanner:   newScannerInfo(status),
	}
}

// NewAckError creates a failed acknowledgement.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Command:   cmd.Command,
		Status:    AckFailed,
		Protocol:  Protocol,
		Address:   mqtt.ScannerAddress,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewStateMessage creates a state message from a lock snapshot.
func NewStateMessage(lock *discovery.SmartLock) StateMessage {
	info := lock.Info()
	return StateMessage{
		DeviceID:  info.ID,
		Timestamp: time.Now().UTC(),
		State: LockState{
			Name:             info.Name,
			RSSI:             info.RSSI,
			ManufacturerData: info.ManufacturerData,
			ConfigFile:       lock.ConfigFile(),
			FirstSeen:        info.FirstSeen,
			LastSeen:         info.LastSeen,
		},
		Protocol: Protocol,
		Address:  info.ID,
	}
}

// NewDiscoveryMessage creates a discovery announcement for one lock.
func NewDiscoveryMessage(bridgeID string, lock *discovery.SmartLock) DiscoveryMessage {
	info := lock.Info()
	return DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    bridgeID,
		Devices: []DiscoveredDevice{{
			Protocol:         Protocol,
			Address:          info.ID,
			Type:             DeviceTypeSmartLock,
			Capabilities:     []string{"lock_unlock", "lock_state"},
			SuggestedName:    info.Name,
			RSSI:             info.RSSI,
			ManufacturerData: info.ManufacturerData,
		}},
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, scanner discovery.Status, stats BridgeStatistics, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		Scanner:        newScannerInfo(scanner),
		Statistics:     &stats,
		DevicesManaged: scanner.SmartLocks,
	}
}

func newScannerInfo(s discovery.Status) *ScannerInfo {
	return &ScannerInfo{
		AdapterState: s.State.String(),
		Ready:        s.Ready,
		Scanning:     s.Scanning,
		ActiveMode:   s.ActiveMode,
	}
}

// Topic helpers

var topics mqtt.Topics

// CommandTopic returns the scanner command topic.
// Example: graylogic/command/ble/scanner
func CommandTopic() string {
	return topics.BridgeCommand(Protocol, mqtt.ScannerAddress)
}

// AckTopic returns the scanner acknowledgement topic.
// Example: graylogic/ack/ble/scanner
func AckTopic() string {
	return topics.BridgeAck(Protocol, mqtt.ScannerAddress)
}

// StateTopic returns the retained state topic for a lock.
// Example: graylogic/state/ble/54:d2:72:0a:1b:2c
func StateTopic(lockID string) string {
	return topics.BridgeState(Protocol, EncodeTopicAddress(lockID))
}

// HealthTopic returns the health topic.
func HealthTopic() string {
	return topics.BridgeHealth(Protocol)
}

// DiscoveryTopic returns the discovery topic.
func DiscoveryTopic() string {
	return topics.BridgeDiscovery(Protocol)
}

// EncodeTopicAddress escapes characters that MQTT treats as separators or
// wildcards. MAC-style IDs pass through unchanged.
// Example: "dev/1+" → "dev%2F1%2B"
func EncodeTopicAddress(address string) string {
	var b strings.Builder
	for i := 0; i < len(address); i++ {
		switch c := address[i]; c {
		case '/', '+', '#', '%':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
