package mqtt

import "strings"

// Topic layout is graylogic/{category}/{protocol}/{address}. The service
// status topic sits outside it at graylogic/system/status.
const (
	topicRoot = "graylogic"

	// ProtocolBLE is the protocol segment this service owns.
	ProtocolBLE = "ble"

	// ScannerAddress addresses the scanner itself rather than a lock.
	ScannerAddress = "scanner"
)

// Topics builds bridge topic names.
//
//	Topics{}.BridgeState(ProtocolBLE, "54:d2:72:0a:1b:2c") // graylogic/state/ble/54:d2:72:0a:1b:2c
type Topics struct{}

// BridgeState is where retained per-lock state is published.
func (Topics) BridgeState(protocol, address string) string {
	return topic("state", protocol, address)
}

// BridgeCommand is where commands for address arrive.
func (Topics) BridgeCommand(protocol, address string) string {
	return topic("command", protocol, address)
}

// BridgeAck carries replies to commands received on BridgeCommand.
func (Topics) BridgeAck(protocol, address string) string {
	return topic("ack", protocol, address)
}

func (Topics) BridgeHealth(protocol string) string {
	return topic("health", protocol)
}

func (Topics) BridgeDiscovery(protocol string) string {
	return topic("discovery", protocol)
}

// SystemStatus carries the retained online/offline status and the LWT.
func (Topics) SystemStatus() string {
	return topic("system", "status")
}

func topic(segments ...string) string {
	return topicRoot + "/" + strings.Join(segments, "/")
}
