package ble

import "errors"

// Domain errors for the BLE bridge package.
var (
	// ErrNoScanner is returned by NewBridge without a scanner.
	ErrNoScanner = errors.New("ble: scanner is required")

	// ErrNoMQTT is returned by NewBridge without an MQTT client.
	ErrNoMQTT = errors.New("ble: MQTT client is required")

	// ErrUnknownCommand is returned for an unsupported scanner command.
	ErrUnknownCommand = errors.New("ble: unknown command")
)
