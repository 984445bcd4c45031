package hcicmd

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble/linux/hci/cmd"
)

// HCI packet and opcode constants.
const (
	// PacketTypeCommand is the H4 packet indicator for HCI commands.
	PacketTypeCommand = 0x01

	// OGFLEController is the opcode group for LE controller commands.
	OGFLEController = 0x08

	// OCFLESetScanParameters is the opcode field of LE Set Scan Parameters.
	OCFLESetScanParameters = 0x000b

	// OCFLESetScanEnable is the opcode field of LE Set Scan Enable.
	OCFLESetScanEnable = 0x000c

	// OGFHostController is the opcode group for controller & baseband commands.
	OGFHostController = 0x03

	// OCFReset is the opcode field of HCI Reset.
	OCFReset = 0x0003

	// scanParametersLen is the parameter length of LE Set Scan Parameters.
	scanParametersLen = 7

	// headerLen is packet type + opcode + length.
	headerLen = 4
)

// Scan timing in 0.625 ms ticks. 0x0010 = 10 ms.
const (
	DefaultScanInterval = 0x0010
	DefaultScanWindow   = 0x0010
)

// Scan types.
const (
	ScanTypePassive = 0x00
	ScanTypeActive  = 0x01
)

// ScanParametersLen is the full on-the-wire length of the packet.
const ScanParametersLen = headerLen + scanParametersLen

// OpCode combines an opcode group and field the way the HCI header expects.
func OpCode(ogf, ocf uint16) uint16 {
	return ocf | ogf<<10
}

// ScanParameters is an LE Set Scan Parameters command.
//
// It satisfies the go-ble hci.Command interface (OpCode, Len, Marshal),
// so it can be pushed through a host stack's own command path as well as
// written raw via Bytes.
type ScanParameters struct {
	ScanType       uint8
	Interval       uint16
	Window         uint16
	OwnAddressType uint8
	FilterPolicy   uint8
}

// NewScanParameters returns the fixed parameters used by the scanner,
// differing only in scan type.
func NewScanParameters(active bool) ScanParameters {
	p := ScanParameters{
		ScanType: ScanTypePassive,
		Interval: DefaultScanInterval,
		Window:   DefaultScanWindow,
	}
	if active {
		p.ScanType = ScanTypeActive
	}
	return p
}

// Active reports whether the parameters request active scanning.
func (p ScanParameters) Active() bool {
	return p.ScanType == ScanTypeActive
}

// OpCode returns the LE Set Scan Parameters opcode.
func (p ScanParameters) OpCode() int {
	return int(OpCode(OGFLEController, OCFLESetScanParameters))
}

// Len returns the parameter length.
func (p ScanParameters) Len() int {
	return scanParametersLen
}

// Marshal writes the 7 parameter bytes into b.
func (p ScanParameters) Marshal(b []byte) error {
	if len(b) < scanParametersLen {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, scanParametersLen, len(b))
	}
	b[0] = p.ScanType
	binary.LittleEndian.PutUint16(b[1:], p.Interval)
	binary.LittleEndian.PutUint16(b[3:], p.Window)
	b[5] = p.OwnAddressType
	b[6] = p.FilterPolicy
	return nil
}

// Bytes returns the complete command packet, header included.
func (p ScanParameters) Bytes() []byte {
	b := make([]byte, ScanParametersLen)
	putHeader(b, OpCode(OGFLEController, OCFLESetScanParameters), scanParametersLen)
	_ = p.Marshal(b[headerLen:]) //nolint:errcheck // buffer sized above
	return b
}

// Command converts the parameters to go-ble's command type, used with
// ble.OptScanParams and HCI.SetScanParams.
func (p ScanParameters) Command() cmd.LESetScanParameters {
	return cmd.LESetScanParameters{
		LEScanType:           p.ScanType,
		LEScanInterval:       p.Interval,
		LEScanWindow:         p.Window,
		OwnAddressType:       p.OwnAddressType,
		ScanningFilterPolicy: p.FilterPolicy,
	}
}

// String renders the parameters for logs.
func (p ScanParameters) String() string {
	mode := "passive"
	if p.Active() {
		mode = "active"
	}
	return fmt.Sprintf("%s interval=%.2fms window=%.2fms", mode, ticksToMillis(p.Interval), ticksToMillis(p.Window))
}

// ScanEnable returns an LE Set Scan Enable packet.
func ScanEnable(enable, filterDuplicates bool) []byte {
	b := make([]byte, headerLen+2)
	putHeader(b, OpCode(OGFLEController, OCFLESetScanEnable), 2)
	b[4] = boolByte(enable)
	b[5] = boolByte(filterDuplicates)
	return b
}

// Reset returns an HCI Reset packet.
func Reset() []byte {
	b := make([]byte, headerLen)
	putHeader(b, OpCode(OGFHostController, OCFReset), 0)
	return b
}

func putHeader(b []byte, opcode uint16, plen uint8) {
	b[0] = PacketTypeCommand
	binary.LittleEndian.PutUint16(b[1:], opcode)
	b[3] = plen
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func ticksToMillis(t uint16) float64 {
	return float64(t) * 0.625
}
