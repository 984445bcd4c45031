// Package hcicmd encodes the raw HCI command packets used to steer the
// local BLE controller's scanner.
//
// The stock scan APIs of most host stacks only expose active scanning.
// Writing LE Set Scan Parameters ourselves lets Gray Logic scan passively,
// which keeps lock batteries from answering scan requests.
//
// Packet layout (H4 framing, Bluetooth Core Vol 2, Part E, 7.8.10):
//
//	0      packet type (0x01, command)
//	1..2   opcode, little-endian: OCF | OGF<<10
//	3      parameter length (7)
//	4      scan type (0 passive, 1 active)
//	5..6   scan interval, 0.625 ms ticks
//	7..8   scan window, 0.625 ms ticks
//	9      own address type (0 public)
//	10     scanning filter policy (0 accept all)
package hcicmd
