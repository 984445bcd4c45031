package h4

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// H4 packet indicators.
const (
	packetACL     = 0x02
	packetSCO     = 0x03
	packetEvent   = 0x04
)

// HCI event codes.
const (
	eventCommandComplete = 0x0e
	eventCommandStatus   = 0x0f
	eventLEMeta          = 0x3e

	subeventAdvertisingReport = 0x02
)

// Advertising data types.
const (
	adIncomplete16   = 0x02
	adComplete16     = 0x03
	adIncomplete128  = 0x06
	adComplete128    = 0x07
	adShortName      = 0x08
	adCompleteName   = 0x09
	adManufacturer   = 0xff
	addrLen          = 6
	reportFixedBytes = 1 + 1 + addrLen + 1 // event type, addr type, addr, data len
)

// Advertising report event types.
const (
	advInd       = 0x00
	advDirectInd = 0x01
)

// ErrMalformed is returned for packets that do not parse.
var ErrMalformed = errors.New("h4: malformed packet")

// Event is one HCI event packet.
type Event struct {
	Code   byte
	Params []byte
}

// readEvent reads H4 packets until an event arrives. ACL and SCO packets are
// skipped.
func readEvent(r *bufio.Reader) (Event, error) {
	for {
		kind, err := r.ReadByte()
		if err != nil {
			return Event{}, err
		}

		switch kind {
		case packetEvent:
			var hdr [2]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return Event{}, err
			}
			params := make([]byte, hdr[1])
			if _, err := io.ReadFull(r, params); err != nil {
				return Event{}, err
			}
			return Event{Code: hdr[0], Params: params}, nil

		case packetACL:
			var hdr [4]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return Event{}, err
			}
			if _, err := r.Discard(int(binary.LittleEndian.Uint16(hdr[2:]))); err != nil {
				return Event{}, err
			}

		case packetSCO:
			var hdr [3]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return Event{}, err
			}
			if _, err := r.Discard(int(hdr[2])); err != nil {
				return Event{}, err
			}

		default:
			// Line noise; resynchronise on the next byte.
		}
	}
}

// commandComplete decodes a Command Complete or Command Status event into
// the opcode it answers and the controller's status byte.
func commandComplete(ev Event) (opcode uint16, status byte, err error) {
	switch ev.Code {
	case eventCommandComplete:
		// num packets, opcode, return parameters (status first)
		if len(ev.Params) < 4 {
			return 0, 0, fmt.Errorf("%w: command complete too short", ErrMalformed)
		}
		return binary.LittleEndian.Uint16(ev.Params[1:3]), ev.Params[3], nil
	case eventCommandStatus:
		// status, num packets, opcode
		if len(ev.Params) < 4 {
			return 0, 0, fmt.Errorf("%w: command status too short", ErrMalformed)
		}
		return binary.LittleEndian.Uint16(ev.Params[2:4]), ev.Params[0], nil
	default:
		return 0, 0, fmt.Errorf("%w: event %#02x is not a command response", ErrMalformed, ev.Code)
	}
}

// AdvertisingReport is one entry of an LE Advertising Report event.
type AdvertisingReport struct {
	EventType byte
	AddrType  byte
	Addr      [addrLen]byte
	Data      []byte
	RSSI      int8
}

// Address renders the device address the way the rest of the stack
// prints it: most significant byte first, lower case.
func (r AdvertisingReport) Address() string {
	var sb strings.Builder
	for i := addrLen - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02x", r.Addr[i])
		if i > 0 {
			sb.WriteByte(':')
		}
	}
	return sb.String()
}

// Connectable reports whether the PDU was ADV_IND or ADV_DIRECT_IND.
func (r AdvertisingReport) Connectable() bool {
	return r.EventType == advInd || r.EventType == advDirectInd
}

// advertisingReports decodes an LE Meta event carrying advertising reports.
// It returns nil, nil for other LE subevents.
func advertisingReports(ev Event) ([]AdvertisingReport, error) {
	if ev.Code != eventLEMeta || len(ev.Params) < 2 || ev.Params[0] != subeventAdvertisingReport {
		return nil, nil
	}

	n := int(ev.Params[1])
	buf := ev.Params[2:]
	reports := make([]AdvertisingReport, 0, n)
	for i := 0; i < n; i++ {
		if len(buf) < reportFixedBytes {
			return nil, fmt.Errorf("%w: advertising report %d truncated", ErrMalformed, i)
		}
		var rep AdvertisingReport
		rep.EventType = buf[0]
		rep.AddrType = buf[1]
		copy(rep.Addr[:], buf[2:2+addrLen])
		dataLen := int(buf[2+addrLen])
		buf = buf[reportFixedBytes:]

		if len(buf) < dataLen+1 {
			return nil, fmt.Errorf("%w: advertising data %d truncated", ErrMalformed, i)
		}
		rep.Data = append([]byte(nil), buf[:dataLen]...)
		rep.RSSI = int8(buf[dataLen])
		buf = buf[dataLen+1:]

		reports = append(reports, rep)
	}
	return reports, nil
}

// adFields holds the advertising data fields the scanner cares about.
type adFields struct {
	Name             string
	ManufacturerData []byte
	Services         []string
}

// parseAD walks the length-type-value structures of advertising data.
// A malformed tail is ignored; fields decoded before it are kept.
func parseAD(data []byte) adFields {
	var f adFields
	for len(data) > 0 {
		l := int(data[0])
		if l == 0 || l >= len(data) {
			break
		}
		typ, val := data[1], data[2:l+1]
		data = data[l+1:]

		switch typ {
		case adShortName:
			if f.Name == "" {
				f.Name = string(val)
			}
		case adCompleteName:
			f.Name = string(val)
		case adManufacturer:
			f.ManufacturerData = append([]byte(nil), val...)
		case adIncomplete16, adComplete16:
			for i := 0; i+2 <= len(val); i += 2 {
				f.Services = append(f.Services, fmt.Sprintf("%04x", binary.LittleEndian.Uint16(val[i:])))
			}
		case adIncomplete128, adComplete128:
			for i := 0; i+16 <= len(val); i += 16 {
				if id, err := uuid.FromBytes(reversed(val[i : i+16])); err == nil {
					f.Services = append(f.Services, id.String())
				}
			}
		}
	}
	return f
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
