package h4

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble/hcicmd"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
)

// fakeController answers HCI commands over an in-memory port.
type fakeController struct {
	hostR *io.PipeReader
	ctrlW *io.PipeWriter

	mu      sync.Mutex
	written [][]byte
	status  map[uint16]byte
	silent  bool
}

func newFakeController() *fakeController {
	r, w := io.Pipe()
	return &fakeController{hostR: r, ctrlW: w, status: make(map[uint16]byte)}
}

func (f *fakeController) Read(p []byte) (int, error) { return f.hostR.Read(p) }

func (f *fakeController) Write(p []byte) (int, error) {
	pkt := append([]byte(nil), p...)
	opcode := binary.LittleEndian.Uint16(pkt[1:3])

	f.mu.Lock()
	f.written = append(f.written, pkt)
	status := f.status[opcode]
	silent := f.silent
	f.mu.Unlock()

	if !silent {
		go f.send([]byte{packetEvent, eventCommandComplete, 0x04, 0x01, byte(opcode), byte(opcode >> 8), status})
	}
	return len(p), nil
}

func (f *fakeController) Close() error {
	f.hostR.Close()
	return f.ctrlW.Close()
}

func (f *fakeController) send(pkt []byte) {
	_, _ = f.ctrlW.Write(pkt)
}

func (f *fakeController) setStatus(opcode uint16, status byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[opcode] = status
}

func (f *fakeController) setSilent(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = v
}

func (f *fakeController) commands() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func openTestAdapter(t *testing.T) (*Adapter, *fakeController) {
	t.Helper()
	ctrl := newFakeController()
	a := New(Options{
		PortName:       "/dev/ttyTEST",
		CommandTimeout: 200 * time.Millisecond,
		OpenPort: func(string, int) (Port, error) {
			return ctrl, nil
		},
	})
	t.Cleanup(func() { _ = a.Close() })
	return a, ctrl
}

func TestOpenResetsController(t *testing.T) {
	a, ctrl := openTestAdapter(t)

	var states []discovery.AdapterState
	a.SetOnStateChange(func(s discovery.AdapterState) { states = append(states, s) })

	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if a.State() != discovery.StatePoweredOn {
		t.Errorf("State() = %s, want poweredOn", a.State())
	}

	cmds := ctrl.commands()
	if len(cmds) != 1 || string(cmds[0]) != string(hcicmd.Reset()) {
		t.Errorf("commands = %x, want one reset", cmds)
	}
	if len(states) != 2 || states[0] != discovery.StateResetting || states[1] != discovery.StatePoweredOn {
		t.Errorf("states = %v", states)
	}
}

func TestOpenPortFailure(t *testing.T) {
	a := New(Options{
		PortName: "/dev/missing",
		OpenPort: func(string, int) (Port, error) { return nil, errors.New("no such device") },
	})

	if err := a.Open(); err == nil {
		t.Fatal("Open() error = nil")
	}
	if a.State() != discovery.StateUnsupported {
		t.Errorf("State() = %s, want unsupported", a.State())
	}
}

func TestOpenResetTimeout(t *testing.T) {
	a, ctrl := openTestAdapter(t)
	ctrl.setSilent(true)

	err := a.Open()
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("Open() error = %v, want ErrCommandTimeout", err)
	}
	if a.State() != discovery.StatePoweredOff {
		t.Errorf("State() = %s, want poweredOff", a.State())
	}
}

func TestSetScanParametersWritesPacket(t *testing.T) {
	a, ctrl := openTestAdapter(t)
	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	params := hcicmd.NewScanParameters(true)
	if err := a.SetScanParameters(params); err != nil {
		t.Fatalf("SetScanParameters() error = %v", err)
	}

	cmds := ctrl.commands()
	last := cmds[len(cmds)-1]
	want := []byte{0x01, 0x0b, 0x20, 0x07, 0x01, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}
	if string(last) != string(want) {
		t.Errorf("packet = % x, want % x", last, want)
	}
}

func TestSetScanParametersRejected(t *testing.T) {
	a, ctrl := openTestAdapter(t)
	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctrl.setStatus(hcicmd.OpCode(hcicmd.OGFLEController, hcicmd.OCFLESetScanParameters), 0x0c)

	err := a.SetScanParameters(hcicmd.NewScanParameters(false))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("SetScanParameters() error = %v, want *StatusError", err)
	}
	if se.Status != 0x0c {
		t.Errorf("Status = %#02x, want 0x0c", se.Status)
	}
}

func TestSetScanParametersWhileScanning(t *testing.T) {
	a, ctrl := openTestAdapter(t)
	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.StartScanning(nil, true); err != nil {
		t.Fatalf("StartScanning() error = %v", err)
	}
	if err := a.SetScanParameters(hcicmd.NewScanParameters(true)); err != nil {
		t.Fatalf("SetScanParameters() error = %v", err)
	}

	cmds := ctrl.commands()
	// reset, enable, disable, params, enable
	if len(cmds) != 5 {
		t.Fatalf("got %d commands, want 5", len(cmds))
	}
	if string(cmds[2]) != string(hcicmd.ScanEnable(false, false)) {
		t.Errorf("scan not disabled before parameter write: % x", cmds[2])
	}
	if string(cmds[4]) != string(hcicmd.ScanEnable(true, false)) {
		t.Errorf("scan not re-enabled: % x", cmds[4])
	}
}

func TestStartStopScanning(t *testing.T) {
	a, ctrl := openTestAdapter(t)
	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var starts int
	var reasons []discovery.StopReason
	a.SetOnScanStart(func() { starts++ })
	a.SetOnScanStop(func(r discovery.StopReason) { reasons = append(reasons, r) })

	if err := a.StartScanning(nil, false); err != nil {
		t.Fatalf("StartScanning() error = %v", err)
	}
	if err := a.StartScanning(nil, false); err != nil {
		t.Fatalf("second StartScanning() error = %v", err)
	}
	if err := a.StopScanning(); err != nil {
		t.Fatalf("StopScanning() error = %v", err)
	}
	if err := a.StopScanning(); err != nil {
		t.Fatalf("second StopScanning() error = %v", err)
	}

	if starts != 1 {
		t.Errorf("scan start callbacks = %d, want 1", starts)
	}
	if len(reasons) != 1 || reasons[0] != discovery.StopReasonRequested {
		t.Errorf("stop reasons = %v", reasons)
	}

	cmds := ctrl.commands()
	if string(cmds[1]) != string(hcicmd.ScanEnable(true, true)) {
		t.Errorf("enable packet = % x, want duplicate filtering on", cmds[1])
	}
}

func TestAdvertisementDelivered(t *testing.T) {
	a, ctrl := openTestAdapter(t)
	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	got := make(chan discovery.Advertisement, 1)
	a.SetOnDiscover(func(adv discovery.Advertisement) { got <- adv })

	addr := [6]byte{0x2c, 0x1b, 0x0a, 0x72, 0xd2, 0x54}
	data := append(adStructure(adCompleteName, []byte("Nuki_0A1B2C")), adStructure(adManufacturer, lockBeacon)...)
	go ctrl.send(advReportPacket(advInd, addr, data, -61))

	select {
	case adv := <-got:
		if adv.ID != "54:d2:72:0a:1b:2c" || adv.LocalName != "Nuki_0A1B2C" || adv.RSSI != -61 {
			t.Errorf("advertisement = %+v", adv)
		}
		if string(adv.ManufacturerData) != string(lockBeacon) {
			t.Errorf("ManufacturerData = %x", adv.ManufacturerData)
		}
	case <-time.After(time.Second):
		t.Fatal("advertisement not delivered")
	}
}

func TestPortFailureStopsScan(t *testing.T) {
	a, ctrl := openTestAdapter(t)
	if err := a.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	stopped := make(chan discovery.StopReason, 1)
	a.SetOnScanStop(func(r discovery.StopReason) { stopped <- r })
	if err := a.StartScanning(nil, true); err != nil {
		t.Fatalf("StartScanning() error = %v", err)
	}

	ctrl.ctrlW.CloseWithError(errors.New("uart gone"))

	select {
	case r := <-stopped:
		if r != discovery.StopReasonAdapter {
			t.Errorf("reason = %s, want adapter", r)
		}
	case <-time.After(time.Second):
		t.Fatal("scan stop not reported")
	}
	if a.State() != discovery.StatePoweredOff {
		t.Errorf("State() = %s, want poweredOff", a.State())
	}
}

func TestCommandNotOpen(t *testing.T) {
	a := New(Options{})
	if err := a.StartScanning(nil, true); !errors.Is(err, ErrNotOpen) {
		t.Errorf("StartScanning() error = %v, want ErrNotOpen", err)
	}
}
