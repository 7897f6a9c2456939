package stkboot

import (
	"encoding/binary"
	"time"
)

// simDevice mimics an optiboot bootloader. Every frame written to the
// transport is recorded and answered immediately.
type simDevice struct {
	flash     []byte
	eeprom    []byte
	signature []byte
	major     byte
	minor     byte
	address   uint32

	// noSync answers the next noSync frames with "no sync".
	noSync int
	// alwaysNoSync answers every frame with "no sync".
	alwaysNoSync bool
	// silent never answers.
	silent bool
	// failCommand answers frames starting with this command byte with "in sync, failed".
	failCommand byte
	// corruptReads flips the first byte of every page read.
	corruptReads bool

	frames [][]byte
}

func newSimDevice() *simDevice {
	d := &simDevice{
		flash:     make([]byte, 32*1024),
		eeprom:    make([]byte, 1024),
		signature: []byte{0x1E, 0x95, 0x0F},
		major:     4,
		minor:     4,
	}
	for i := range d.flash {
		d.flash[i] = 0xFF
	}
	for i := range d.eeprom {
		d.eeprom[i] = 0xFF
	}
	return d
}

func (d *simDevice) respond(frame []byte) []byte {
	d.frames = append(d.frames, append([]byte(nil), frame...))
	switch {
	case d.silent:
		return nil
	case d.alwaysNoSync:
		return []byte{RespNoSync}
	case d.noSync > 0:
		d.noSync--
		return []byte{RespNoSync}
	case len(frame) < 2 || frame[len(frame)-1] != endOfCommand:
		return []byte{RespNoSync}
	}
	if d.failCommand != 0 && frame[0] == d.failCommand {
		return []byte{RespInSync, RespFailed}
	}

	ok := []byte{RespInSync, RespOK}
	switch frame[0] {
	case commandGetSync, commandSetDevice, commandEnterProgMode, commandLeaveProgMode:
		return ok
	case commandGetParameter:
		switch frame[1] {
		case ParamSoftwareMajor:
			return []byte{RespInSync, d.major, RespOK}
		case ParamSoftwareMinor:
			return []byte{RespInSync, d.minor, RespOK}
		default:
			return []byte{RespInSync, 0x03, RespOK}
		}
	case commandLoadAddress:
		d.address = uint32(binary.LittleEndian.Uint16(frame[1:])) * 2
		return ok
	case commandProgramPage:
		length := int(binary.BigEndian.Uint16(frame[1:]))
		mem := d.memory(frame[3])
		copy(mem[d.address:], frame[4:4+length])
		return ok
	case commandReadPage:
		length := int(binary.BigEndian.Uint16(frame[1:]))
		mem := d.memory(frame[3])
		out := []byte{RespInSync}
		page := append([]byte(nil), mem[d.address:int(d.address)+length]...)
		if d.corruptReads {
			page[0] ^= 0xFF
		}
		out = append(out, page...)
		return append(out, RespOK)
	case commandReadSignature:
		out := []byte{RespInSync}
		out = append(out, d.signature...)
		return append(out, RespOK)
	}
	return []byte{RespInSync, RespUnknown}
}

func (d *simDevice) memory(tag byte) []byte {
	if tag == 'E' {
		return d.eeprom
	}
	return d.flash
}

// count returns how many recorded frames start with command.
func (d *simDevice) count(command byte) int {
	n := 0
	for _, f := range d.frames {
		if f[0] == command {
			n++
		}
	}
	return n
}

// fakeTransport connects an engine to a simDevice.
type fakeTransport struct {
	device *simDevice
	rx     []byte
	open   bool

	opens   []int
	closes  int
	resets  []bool
	flushes int
	// maxRead limits the bytes returned by one Read.
	maxRead int
}

func newFakeTransport(d *simDevice) *fakeTransport {
	return &fakeTransport{device: d, open: true}
}

func (t *fakeTransport) Open(baud int) error {
	t.opens = append(t.opens, baud)
	t.open = true
	t.rx = nil
	return nil
}

func (t *fakeTransport) Close() error {
	if t.open {
		t.closes++
	}
	t.open = false
	return nil
}

func (t *fakeTransport) IsOpen() bool { return t.open }

func (t *fakeTransport) Read(p []byte, timeout time.Duration) (int, error) {
	if !t.open {
		return 0, ErrNotConnected
	}
	if len(t.rx) == 0 {
		return 0, ErrTimeout
	}
	n := len(p)
	if t.maxRead > 0 && n > t.maxRead {
		n = t.maxRead
	}
	n = copy(p[:n], t.rx)
	t.rx = t.rx[n:]
	return n, nil
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	if !t.open {
		return 0, ErrNotConnected
	}
	t.rx = append(t.rx, t.device.respond(p)...)
	return len(p), nil
}

func (t *fakeTransport) ResetInputBuffer() error {
	t.flushes++
	t.rx = nil
	return nil
}

func (t *fakeTransport) SetResetLine(level bool) error {
	t.resets = append(t.resets, level)
	return nil
}

// testOptions returns options without delays.
func testOptions() Options {
	o := DefaultOptions()
	o.ResetDelay = 0
	o.SettleDelay = 0
	o.SyncRetry.Delay = 0
	o.ReadRetry.Delay = 0
	return o
}
