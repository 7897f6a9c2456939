package stkboot

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialTransport is a Transport over a serial port. DTR and RTS drive the
// board's reset line.
type SerialTransport struct {
	name string

	mu      sync.Mutex
	port    serial.Port
	timeout time.Duration
}

// NewSerialTransport creates a transport for the named port. The port is
// opened by Open.
func NewSerialTransport(name string) *SerialTransport {
	return &SerialTransport{name: name}
}

// Open opens the port at baud, closing it first if it is already open.
func (t *SerialTransport) Open(baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		// close the stale connection
		if err := t.port.Close(); err != nil {
			pkgLog.Warnf("closing stale port %s: %v", t.name, err)
		}
		t.port = nil
		time.Sleep(100 * time.Millisecond)
	}

	port, err := serial.Open(t.name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return errors.Wrapf(err, "open %s", t.name)
	}
	t.port = port
	t.timeout = serial.NoTimeout

	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	time.Sleep(100 * time.Millisecond)
	return t.port.ResetInputBuffer()
}

// Close releases the port. Closing a closed transport is a no-op.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// IsOpen reports whether the port is open.
func (t *SerialTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

func (t *SerialTransport) get() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotConnected
	}
	return t.port, nil
}

// Read reads into p, waiting at most timeout for the first byte.
func (t *SerialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	port, err := t.readPort(timeout)
	if err != nil {
		return 0, err
	}
	n, err := port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// readPort returns the port with its read timeout set to timeout.
func (t *SerialTransport) readPort(timeout time.Duration) (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotConnected
	}
	if timeout != t.timeout {
		if err := t.port.SetReadTimeout(timeout); err != nil {
			return nil, errors.Wrap(err, "set read timeout")
		}
		t.timeout = timeout
	}
	return t.port, nil
}

// Write writes p to the port.
func (t *SerialTransport) Write(p []byte) (int, error) {
	port, err := t.get()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

// ResetInputBuffer discards buffered input.
func (t *SerialTransport) ResetInputBuffer() error {
	port, err := t.get()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

// SetResetLine drives DTR and RTS. Driving them low resets the board.
func (t *SerialTransport) SetResetLine(level bool) error {
	port, err := t.get()
	if err != nil {
		return err
	}
	if err := port.SetDTR(level); err != nil {
		return errors.Wrap(err, "set DTR")
	}
	return errors.Wrap(port.SetRTS(level), "set RTS")
}

// Ports lists the serial ports of the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
