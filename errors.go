package stkboot

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned by a Transport when no byte arrived within the read timeout.
	// The engine treats it as recoverable until its retry budget is spent.
	ErrTimeout = errors.New("transport timeout")

	// ErrSyncLost means the device answered "no sync".
	ErrSyncLost = errors.New("device reported no sync")

	// ErrNotConnected is returned when a session starts on a closed transport.
	ErrNotConnected = errors.New("transport not connected")

	// ErrDeviceFailed means the device answered with the "failed" status.
	ErrDeviceFailed = errors.New("device reported failure")

	// ErrNoDevice means the device answered with the "no device" status.
	ErrNoDevice = errors.New("device reported no device")

	// ErrUnexpectedResponse means the device answered with a byte the command does not allow.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrShortRead means fewer bytes than requested arrived.
	ErrShortRead = errors.New("short read")
)

// ProtocolError is a fatal protocol failure. Err holds the underlying cause,
// one of the sentinels above or a transport error.
type ProtocolError struct {
	Command  string
	Attempts int
	Status   byte
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Command)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (last response 0x%02X: %s)", e.Status, GetResponseCodeString(e.Status))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DeviceMismatchError means the connected device reported a signature other
// than the one of the selected descriptor.
type DeviceMismatchError struct {
	Device   string
	Expected []byte
	Actual   []byte
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("device mismatch: %s expects signature % X, device has % X", e.Device, e.Expected, e.Actual)
}

// PageError names the page at which a programming session stopped. Pages
// before it were already written; the device is left partially programmed.
type PageError struct {
	Kind   MemoryKind
	Offset int
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s page at %X: %v", e.Kind, e.Offset, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// VerifyError reports the first byte read back from the device that differs from the image.
type VerifyError struct {
	Kind     MemoryKind
	Address  int
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s mismatch at %X, expected %02X read %02X", e.Kind, e.Address, e.Expected, e.Actual)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
