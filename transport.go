package stkboot

import "time"

// Transport is the byte pipe to the board.
//
// Read returns ErrTimeout when no byte arrives within timeout. Close must be
// safe to call more than once.
type Transport interface {
	Open(baud int) error
	Close() error
	IsOpen() bool
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetResetLine(level bool) error
}
