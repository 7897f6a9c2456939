package stkboot

import "time"

// Progress reports how far a session got through a memory region.
type Progress struct {
	Kind     MemoryKind
	Offset   int
	Total    int
	Fraction float64
}

// ProgressFunc is called from the session goroutine; it should return quickly.
type ProgressFunc func(Progress)

// Options holds the engine and session settings.
type Options struct {
	// Baud rate the bootloader listens on after reset.
	BaudRate int `yaml:"baud_rate"`
	// Timeout of a single transport read.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// Time the reset line is held in each state.
	ResetDelay time.Duration `yaml:"reset_delay"`
	// Time allowed for the port to settle after it is reopened.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// Bounds sync establishment and resends after "no sync".
	SyncRetry RetryPolicy `yaml:"sync_retry"`
	// Bounds reads of multi-byte results such as the signature.
	ReadRetry RetryPolicy `yaml:"read_retry"`
	// If true, the device signature is compared against the descriptor before
	// the device parameters are sent.
	CheckSignature bool `yaml:"check_signature"`
	// If true, written pages are read back and compared before leaving
	// programming mode.
	Verify bool `yaml:"verify"`

	Progress ProgressFunc `yaml:"-"`
}

// DefaultOptions returns the settings used by Arduino Uno class bootloaders.
func DefaultOptions() Options {
	return Options{
		BaudRate:    115200,
		ReadTimeout: time.Second,
		ResetDelay:  250 * time.Millisecond,
		SettleDelay: 250 * time.Millisecond,
		SyncRetry:   RetryPolicy{MaxAttempts: 256, Delay: 20 * time.Millisecond},
		ReadRetry:   RetryPolicy{MaxAttempts: 256, Delay: 20 * time.Millisecond},
	}
}
