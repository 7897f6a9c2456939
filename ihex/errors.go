package ihex

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoEndOfFile is returned when an image contains no end of file record.
var ErrNoEndOfFile = errors.New("ihex: no end of file record found")

// FormatError reports a structurally invalid record.
type FormatError struct {
	// Line is the 1-based line number, 0 when unknown.
	Line   int
	Record string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ihex: line %d: %s: %q", e.Line, e.Reason, e.Record)
	}
	return fmt.Sprintf("ihex: %s: %q", e.Reason, e.Record)
}

// OutOfBoundsError reports a data record that would write past the declared memory size.
type OutOfBoundsError struct {
	Position int
	Limit    int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("ihex: trying to write to position %d outside of memory boundaries (%d)", e.Position, e.Limit)
}
