package ihex

import (
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Memory converts the modified cells into gohex data segments, one segment per
// contiguous run. Unmodified cells are left out.
func (m *MemoryBlock) Memory() (*gohex.Memory, error) {
	mem := gohex.NewMemory()
	if m.EIP != 0 {
		mem.SetStartAddress(m.EIP)
	}

	start := -1
	for i := 0; i <= len(m.cells); i++ {
		modified := i < len(m.cells) && m.cells[i].Modified
		switch {
		case modified && start < 0:
			start = i
		case !modified && start >= 0:
			if err := mem.AddBinary(uint32(start), m.Page(start, i-start)); err != nil {
				return nil, errors.Wrapf(err, "ihex: add segment at %X", start)
			}
			start = -1
		}
	}
	return mem, nil
}

// DumpIntelHex writes the modified cells as an Intel HEX image.
func (m *MemoryBlock) DumpIntelHex(w io.Writer, lineLength byte) error {
	mem, err := m.Memory()
	if err != nil {
		return err
	}
	return mem.DumpIntelHex(w, lineLength)
}
