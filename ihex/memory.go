package ihex

// FillByte is the value of cells never written by an image (erased flash).
const FillByte = 0xFF

// Cell is one addressable byte of a MemoryBlock.
type Cell struct {
	Offset   int
	Value    byte
	Modified bool
}

// MemoryBlock is a fixed-length byte store that tracks which cells were written.
// The start address registers are only set by start address records.
type MemoryBlock struct {
	CS  uint16
	IP  uint16
	EIP uint32

	cells   []Cell
	highest int
}

// NewMemoryBlock returns a block of size cells, all holding FillByte.
func NewMemoryBlock(size int) *MemoryBlock {
	if size < 0 {
		size = 0
	}
	m := &MemoryBlock{
		cells:   make([]Cell, size),
		highest: -1,
	}
	for i := range m.cells {
		m.cells[i] = Cell{Offset: i, Value: FillByte}
	}
	return m
}

// Size returns the number of cells.
func (m *MemoryBlock) Size() int {
	return len(m.cells)
}

// Cell returns the cell at offset. It panics if offset is out of range.
func (m *MemoryBlock) Cell(offset int) Cell {
	return m.cells[offset]
}

// HighestModifiedOffset returns the highest modified offset, or -1 if no cell was written.
func (m *MemoryBlock) HighestModifiedOffset() int {
	return m.highest
}

// Write stores data at offset and marks the cells modified. Nothing is written
// if any part of data falls outside the block.
func (m *MemoryBlock) Write(offset int, data []byte) error {
	if offset < 0 {
		return &OutOfBoundsError{Position: offset, Limit: len(m.cells)}
	}
	if end := offset + len(data); end > len(m.cells) {
		pos := len(m.cells)
		if offset > pos {
			pos = offset
		}
		return &OutOfBoundsError{Position: pos, Limit: len(m.cells)}
	}
	for i, b := range data {
		c := &m.cells[offset+i]
		c.Value = b
		c.Modified = true
	}
	if last := offset + len(data) - 1; len(data) > 0 && last > m.highest {
		m.highest = last
	}
	return nil
}

// Modified reports whether any cell in [offset, offset+length) was written.
func (m *MemoryBlock) Modified(offset, length int) bool {
	for i := offset; i < offset+length && i < len(m.cells); i++ {
		if i >= 0 && m.cells[i].Modified {
			return true
		}
	}
	return false
}

// Page returns length bytes starting at offset. Cells past the end of the
// block read as FillByte.
func (m *MemoryBlock) Page(offset, length int) []byte {
	page := make([]byte, length)
	for i := range page {
		pos := offset + i
		if pos >= 0 && pos < len(m.cells) {
			page[i] = m.cells[pos].Value
		} else {
			page[i] = FillByte
		}
	}
	return page
}
