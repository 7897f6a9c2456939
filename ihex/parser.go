package ihex

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ParseFile reads and parses the Intel HEX file at path.
func ParseFile(path string, memorySize int) (*MemoryBlock, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ParseReader(file, memorySize)
}

// ParseReader parses an Intel HEX image read line by line from r.
func ParseReader(r io.Reader, memorySize int) (*MemoryBlock, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "ihex: read image")
	}
	return Parse(lines, memorySize)
}

// Parse folds the records in lines into a MemoryBlock of memorySize cells.
// Blank lines are skipped. The image must contain exactly one end of file
// record, but it does not have to be the last line.
func Parse(lines []string, memorySize int) (*MemoryBlock, error) {
	if len(lines) == 0 {
		return nil, errors.New("ihex: hex contents can not be empty")
	}
	if memorySize <= 0 {
		return nil, errors.Errorf("ihex: memory size must be greater than zero, got %d", memorySize)
	}

	mem := NewMemoryBlock(memorySize)
	baseAddress := 0
	seenEOF := false

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			if fe, ok := err.(*FormatError); ok {
				fe.Line = i + 1
			}
			return nil, err
		}
		if reason := rec.check(); reason != "" {
			return nil, &FormatError{Line: i + 1, Record: strings.TrimSpace(line), Reason: reason}
		}

		switch rec.Type {
		case Data:
			if err := mem.Write(int(rec.Address)+baseAddress, rec.Data); err != nil {
				return nil, err
			}
		case EndOfFile:
			if seenEOF {
				return nil, &FormatError{Line: i + 1, Record: strings.TrimSpace(line), Reason: "duplicate end of file record"}
			}
			seenEOF = true
		case ExtendedSegmentAddress:
			baseAddress = (int(rec.Data[0])<<8 | int(rec.Data[1])) << 4
		case ExtendedLinearAddress:
			baseAddress = (int(rec.Data[0])<<8 | int(rec.Data[1])) << 16
		case StartSegmentAddress:
			mem.CS = uint16(rec.Data[0])<<8 | uint16(rec.Data[1])
			mem.IP = uint16(rec.Data[2])<<8 | uint16(rec.Data[3])
		case StartLinearAddress:
			mem.EIP = uint32(rec.Data[0])<<24 | uint32(rec.Data[1])<<16 | uint32(rec.Data[2])<<8 | uint32(rec.Data[3])
		}
	}

	if !seenEOF {
		return nil, ErrNoEndOfFile
	}
	return mem, nil
}
