// Package ihex decodes Intel HEX firmware images into a fixed-size MemoryBlock
// that remembers which cells the image touched.
//
// Parsing is all-or-nothing: a malformed record, a write outside the declared
// memory size or a missing end-of-file record fails the whole image, so a bad
// image never reaches a device.
package ihex

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// RecordType is the type field of an Intel HEX record.
type RecordType byte

// Record types.
const (
	Data                   RecordType = 0x00
	EndOfFile              RecordType = 0x01
	ExtendedSegmentAddress RecordType = 0x02
	StartSegmentAddress    RecordType = 0x03
	ExtendedLinearAddress  RecordType = 0x04
	StartLinearAddress     RecordType = 0x05
)

func (t RecordType) String() string {
	switch t {
	case Data:
		return "data"
	case EndOfFile:
		return "end of file"
	case ExtendedSegmentAddress:
		return "extended segment address"
	case StartSegmentAddress:
		return "start segment address"
	case ExtendedLinearAddress:
		return "extended linear address"
	case StartLinearAddress:
		return "start linear address"
	default:
		return fmt.Sprintf("record type %02X", byte(t))
	}
}

// Record is a single decoded line.
type Record struct {
	ByteCount byte
	Address   uint16
	Type      RecordType
	Data      []byte
	Checksum  byte
}

// ":" + count + address + type + checksum
const minRecordLength = 1 + 2*5

// ParseRecord decodes one record line. Surrounding whitespace is ignored.
func ParseRecord(line string) (*Record, error) {
	line = strings.TrimSpace(line)
	if len(line) < minRecordLength {
		return nil, &FormatError{Record: line, Reason: "record too short"}
	}
	if line[0] != ':' {
		return nil, &FormatError{Record: line, Reason: "missing start code ':'"}
	}

	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return nil, &FormatError{Record: line, Reason: "invalid hex digits"}
	}

	count := int(raw[0])
	if len(raw) != 5+count {
		return nil, &FormatError{
			Record: line,
			Reason: fmt.Sprintf("byte count %d does not match record length %d", count, len(raw)-5),
		}
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return nil, &FormatError{
			Record: line,
			Reason: fmt.Sprintf("bad checksum %02X", raw[len(raw)-1]),
		}
	}

	rec := &Record{
		ByteCount: raw[0],
		Address:   uint16(raw[1])<<8 | uint16(raw[2]),
		Type:      RecordType(raw[3]),
		Data:      raw[4 : 4+count],
		Checksum:  raw[len(raw)-1],
	}
	if rec.Type > StartLinearAddress {
		return nil, &FormatError{Record: line, Reason: "unknown " + rec.Type.String()}
	}
	return rec, nil
}

// check validates the fixed layout each record type requires.
func (r *Record) check() string {
	switch r.Type {
	case EndOfFile:
		switch {
		case r.Address != 0:
			return "address should be zero in end of file record"
		case r.ByteCount != 0:
			return "byte count should be zero in end of file record"
		case r.Checksum != 0xFF:
			return "checksum should be FF in end of file record"
		}
	case ExtendedSegmentAddress, ExtendedLinearAddress:
		if r.ByteCount != 2 {
			return fmt.Sprintf("byte count should be 2 in %s record", r.Type)
		}
	case StartSegmentAddress, StartLinearAddress:
		if r.ByteCount != 4 {
			return fmt.Sprintf("byte count should be 4 in %s record", r.Type)
		}
		if r.Address != 0 {
			return fmt.Sprintf("address should be zero in %s record", r.Type)
		}
	}
	return ""
}
