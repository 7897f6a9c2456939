// Package stkboot implements the STK500 (version 1) serial bootloader protocol
// used by Arduino-class AVR boards.
//
// The package contains three main components: Transport, Engine and Programmer.
// Transport is the byte pipe to the board (the serial implementation toggles
// DTR to reset it). Engine speaks the bootloader commands over a Transport and
// implements the Bootloader interface. Programmer runs a complete programming
// session: it resets the board, synchronises, sets the device parameters from a
// Device descriptor and writes the pages of an image parsed by the ihex package.
//
// Also included is a command line tool, found in the cmd/stkboot directory,
// that uploads HEX files to boards and dumps their memories.
package stkboot

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// The Bootloader interface allows low-level interaction with the bootloader.
// Every call is a single request/response exchange; for complete programming
// sessions use a Programmer.
type Bootloader interface {
	EstablishSync(ctx context.Context) error
	GetParameter(ctx context.Context, param byte) (byte, error)
	SetDeviceParameters(ctx context.Context, dev *Device) error
	EnterProgrammingMode(ctx context.Context) error
	LeaveProgrammingMode(ctx context.Context) error
	LoadAddress(ctx context.Context, region MemoryRegion, offset uint32) error
	ProgramPage(ctx context.Context, region MemoryRegion, offset uint32, data []byte) error
	ReadPage(ctx context.Context, region MemoryRegion) ([]byte, error)
	ReadSignature(ctx context.Context) ([]byte, error)
	CheckSignature(ctx context.Context, dev *Device) (bool, error)
	State() State
}

// VersionInfo holds the bootloader software version.
type VersionInfo struct {
	Major, Minor byte
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

const (
	commandGetSync        = 0x30
	commandGetParameter   = 0x41
	commandSetDevice      = 0x42
	commandEnterProgMode  = 0x50
	commandLeaveProgMode  = 0x51
	commandLoadAddress    = 0x55
	commandProgramPage    = 0x64
	commandReadPage       = 0x74
	commandReadSignature  = 0x75
	endOfCommand          = 0x20
	setDeviceFrameLength  = 22
	signatureResultLength = 4
)

// Response codes.
const (
	RespOK       = 0x10
	RespFailed   = 0x11
	RespUnknown  = 0x12
	RespNoDevice = 0x13
	RespInSync   = 0x14
	RespNoSync   = 0x15
)

// Parameters for GetParameter.
const (
	ParamSoftwareMajor = 0x81
	ParamSoftwareMinor = 0x82
)

// GetResponseCodeString returns the string representation of a bootloader response code.
func GetResponseCodeString(code byte) string {
	switch code {
	case RespOK:
		return "ok"
	case RespFailed:
		return "failed"
	case RespUnknown:
		return "unknown"
	case RespNoDevice:
		return "no device"
	case RespInSync:
		return "in sync"
	case RespNoSync:
		return "no sync"
	default:
		return "invalid response code"
	}
}

// Command is a single request frame.
type Command struct {
	Name    string
	Command byte
	Data    []byte
}

// GetBytes returns the frame: command byte, payload and end of command marker.
func (c Command) GetBytes() []byte {
	b := make([]byte, 0, len(c.Data)+2)
	b = append(b, c.Command)
	b = append(b, c.Data...)
	return append(b, endOfCommand)
}

// NewGetSyncCommand returns the representation of the GetSync command.
func NewGetSyncCommand() Command {
	return Command{Name: "get sync", Command: commandGetSync}
}

// NewGetParameterCommand returns the representation of the GetParameter command.
func NewGetParameterCommand(param byte) Command {
	return Command{
		Name:    fmt.Sprintf("get parameter %02X", param),
		Command: commandGetParameter,
		Data:    []byte{param},
	}
}

// NewSetDeviceCommand returns the representation of the SetDevice command for dev.
// Sizes are big endian.
func NewSetDeviceCommand(dev *Device) (Command, error) {
	flash, ok := dev.Region(Flash)
	if !ok {
		return Command{}, errors.Errorf("device %s has no flash region", dev.Name)
	}
	eeprom, ok := dev.Region(EEPROM)
	if !ok {
		return Command{}, errors.Errorf("device %s has no eeprom region", dev.Name)
	}

	data := make([]byte, setDeviceFrameLength-2)
	data[0] = dev.DeviceCode
	data[1] = dev.DeviceRevision
	data[2] = dev.ProgType
	data[3] = dev.ParallelMode
	data[4] = dev.Polling
	data[5] = dev.SelfTimed
	data[6] = dev.LockBytes
	data[7] = dev.FuseBytes
	data[8] = flash.PollVal1
	data[9] = flash.PollVal2
	data[10] = eeprom.PollVal1
	data[11] = eeprom.PollVal2
	binary.BigEndian.PutUint16(data[12:], flash.PageSize)
	binary.BigEndian.PutUint16(data[14:], uint16(eeprom.Size))
	binary.BigEndian.PutUint32(data[16:], flash.Size)

	return Command{Name: "set device", Command: commandSetDevice, Data: data}, nil
}

// NewEnterProgModeCommand returns the representation of the EnterProgMode command.
func NewEnterProgModeCommand() Command {
	return Command{Name: "enter programming mode", Command: commandEnterProgMode}
}

// NewLeaveProgModeCommand returns the representation of the LeaveProgMode command.
func NewLeaveProgModeCommand() Command {
	return Command{Name: "leave programming mode", Command: commandLeaveProgMode}
}

// NewLoadAddressCommand returns the representation of the LoadAddress command.
// The byte offset is sent as a little endian word address.
func NewLoadAddressCommand(offset uint32) Command {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, uint16(offset>>1))
	return Command{
		Name:    fmt.Sprintf("load address %X", offset),
		Command: commandLoadAddress,
		Data:    data,
	}
}

// NewProgramPageCommand returns the representation of the ProgramPage command.
func NewProgramPageCommand(kind MemoryKind, page []byte) Command {
	data := make([]byte, 3, 3+len(page))
	binary.BigEndian.PutUint16(data, uint16(len(page)))
	data[2] = kind.Tag()
	data = append(data, page...)
	return Command{Name: "program " + kind.String() + " page", Command: commandProgramPage, Data: data}
}

// NewReadPageCommand returns the representation of the ReadPage command.
func NewReadPageCommand(kind MemoryKind, length uint16) Command {
	data := make([]byte, 3)
	binary.BigEndian.PutUint16(data, length)
	data[2] = kind.Tag()
	return Command{Name: "read " + kind.String() + " page", Command: commandReadPage, Data: data}
}

// NewReadSignatureCommand returns the representation of the ReadSignature command.
func NewReadSignatureCommand() Command {
	return Command{Name: "read signature", Command: commandReadSignature}
}
