package stkboot

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestCommandGetBytes(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"get sync", NewGetSyncCommand(), []byte{0x30, 0x20}},
		{"get parameter", NewGetParameterCommand(ParamSoftwareMajor), []byte{0x41, 0x81, 0x20}},
		{"enter programming mode", NewEnterProgModeCommand(), []byte{0x50, 0x20}},
		{"leave programming mode", NewLeaveProgModeCommand(), []byte{0x51, 0x20}},
		{"load address", NewLoadAddressCommand(0x1234), []byte{0x55, 0x1A, 0x09, 0x20}},
		{"load address zero", NewLoadAddressCommand(0), []byte{0x55, 0x00, 0x00, 0x20}},
		{"program flash page", NewProgramPageCommand(Flash, []byte{1, 2, 3}), []byte{0x64, 0x00, 0x03, 'F', 1, 2, 3, 0x20}},
		{"program eeprom page", NewProgramPageCommand(EEPROM, []byte{9}), []byte{0x64, 0x00, 0x01, 'E', 9, 0x20}},
		{"read flash page", NewReadPageCommand(Flash, 128), []byte{0x74, 0x00, 0x80, 'F', 0x20}},
		{"read eeprom page", NewReadPageCommand(EEPROM, 0x104), []byte{0x74, 0x01, 0x04, 'E', 0x20}},
		{"read signature", NewReadSignatureCommand(), []byte{0x75, 0x20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.GetBytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("GetBytes() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestNewSetDeviceCommand(t *testing.T) {
	dev := ATmega328P
	cmd, err := NewSetDeviceCommand(&dev)
	if err != nil {
		t.Fatalf("NewSetDeviceCommand() error = %v", err)
	}
	b := cmd.GetBytes()
	if len(b) != 22 {
		t.Fatalf("frame length = %d, want 22", len(b))
	}
	if b[0] != 0x42 || b[21] != 0x20 {
		t.Errorf("frame = % X, want 42 ... 20", b)
	}
	if b[1] != 0x86 {
		t.Errorf("device code = %02X, want 86", b[1])
	}
	if got := binary.BigEndian.Uint16(b[13:]); got != 128 {
		t.Errorf("flash page size = %d, want 128", got)
	}
	if got := binary.BigEndian.Uint16(b[15:]); got != 1024 {
		t.Errorf("eeprom size = %d, want 1024", got)
	}
	if got := binary.BigEndian.Uint32(b[17:]); got != 32*1024 {
		t.Errorf("flash size = %d, want %d", got, 32*1024)
	}
	want := []byte{0x42, 0x86, 0x00, 0x00, 0x01, 0x01, 0x01, 0x01, 0x03, 0xFF, 0xFF, 0xFF, 0xFF,
		0x00, 0x80, 0x04, 0x00, 0x00, 0x00, 0x80, 0x00, 0x20}
	if !bytes.Equal(b, want) {
		t.Errorf("frame = % X\nwant    % X", b, want)
	}
}

func TestNewSetDeviceCommandMissingRegion(t *testing.T) {
	dev := ATmega328P
	dev.Regions = dev.Regions[:1]
	if _, err := NewSetDeviceCommand(&dev); err == nil {
		t.Error("NewSetDeviceCommand() expected error for missing eeprom region")
	}
}

func TestGetResponseCodeString(t *testing.T) {
	if got := GetResponseCodeString(RespNoSync); got != "no sync" {
		t.Errorf("GetResponseCodeString(RespNoSync) = %q", got)
	}
	if got := GetResponseCodeString(0x99); got != "invalid response code" {
		t.Errorf("GetResponseCodeString(0x99) = %q", got)
	}
}
