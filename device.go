package stkboot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// MemoryKind identifies a memory region of a device.
type MemoryKind int

// Memory kinds.
const (
	Flash MemoryKind = iota
	EEPROM
)

func (k MemoryKind) String() string {
	switch k {
	case Flash:
		return "flash"
	case EEPROM:
		return "eeprom"
	default:
		return fmt.Sprintf("memory kind %d", int(k))
	}
}

// Tag returns the memory type byte used in page commands.
func (k MemoryKind) Tag() byte {
	if k == EEPROM {
		return 'E'
	}
	return 'F'
}

// UnmarshalYAML accepts "flash" or "eeprom".
func (k *MemoryKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "flash":
		*k = Flash
	case "eeprom":
		*k = EEPROM
	default:
		return errors.Errorf("invalid memory kind %q", s)
	}
	return nil
}

// MarshalYAML writes the kind by name.
func (k MemoryKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// MemoryRegion describes the geometry of one memory kind.
type MemoryRegion struct {
	Kind     MemoryKind `yaml:"kind"`
	Size     uint32     `yaml:"size"`
	PageSize uint16     `yaml:"page_size"`
	// AppSize is the part of the region an image may use. The rest is
	// reserved for the bootloader. Zero means the whole region.
	AppSize  uint32 `yaml:"app_size"`
	PollVal1 byte   `yaml:"poll_val1"`
	PollVal2 byte   `yaml:"poll_val2"`
	Delay    byte   `yaml:"delay"`
	ReadCmd  []byte `yaml:"read_cmd"`
	WriteCmd []byte `yaml:"write_cmd"`
}

// Usable returns the number of bytes an image may occupy.
func (r MemoryRegion) Usable() uint32 {
	if r.AppSize == 0 {
		return r.Size
	}
	return r.AppSize
}

// maxRegionSize is the reach of the 16-bit word address of LoadAddress.
const maxRegionSize = 0x10000 * 2

// Device holds the programming parameters of one chip.
type Device struct {
	Name           string         `yaml:"name"`
	DeviceCode     byte           `yaml:"device_code"`
	DeviceRevision byte           `yaml:"device_revision"`
	ProgType       byte           `yaml:"prog_type"`
	ParallelMode   byte           `yaml:"parallel_mode"`
	Polling        byte           `yaml:"polling"`
	SelfTimed      byte           `yaml:"self_timed"`
	LockBytes      byte           `yaml:"lock_bytes"`
	FuseBytes      byte           `yaml:"fuse_bytes"`
	Timeout        byte           `yaml:"timeout"`
	StabDelay      byte           `yaml:"stab_delay"`
	CmdExeDelay    byte           `yaml:"cmd_exe_delay"`
	SynchLoops     byte           `yaml:"synch_loops"`
	ByteDelay      byte           `yaml:"byte_delay"`
	PollIndex      byte           `yaml:"poll_index"`
	PollValue      byte           `yaml:"poll_value"`
	Signature      []byte         `yaml:"signature"`
	Regions        []MemoryRegion `yaml:"regions"`
}

// Region returns the region of the given kind.
func (d *Device) Region(kind MemoryKind) (MemoryRegion, bool) {
	for _, r := range d.Regions {
		if r.Kind == kind {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

func (d *Device) validate() error {
	if d.Name == "" {
		return errors.New("device has no name")
	}
	if len(d.Signature) != 3 {
		return errors.Errorf("device %s: signature must be 3 bytes, got %d", d.Name, len(d.Signature))
	}
	seen := map[MemoryKind]bool{}
	for _, r := range d.Regions {
		if seen[r.Kind] {
			return errors.Errorf("device %s: duplicate %s region", d.Name, r.Kind)
		}
		seen[r.Kind] = true
		if r.PageSize == 0 || r.Size == 0 {
			return errors.Errorf("device %s: %s region needs a size and a page size", d.Name, r.Kind)
		}
		if r.Size%uint32(r.PageSize) != 0 {
			return errors.Errorf("device %s: %s size %d is not a multiple of the %d byte page", d.Name, r.Kind, r.Size, r.PageSize)
		}
		if r.Size > maxRegionSize {
			return errors.Errorf("device %s: %s region of %d bytes exceeds the %d bytes reachable by load address",
				d.Name, r.Kind, r.Size, maxRegionSize)
		}
		if r.Kind == EEPROM && r.Size > 0xFFFF {
			return errors.Errorf("device %s: eeprom size %d does not fit the 16-bit size field", d.Name, r.Size)
		}
		if r.AppSize > r.Size {
			return errors.Errorf("device %s: %s application size %d exceeds the region size %d", d.Name, r.Kind, r.AppSize, r.Size)
		}
	}
	if !seen[Flash] {
		return errors.Errorf("device %s: no flash region", d.Name)
	}
	return nil
}

// ATmega328P is the descriptor of the Arduino Uno class chip.
var ATmega328P = Device{
	Name:           "atmega328p",
	DeviceCode:     0x86,
	DeviceRevision: 0,
	ProgType:       0,
	ParallelMode:   1,
	Polling:        1,
	SelfTimed:      1,
	LockBytes:      1,
	FuseBytes:      3,
	Timeout:        200,
	StabDelay:      100,
	CmdExeDelay:    25,
	SynchLoops:     32,
	ByteDelay:      0,
	PollIndex:      3,
	PollValue:      0x53,
	Signature:      []byte{0x1E, 0x95, 0x0F},
	Regions: []MemoryRegion{
		{Kind: Flash, Size: 32 * 1024, PageSize: 128, AppSize: 28 * 1024, PollVal1: 0xFF, PollVal2: 0xFF},
		{Kind: EEPROM, Size: 1024, PageSize: 4, PollVal1: 0xFF, PollVal2: 0xFF},
	},
}

// DeviceTable is a read-only set of known devices, safe for concurrent lookups.
type DeviceTable struct {
	devices map[string]Device
}

// NewDeviceTable builds a table from devices. Names are case-insensitive and must be unique.
func NewDeviceTable(devices ...Device) (*DeviceTable, error) {
	return (&DeviceTable{}).With(devices...)
}

// DefaultDevices returns the table of built-in devices.
func DefaultDevices() *DeviceTable {
	t, err := NewDeviceTable(ATmega328P)
	if err != nil {
		panic(err)
	}
	return t
}

// With returns a new table holding the devices of t plus devices.
func (t *DeviceTable) With(devices ...Device) (*DeviceTable, error) {
	n := &DeviceTable{devices: make(map[string]Device, len(t.devices)+len(devices))}
	for k, v := range t.devices {
		n.devices[k] = v
	}
	for _, d := range devices {
		if err := d.validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(d.Name)
		if _, ok := n.devices[key]; ok {
			return nil, errors.Errorf("duplicate device %s", d.Name)
		}
		n.devices[key] = d
	}
	return n, nil
}

// Lookup returns the device with the given name.
func (t *DeviceTable) Lookup(name string) (*Device, error) {
	d, ok := t.devices[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("unknown device %q, known: %s", name, strings.Join(t.Names(), ", "))
	}
	return &d, nil
}

// Names returns the device names in sorted order.
func (t *DeviceTable) Names() []string {
	names := make([]string, 0, len(t.devices))
	for _, d := range t.devices {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// ParseDevices decodes a YAML list of device descriptors.
func ParseDevices(data []byte) ([]Device, error) {
	var devices []Device
	if err := yaml.UnmarshalStrict(data, &devices); err != nil {
		return nil, errors.Wrap(err, "parse devices")
	}
	return devices, nil
}
