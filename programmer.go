package stkboot

import (
	"bytes"
	"context"

	"github.com/avrtools/stkboot/ihex"
	"github.com/pkg/errors"
)

// Image is the firmware to program. EEPROM may be nil.
type Image struct {
	Flash  *ihex.MemoryBlock
	EEPROM *ihex.MemoryBlock
}

// Result describes what a session did. It is returned on every path, also
// together with an error, so a partially programmed device can be reported.
type Result struct {
	Version      VersionInfo
	Signature    []byte
	PagesWritten int
	PagesSkipped int
	BytesWritten int
}

// Programmer runs complete programming sessions on a board.
type Programmer struct {
	transport Transport
	device    *Device
	options   Options
}

// NewProgrammer creates a programmer for dev. The transport has to be opened
// by the caller; every session closes it when it ends.
func NewProgrammer(t Transport, dev *Device, options Options) *Programmer {
	return &Programmer{
		transport: t,
		device:    dev,
		options:   options,
	}
}

// Program resets the board and writes every page of img that holds at least one
// modified cell. The image is checked against the device geometry before any
// byte is sent.
func (p *Programmer) Program(ctx context.Context, img Image) (*Result, error) {
	res := &Result{}
	if img.Flash == nil {
		return res, errors.New("image has no flash contents")
	}
	if err := p.checkImage(Flash, img.Flash); err != nil {
		return res, err
	}
	if img.EEPROM != nil {
		if err := p.checkImage(EEPROM, img.EEPROM); err != nil {
			return res, err
		}
	}

	err := p.session(ctx, res, func(ctx context.Context, b *Engine) error {
		return p.withProgrammingMode(ctx, b, func() error {
			if err := p.writeRegion(ctx, b, Flash, img.Flash, res); err != nil {
				return err
			}
			if img.EEPROM != nil {
				if err := p.writeRegion(ctx, b, EEPROM, img.EEPROM, res); err != nil {
					return err
				}
			}
			if !p.options.Verify {
				return nil
			}
			pkgLog.Infof("verifying...")
			if err := p.verifyRegion(ctx, b, Flash, img.Flash); err != nil {
				return err
			}
			if img.EEPROM != nil {
				return p.verifyRegion(ctx, b, EEPROM, img.EEPROM)
			}
			return nil
		})
	})
	if err != nil {
		return res, err
	}
	pkgLog.Infof("%d pages written, %d skipped", res.PagesWritten, res.PagesSkipped)
	return res, nil
}

// Read resets the board and reads the whole region of the given kind.
func (p *Programmer) Read(ctx context.Context, kind MemoryKind) ([]byte, *Result, error) {
	res := &Result{}
	region, ok := p.device.Region(kind)
	if !ok {
		return nil, res, errors.Errorf("device %s has no %s region", p.device.Name, kind)
	}

	data := make([]byte, 0, region.Size)
	err := p.session(ctx, res, func(ctx context.Context, b *Engine) error {
		return p.withProgrammingMode(ctx, b, func() error {
			for offset := 0; offset < int(region.Size); offset += int(region.PageSize) {
				p.reportProgress(kind, offset, int(region.Size))
				page, err := readPage(ctx, b, region, offset)
				if err != nil {
					return err
				}
				data = append(data, page...)
			}
			p.reportProgress(kind, int(region.Size), int(region.Size))
			return nil
		})
	})
	if err != nil {
		return nil, res, err
	}
	return data, res, nil
}

// Identify resets the board, reads the bootloader version and the device
// signature. It does not enter programming mode.
func (p *Programmer) Identify(ctx context.Context) (*Result, error) {
	res := &Result{}
	err := p.session(ctx, res, func(ctx context.Context, b *Engine) error {
		if res.Signature != nil {
			return nil
		}
		sig, err := b.ReadSignature(ctx)
		if err != nil {
			return err
		}
		res.Signature = sig
		return nil
	})
	return res, err
}

func (p *Programmer) checkImage(kind MemoryKind, mem *ihex.MemoryBlock) error {
	region, ok := p.device.Region(kind)
	if !ok {
		return errors.Errorf("device %s has no %s region", p.device.Name, kind)
	}
	if last := mem.HighestModifiedOffset(); last >= int(region.Usable()) {
		return errors.Errorf("%s image ends at %X, device %s has %d usable bytes", kind, last, p.device.Name, region.Usable())
	}
	return nil
}

// session resets the board, reconnects at the programming baud rate,
// synchronises and reads the bootloader version before running fn. The
// transport is closed on every path.
func (p *Programmer) session(ctx context.Context, res *Result, fn func(context.Context, *Engine) error) (err error) {
	if !p.transport.IsOpen() {
		return ErrNotConnected
	}
	defer func() {
		if cerr := p.transport.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "release transport")
		}
	}()

	pkgLog.Infof("resetting device...")
	if err := p.reset(ctx); err != nil {
		return errors.Wrap(err, "reset device")
	}

	pkgLog.Infof("reconnecting at %d baud...", p.options.BaudRate)
	if err := p.transport.Open(p.options.BaudRate); err != nil {
		return errors.Wrap(err, "reopen transport")
	}
	if err := sleep(ctx, p.options.SettleDelay); err != nil {
		return err
	}

	b := NewEngine(p.transport, p.options)

	// The bootloader wants sync confirmed twice before anything else.
	pkgLog.Infof("establishing sync...")
	for i := 0; i < 2; i++ {
		if err := b.EstablishSync(ctx); err != nil {
			return err
		}
	}

	res.Version, err = b.GetVersion(ctx)
	if err != nil {
		return err
	}
	pkgLog.Infof("bootloader version %s", res.Version)

	if p.options.CheckSignature {
		pkgLog.Infof("checking device signature...")
		sig, err := b.ReadSignature(ctx)
		if err != nil {
			return err
		}
		res.Signature = sig
		if !bytes.Equal(sig, p.device.Signature) {
			return &DeviceMismatchError{Device: p.device.Name, Expected: p.device.Signature, Actual: sig}
		}
	}

	return fn(ctx, b)
}

// reset drops and raises the reset line so the board re-enters its bootloader.
func (p *Programmer) reset(ctx context.Context) error {
	if err := p.transport.SetResetLine(false); err != nil {
		return err
	}
	if err := sleep(ctx, p.options.ResetDelay); err != nil {
		return err
	}
	if err := p.transport.SetResetLine(true); err != nil {
		return err
	}
	return sleep(ctx, p.options.ResetDelay)
}

func (p *Programmer) withProgrammingMode(ctx context.Context, b *Engine, fn func() error) error {
	pkgLog.Infof("initializing device %s...", p.device.Name)
	if err := b.SetDeviceParameters(ctx, p.device); err != nil {
		return err
	}
	pkgLog.Infof("entering programming mode...")
	if err := b.EnterProgrammingMode(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	pkgLog.Infof("leaving programming mode...")
	return b.LeaveProgrammingMode(ctx)
}

// writeRegion programs every page of mem up to its highest modified cell.
// Pages without a modified cell are skipped and cause no traffic.
func (p *Programmer) writeRegion(ctx context.Context, b Bootloader, kind MemoryKind, mem *ihex.MemoryBlock, res *Result) error {
	region, ok := p.device.Region(kind)
	if !ok {
		return errors.Errorf("device %s has no %s region", p.device.Name, kind)
	}
	size := mem.HighestModifiedOffset() + 1
	pageSize := int(region.PageSize)
	pkgLog.Debugf("writing %d %s bytes in %d byte pages", size, kind, pageSize)

	for offset := 0; offset < size; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return &PageError{Kind: kind, Offset: offset, Err: err}
		}
		p.reportProgress(kind, offset, size)

		if !mem.Modified(offset, pageSize) {
			pkgLog.Debugf("skipping %s page at %X", kind, offset)
			res.PagesSkipped++
			continue
		}
		page := mem.Page(offset, pageSize)
		if err := b.LoadAddress(ctx, region, uint32(offset)); err != nil {
			return &PageError{Kind: kind, Offset: offset, Err: err}
		}
		if err := b.ProgramPage(ctx, region, uint32(offset), page); err != nil {
			return &PageError{Kind: kind, Offset: offset, Err: err}
		}
		res.PagesWritten++
		res.BytesWritten += len(page)
	}
	p.reportProgress(kind, size, size)
	return nil
}

// verifyRegion reads back every page holding a modified cell and compares the
// modified cells.
func (p *Programmer) verifyRegion(ctx context.Context, b Bootloader, kind MemoryKind, mem *ihex.MemoryBlock) error {
	region, _ := p.device.Region(kind)
	size := mem.HighestModifiedOffset() + 1
	pageSize := int(region.PageSize)

	for offset := 0; offset < size; offset += pageSize {
		if !mem.Modified(offset, pageSize) {
			continue
		}
		data, err := readPage(ctx, b, region, offset)
		if err != nil {
			return err
		}
		for i := range data {
			addr := offset + i
			if addr >= mem.Size() {
				break
			}
			c := mem.Cell(addr)
			if c.Modified && c.Value != data[i] {
				return &VerifyError{Kind: kind, Address: addr, Expected: c.Value, Actual: data[i]}
			}
		}
	}
	return nil
}

func readPage(ctx context.Context, b Bootloader, region MemoryRegion, offset int) ([]byte, error) {
	if err := b.LoadAddress(ctx, region, uint32(offset)); err != nil {
		return nil, &PageError{Kind: region.Kind, Offset: offset, Err: err}
	}
	data, err := b.ReadPage(ctx, region)
	if err != nil {
		return nil, &PageError{Kind: region.Kind, Offset: offset, Err: err}
	}
	return data, nil
}

func (p *Programmer) reportProgress(kind MemoryKind, offset, total int) {
	if p.options.Progress == nil || total <= 0 {
		return
	}
	if offset > total {
		offset = total
	}
	p.options.Progress(Progress{
		Kind:     kind,
		Offset:   offset,
		Total:    total,
		Fraction: float64(offset) / float64(total),
	})
}
