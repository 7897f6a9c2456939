package stkboot

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// State is the protocol state of an Engine.
type State int

// Engine states.
const (
	StateDisconnected State = iota
	StateSyncing
	StateInSync
	StateProgramming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSyncing:
		return "syncing"
	case StateInSync:
		return "in sync"
	case StateProgramming:
		return "programming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Engine implements Bootloader over a Transport. It is not safe for
// concurrent use; the protocol is strictly request/response.
type Engine struct {
	transport Transport
	options   Options
	state     State
}

var _ Bootloader = (*Engine)(nil)

// NewEngine creates an engine on an already opened transport.
func NewEngine(t Transport, options Options) *Engine {
	return &Engine{transport: t, options: options}
}

// State returns the current protocol state.
func (e *Engine) State() State {
	return e.state
}

func (e *Engine) fail(err error) error {
	e.state = StateFailed
	return err
}

func (e *Engine) send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := cmd.GetBytes()
	pkgLog.Debugf("send %s: % X", cmd.Name, b)
	n, err := e.transport.Write(b)
	if err != nil {
		return errors.Wrapf(err, "write %s", cmd.Name)
	}
	if n != len(b) {
		return errors.Errorf("write %s: wrote %d of %d bytes", cmd.Name, n, len(b))
	}
	return nil
}

func (e *Engine) receive(ctx context.Context) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var buf [1]byte
	n, err := e.transport.Read(buf[:], e.options.ReadTimeout)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

// receiveN reads up to n bytes, stopping at the first timeout.
func (e *Engine) receiveN(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		if err := ctx.Err(); err != nil {
			return buf[:got], err
		}
		r, err := e.transport.Read(buf[got:], e.options.ReadTimeout)
		got += r
		if err != nil {
			return buf[:got], err
		}
		if r == 0 {
			return buf[:got], ErrTimeout
		}
	}
	return buf, nil
}

// EstablishSync sends GetSync until the device answers "in sync", then waits
// for the trailing OK. Both phases are bounded by Options.SyncRetry.
func (e *Engine) EstablishSync(ctx context.Context) error {
	if e.state != StateProgramming {
		e.state = StateSyncing
	}
	cmd := NewGetSyncCommand()
	var last byte

	n, res, err := e.options.SyncRetry.run(ctx, func(n int) (attempt, error) {
		if n > 0 {
			if err := e.transport.ResetInputBuffer(); err != nil {
				return attemptOK, errors.Wrap(err, "flush input")
			}
		}
		if err := e.send(ctx, cmd); err != nil {
			return attemptOK, err
		}
		b, err := e.receive(ctx)
		if isTimeout(err) {
			return attemptTimedOut, nil
		}
		if err != nil {
			return attemptOK, err
		}
		last = b
		if b == RespInSync {
			return attemptOK, nil
		}
		return attemptNoSync, nil
	})
	if err == nil && res != attemptOK {
		err = res.err()
	}
	if err != nil {
		return e.fail(&ProtocolError{Command: cmd.Name, Attempts: n, Status: last, Err: err})
	}

	n, res, err = e.options.SyncRetry.run(ctx, func(int) (attempt, error) {
		b, err := e.receive(ctx)
		if isTimeout(err) {
			return attemptTimedOut, nil
		}
		if err != nil {
			return attemptOK, err
		}
		last = b
		if b == RespOK {
			return attemptOK, nil
		}
		return attemptUnexpected, nil
	})
	if err == nil && res != attemptOK {
		err = res.err()
	}
	if err != nil {
		return e.fail(&ProtocolError{Command: cmd.Name + " acknowledge", Attempts: n, Status: last, Err: err})
	}

	if e.state != StateProgramming {
		e.state = StateInSync
	}
	pkgLog.Debugf("in sync")
	return nil
}

// sendWithSyncRetry sends cmd and consumes the "in sync" byte that opens the
// response. A "no sync" answer or a timeout re-establishes sync and resends
// the same frame. The caller reads the rest of the response.
func (e *Engine) sendWithSyncRetry(ctx context.Context, cmd Command) error {
	var last byte
	n, res, err := e.options.SyncRetry.run(ctx, func(n int) (attempt, error) {
		if n > 0 {
			pkgLog.Warnf("%s: lost sync, resynchronising", cmd.Name)
			if err := e.EstablishSync(ctx); err != nil {
				return attemptOK, err
			}
		}
		if err := e.send(ctx, cmd); err != nil {
			return attemptOK, err
		}
		b, err := e.receive(ctx)
		if isTimeout(err) {
			return attemptTimedOut, nil
		}
		if err != nil {
			return attemptOK, err
		}
		last = b
		switch b {
		case RespInSync:
			return attemptOK, nil
		case RespNoSync:
			return attemptNoSync, nil
		default:
			return attemptUnexpected, ErrUnexpectedResponse
		}
	})
	if err == nil && res != attemptOK {
		err = res.err()
	}
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return e.fail(err)
		}
		return e.fail(&ProtocolError{Command: cmd.Name, Attempts: n, Status: last, Err: err})
	}
	return nil
}

// receiveStatus reads the status byte that closes a response.
func (e *Engine) receiveStatus(ctx context.Context, cmd Command) error {
	b, err := e.receive(ctx)
	if err != nil {
		return e.fail(&ProtocolError{Command: cmd.Name, Attempts: 1, Err: err})
	}
	pkgLog.Debugf("%s: status %02X", cmd.Name, b)
	switch b {
	case RespOK:
		return nil
	case RespFailed:
		return e.fail(&ProtocolError{Command: cmd.Name, Attempts: 1, Status: b, Err: ErrDeviceFailed})
	case RespNoDevice:
		return e.fail(&ProtocolError{Command: cmd.Name, Attempts: 1, Status: b, Err: ErrNoDevice})
	default:
		return e.fail(&ProtocolError{Command: cmd.Name, Attempts: 1, Status: b, Err: ErrUnexpectedResponse})
	}
}

func (e *Engine) exchange(ctx context.Context, cmd Command) error {
	if err := e.sendWithSyncRetry(ctx, cmd); err != nil {
		return err
	}
	return e.receiveStatus(ctx, cmd)
}

// GetParameter reads a bootloader parameter.
func (e *Engine) GetParameter(ctx context.Context, param byte) (byte, error) {
	cmd := NewGetParameterCommand(param)
	if err := e.sendWithSyncRetry(ctx, cmd); err != nil {
		return 0, err
	}
	value, err := e.receive(ctx)
	if err != nil {
		return 0, e.fail(&ProtocolError{Command: cmd.Name, Attempts: 1, Err: err})
	}
	if err := e.receiveStatus(ctx, cmd); err != nil {
		return 0, err
	}
	pkgLog.Debugf("parameter %02X = %02X", param, value)
	return value, nil
}

// GetVersion reads the bootloader software version.
func (e *Engine) GetVersion(ctx context.Context) (VersionInfo, error) {
	major, err := e.GetParameter(ctx, ParamSoftwareMajor)
	if err != nil {
		return VersionInfo{}, err
	}
	minor, err := e.GetParameter(ctx, ParamSoftwareMinor)
	if err != nil {
		return VersionInfo{}, err
	}
	return VersionInfo{Major: major, Minor: minor}, nil
}

// SetDeviceParameters sends the programming parameters of dev.
func (e *Engine) SetDeviceParameters(ctx context.Context, dev *Device) error {
	cmd, err := NewSetDeviceCommand(dev)
	if err != nil {
		return e.fail(err)
	}
	return e.exchange(ctx, cmd)
}

// EnterProgrammingMode switches the device into programming mode.
func (e *Engine) EnterProgrammingMode(ctx context.Context) error {
	if err := e.exchange(ctx, NewEnterProgModeCommand()); err != nil {
		return err
	}
	e.state = StateProgramming
	return nil
}

// LeaveProgrammingMode leaves programming mode; the bootloader then starts the application.
func (e *Engine) LeaveProgrammingMode(ctx context.Context) error {
	if err := e.exchange(ctx, NewLeaveProgModeCommand()); err != nil {
		return err
	}
	e.state = StateDone
	return nil
}

// LoadAddress sets the address used by the next page command. offset is a
// byte offset into region.
func (e *Engine) LoadAddress(ctx context.Context, region MemoryRegion, offset uint32) error {
	if offset >= region.Size {
		return e.fail(errors.Errorf("%s offset %X outside of %d byte region", region.Kind, offset, region.Size))
	}
	cmd := NewLoadAddressCommand(offset)
	if offset>>1 > 0xFFFF {
		return e.fail(&ProtocolError{
			Command: cmd.Name,
			Err:     errors.Errorf("word address %X does not fit 16 bits", offset>>1),
		})
	}
	return e.exchange(ctx, cmd)
}

// ProgramPage writes one page of region at the address set by LoadAddress.
func (e *Engine) ProgramPage(ctx context.Context, region MemoryRegion, offset uint32, data []byte) error {
	if len(data) == 0 || len(data) > int(region.PageSize) {
		return e.fail(errors.Errorf("%s page at %X: %d bytes does not fit a %d byte page",
			region.Kind, offset, len(data), region.PageSize))
	}
	return e.exchange(ctx, NewProgramPageCommand(region.Kind, data))
}

// ReadPage reads one page of region at the address set by LoadAddress.
func (e *Engine) ReadPage(ctx context.Context, region MemoryRegion) ([]byte, error) {
	cmd := NewReadPageCommand(region.Kind, region.PageSize)
	if err := e.sendWithSyncRetry(ctx, cmd); err != nil {
		return nil, err
	}
	data, err := e.receiveN(ctx, int(region.PageSize))
	if err != nil {
		if isTimeout(err) {
			err = errors.Wrapf(ErrShortRead, "got %d of %d bytes", len(data), region.PageSize)
		}
		return nil, e.fail(&ProtocolError{Command: cmd.Name, Attempts: 1, Err: err})
	}
	if err := e.receiveStatus(ctx, cmd); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadSignature reads the 3 signature bytes of the device.
func (e *Engine) ReadSignature(ctx context.Context) ([]byte, error) {
	cmd := NewReadSignatureCommand()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.transport.ResetInputBuffer(); err != nil {
		return nil, errors.Wrap(err, "flush input")
	}
	if err := e.send(ctx, cmd); err != nil {
		return nil, err
	}

	// Wait for the "in sync" that opens the answer.
	var last byte
	n, res, err := e.options.SyncRetry.run(ctx, func(int) (attempt, error) {
		b, err := e.receive(ctx)
		if err != nil {
			return attemptTimedOut, err
		}
		last = b
		switch b {
		case RespInSync:
			return attemptOK, nil
		case RespNoSync:
			if err := e.EstablishSync(ctx); err != nil {
				return attemptNoSync, err
			}
			return attemptNoSync, e.send(ctx, cmd)
		default:
			return attemptUnexpected, ErrUnexpectedResponse
		}
	})
	if err == nil && res != attemptOK {
		err = res.err()
	}
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return nil, e.fail(err)
		}
		return nil, e.fail(&ProtocolError{Command: cmd.Name, Attempts: n, Status: last, Err: err})
	}

	result := make([]byte, 0, signatureResultLength)
	n, res, err = e.options.ReadRetry.run(ctx, func(int) (attempt, error) {
		chunk, err := e.receiveN(ctx, signatureResultLength-len(result))
		result = append(result, chunk...)
		if len(result) == signatureResultLength {
			return attemptOK, nil
		}
		if err != nil && !isTimeout(err) {
			return attemptTimedOut, err
		}
		return attemptTimedOut, nil
	})
	if err == nil && res != attemptOK {
		err = errors.Wrapf(ErrShortRead, "got %d of %d bytes", len(result), signatureResultLength)
	}
	if err != nil {
		return nil, e.fail(&ProtocolError{Command: cmd.Name, Attempts: n, Err: err})
	}
	if result[3] != RespOK {
		return nil, e.fail(&ProtocolError{Command: cmd.Name, Attempts: 1, Status: result[3], Err: ErrUnexpectedResponse})
	}

	pkgLog.Debugf("signature % X", result[:3])
	return result[:3], nil
}

// CheckSignature reports whether the device signature matches dev.
func (e *Engine) CheckSignature(ctx context.Context, dev *Device) (bool, error) {
	sig, err := e.ReadSignature(ctx)
	if err != nil {
		return false, err
	}
	return bytes.Equal(sig, dev.Signature), nil
}
