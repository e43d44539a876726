package robotiq

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Robotiq 2F Modbus RTU defaults.
const (
	DefaultSerialBaudRate = 115200
	DefaultSlaveID        = 9

	outputRegisterBase = 0x03E8
	inputRegisterBase  = 0x07D0

	rACT = 0x01
	rGTO = 0x08

	serialReadTimeout = 500 * time.Millisecond
	serialPollPeriod  = 20 * time.Millisecond
)

// ErrPortClosed is returned by calls made after Disconnect.
var ErrPortClosed = errors.New("robotiq: serial port closed")

// Port is the part of serial.Port the gripper needs.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// SerialGripper drives a gripper wired to the host over RS-485 with Modbus RTU.
type SerialGripper struct {
	port   Port
	slave  byte
	logger logging.Logger

	mu    sync.Mutex
	speed int
	force int
}

// OpenSerial opens portName at 115200 8N1.
func OpenSerial(portName string, logger logging.Logger) (*SerialGripper, error) {
	mode := &serial.Mode{
		BaudRate: DefaultSerialBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", portName)
	}
	if err := p.SetReadTimeout(serialPollPeriod); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "set serial read timeout")
	}
	return NewSerialGripper(p, DefaultSlaveID, logger), nil
}

// NewSerialGripper wraps an open port.
func NewSerialGripper(port Port, slave byte, logger logging.Logger) *SerialGripper {
	return &SerialGripper{port: port, slave: slave, logger: logger, speed: MaxDeviceValue, force: MaxDeviceValue}
}

func (g *SerialGripper) writeOutputs(action byte, position, speed, force int) error {
	regs := []uint16{
		uint16(action) << 8,
		uint16(position),
		uint16(speed)<<8 | uint16(force),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.port == nil {
		return ErrPortClosed
	}
	_ = g.port.ResetInputBuffer()
	if _, err := g.port.Write(writeRegistersRequest(g.slave, outputRegisterBase, regs)); err != nil {
		return errors.Wrap(err, "write gripper registers")
	}
	_, err := readResponse(g.port, g.slave, fcWriteMultipleRegisters, func(byte) int { return 4 }, serialReadTimeout)
	return errors.Wrap(err, "write gripper registers")
}

type serialState struct {
	activated bool
	gtoSet    bool
	sta       int
	status    Status
	echo      int
}

func (g *SerialGripper) readState() (serialState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.port == nil {
		return serialState{}, ErrPortClosed
	}
	_ = g.port.ResetInputBuffer()
	if _, err := g.port.Write(readInputRegistersRequest(g.slave, inputRegisterBase, 3)); err != nil {
		return serialState{}, errors.Wrap(err, "read gripper status")
	}
	frame, err := readResponse(g.port, g.slave, fcReadInputRegisters,
		func(count byte) int { return 1 + int(count) }, serialReadTimeout)
	if err != nil {
		return serialState{}, errors.Wrap(err, "read gripper status")
	}
	if len(frame) < 3+6 {
		return serialState{}, errors.Errorf("gripper status frame too short (%d bytes)", len(frame))
	}
	b := frame[3:]
	return serialState{
		activated: b[0]&0x01 != 0,
		gtoSet:    b[0]&0x08 != 0,
		sta:       int(b[0]>>4) & 0x03,
		echo:      int(b[3]),
		status: Status{
			Object:   ObjectStatus(b[0] >> 6),
			Fault:    FaultCode(b[2] & 0x0F),
			Position: int(b[4]),
			Reported: true,
		},
	}, nil
}

// Status reads the gripper status registers without commanding anything.
func (g *SerialGripper) Status() (Status, error) {
	st, err := g.readState()
	return st.status, err
}

func (g *SerialGripper) waitState(ctx context.Context, what string, cond func(serialState) bool) (serialState, error) {
	for {
		st, err := g.readState()
		if err != nil {
			return st, err
		}
		if st.status.Fault != NoFault {
			return st, nil
		}
		if cond(st) {
			return st, nil
		}
		if !utils.SelectContextOrWait(ctx, serialPollPeriod) {
			return st, errors.Wrapf(ctx.Err(), "waiting for gripper %s", what)
		}
	}
}

func (g *SerialGripper) Activate(ctx context.Context, _ bool) (Status, error) {
	if err := g.writeOutputs(0, 0, 0, 0); err != nil {
		return Status{}, err
	}
	if err := g.writeOutputs(rACT, 0, 0, 0); err != nil {
		return Status{}, err
	}
	st, err := g.waitState(ctx, "activation", func(s serialState) bool { return s.sta == statusActive })
	return st.status, err
}

func (g *SerialGripper) move(ctx context.Context, pos, speed, force int, wait bool) (Status, error) {
	g.mu.Lock()
	g.speed, g.force = speed, force
	g.mu.Unlock()
	if err := g.writeOutputs(rACT|rGTO, pos, speed, force); err != nil {
		return Status{}, err
	}
	if !wait {
		st, err := g.readState()
		return st.status, err
	}
	st, err := g.waitState(ctx, "motion", func(s serialState) bool {
		return s.echo == pos && s.status.Object != Moving
	})
	return st.status, err
}

func (g *SerialGripper) Open(ctx context.Context, speed, force float64, wait bool) (Status, error) {
	return g.move(ctx, 0, Clamp(speed), Clamp(force), wait)
}

func (g *SerialGripper) Close(ctx context.Context, speed, force float64, wait bool) (Status, error) {
	return g.move(ctx, MaxDeviceValue, Clamp(speed), Clamp(force), wait)
}

func (g *SerialGripper) Move(ctx context.Context, position, speed, force float64, wait bool) (Status, error) {
	return g.move(ctx, Clamp(position), Clamp(speed), Clamp(force), wait)
}

// SetSpeed records the speed for later moves. Modbus writes always carry position, speed and
// force together, so nothing is sent until the next move.
func (g *SerialGripper) SetSpeed(_ context.Context, speed float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speed = Clamp(speed)
	return nil
}

func (g *SerialGripper) SetForce(_ context.Context, force float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.force = Clamp(force)
	return nil
}

// Settings returns the speed and force used by the last move or setter.
func (g *SerialGripper) Settings() (speed, force int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speed, g.force
}

func (g *SerialGripper) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.port == nil {
		return nil
	}
	err := g.port.Close()
	g.port = nil
	return err
}
