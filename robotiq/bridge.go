package robotiq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Register layout shared with the bridge program.
const (
	BridgeSeqRegister   = 24 // input: command sequence number
	BridgeCmdRegister   = 25 // input: command code
	BridgeValueRegister = 26 // input: command argument
	BridgeAckRegister   = 24 // output: last executed sequence number
	BridgeBeatRegister  = 25 // output: counter bumped on every bridge loop

	// bridgeBeatWrap keeps the heartbeat counter inside int32.
	bridgeBeatWrap = 1 << 20

	bridgePollPeriod = 10 * time.Millisecond
	// DefaultBeatWindow is how long the heartbeat may stay still before the bridge counts as
	// gone. The bridge loop runs at the controller's 125 Hz, so a live counter moves many
	// times inside it.
	DefaultBeatWindow = 100 * time.Millisecond
)

type bridgeCommand int32

const (
	bridgeActivate bridgeCommand = iota + 1
	bridgeOpen
	bridgeClose
	bridgeMove
	bridgeSetSpeed
	bridgeSetForce
)

// ScriptSender uploads URScript to the controller.
type ScriptSender interface {
	SendScript(script string) error
}

// RegisterReader reads RTDE output integer registers.
type RegisterReader interface {
	OutputIntRegister(n int) (int32, error)
}

// RegisterWriter writes RTDE input integer registers.
type RegisterWriter interface {
	SetInputIntRegister(n int, value int32) error
}

// BridgeGripper drives the gripper through a URScript program running on the controller that
// polls RTDE input registers and forwards each command to the URCap socket. Commands are
// acknowledged by the program echoing the sequence number; completion of the motion itself
// is not observed.
type BridgeGripper struct {
	script ScriptSender
	regs   RegisterReader
	io     RegisterWriter
	logger logging.Logger

	// BeatWindow overrides DefaultBeatWindow.
	BeatWindow time.Duration
}

// NewBridgeGripper wires the bridge to the session's channels.
func NewBridgeGripper(script ScriptSender, regs RegisterReader, io RegisterWriter, logger logging.Logger) *BridgeGripper {
	return &BridgeGripper{script: script, regs: regs, io: io, logger: logger, BeatWindow: DefaultBeatWindow}
}

// BridgeProgram returns the URScript bridge program.
func BridgeProgram() string {
	var sb strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&sb, format+"\n", args...) }
	w("def rq_rtde_bridge():")
	w("  socket_open(\"127.0.0.1\", %d, \"%s\")", DefaultNativePort, scriptSocket)
	w("  last = read_input_integer_register(%d)", BridgeSeqRegister)
	w("  write_output_integer_register(%d, last)", BridgeAckRegister)
	w("  beat = 0")
	w("  while True:")
	w("    seq = read_input_integer_register(%d)", BridgeSeqRegister)
	w("    if seq != last:")
	w("      cmd = read_input_integer_register(%d)", BridgeCmdRegister)
	w("      val = read_input_integer_register(%d)", BridgeValueRegister)
	w("      if cmd == %d:", bridgeActivate)
	w("        socket_set_var(\"ACT\", 0, \"%s\")", scriptSocket)
	w("        socket_set_var(\"ATR\", 0, \"%s\")", scriptSocket)
	w("        socket_set_var(\"ACT\", 1, \"%s\")", scriptSocket)
	w("      elif cmd == %d:", bridgeOpen)
	w("        socket_set_var(\"POS\", 0, \"%s\")", scriptSocket)
	w("        socket_set_var(\"GTO\", 1, \"%s\")", scriptSocket)
	w("      elif cmd == %d:", bridgeClose)
	w("        socket_set_var(\"POS\", %d, \"%s\")", MaxDeviceValue, scriptSocket)
	w("        socket_set_var(\"GTO\", 1, \"%s\")", scriptSocket)
	w("      elif cmd == %d:", bridgeMove)
	w("        socket_set_var(\"POS\", val, \"%s\")", scriptSocket)
	w("        socket_set_var(\"GTO\", 1, \"%s\")", scriptSocket)
	w("      elif cmd == %d:", bridgeSetSpeed)
	w("        socket_set_var(\"SPE\", val, \"%s\")", scriptSocket)
	w("      elif cmd == %d:", bridgeSetForce)
	w("        socket_set_var(\"FOR\", val, \"%s\")", scriptSocket)
	w("      end")
	w("      last = seq")
	w("      write_output_integer_register(%d, seq)", BridgeAckRegister)
	w("    end")
	w("    beat = beat + 1")
	w("    if beat >= %d:", bridgeBeatWrap)
	w("      beat = 0")
	w("    end")
	w("    write_output_integer_register(%d, beat)", BridgeBeatRegister)
	w("    sync()")
	w("  end")
	w("end")
	return sb.String()
}

// IsInstalled reports whether the bridge program is running, judged by its heartbeat
// counter moving within BeatWindow. The register keeps its last value after the program is
// replaced, so a single read cannot tell.
func (g *BridgeGripper) IsInstalled(ctx context.Context) (bool, error) {
	first, err := g.regs.OutputIntRegister(BridgeBeatRegister)
	if err != nil {
		return false, err
	}
	window := g.BeatWindow
	if window <= 0 {
		window = DefaultBeatWindow
	}
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !utils.SelectContextOrWait(ctx, bridgePollPeriod) {
			return false, ctx.Err()
		}
		v, err := g.regs.OutputIntRegister(BridgeBeatRegister)
		if err != nil {
			return false, err
		}
		if v != first {
			return true, nil
		}
	}
	return false, nil
}

// InstallBridge uploads the bridge program unless it is already running, then waits for its
// heartbeat. Any other URScript sent to the controller replaces the bridge, after which this
// uploads it again.
func (g *BridgeGripper) InstallBridge(ctx context.Context) error {
	installed, err := g.IsInstalled(ctx)
	if err != nil {
		return errors.Wrap(err, "read bridge heartbeat")
	}
	if installed {
		g.logger.Debug("robotiq rtde bridge already running")
		return nil
	}
	if err := g.script.SendScript(BridgeProgram()); err != nil {
		return errors.Wrap(err, "upload robotiq rtde bridge")
	}
	for {
		if installed, err = g.IsInstalled(ctx); err != nil {
			return errors.Wrap(err, "waiting for robotiq rtde bridge")
		}
		if installed {
			g.logger.Info("robotiq rtde bridge installed")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "waiting for robotiq rtde bridge")
		}
	}
}

// exec hands one command to the bridge and waits for its acknowledgement.
func (g *BridgeGripper) exec(ctx context.Context, cmd bridgeCommand, value int) error {
	ack, err := g.regs.OutputIntRegister(BridgeAckRegister)
	if err != nil {
		return errors.Wrap(err, "read bridge ack")
	}
	seq := ack + 1
	if err := g.io.SetInputIntRegister(BridgeValueRegister, int32(value)); err != nil {
		return err
	}
	if err := g.io.SetInputIntRegister(BridgeCmdRegister, int32(cmd)); err != nil {
		return err
	}
	if err := g.io.SetInputIntRegister(BridgeSeqRegister, seq); err != nil {
		return err
	}
	for {
		got, err := g.regs.OutputIntRegister(BridgeAckRegister)
		if err != nil {
			return errors.Wrap(err, "read bridge ack")
		}
		if got == seq {
			return nil
		}
		if !utils.SelectContextOrWait(ctx, bridgePollPeriod) {
			return errors.Wrapf(ctx.Err(), "robotiq bridge did not acknowledge command %d", cmd)
		}
	}
}

func (g *BridgeGripper) Activate(ctx context.Context, _ bool) (Status, error) {
	return Status{}, g.exec(ctx, bridgeActivate, 0)
}

func (g *BridgeGripper) withSpeedForce(ctx context.Context, speed, force float64, cmd bridgeCommand, value int) error {
	if err := g.exec(ctx, bridgeSetSpeed, Clamp(speed)); err != nil {
		return err
	}
	if err := g.exec(ctx, bridgeSetForce, Clamp(force)); err != nil {
		return err
	}
	return g.exec(ctx, cmd, value)
}

func (g *BridgeGripper) Open(ctx context.Context, speed, force float64, _ bool) (Status, error) {
	return Status{}, g.withSpeedForce(ctx, speed, force, bridgeOpen, 0)
}

func (g *BridgeGripper) Close(ctx context.Context, speed, force float64, _ bool) (Status, error) {
	return Status{}, g.withSpeedForce(ctx, speed, force, bridgeClose, 0)
}

func (g *BridgeGripper) Move(ctx context.Context, position, speed, force float64, _ bool) (Status, error) {
	return Status{}, g.withSpeedForce(ctx, speed, force, bridgeMove, Clamp(position))
}

func (g *BridgeGripper) SetSpeed(ctx context.Context, speed float64) error {
	return g.exec(ctx, bridgeSetSpeed, Clamp(speed))
}

func (g *BridgeGripper) SetForce(ctx context.Context, force float64) error {
	return g.exec(ctx, bridgeSetForce, Clamp(force))
}

// Disconnect is a no-op: the bridge borrows its channels from the session.
func (g *BridgeGripper) Disconnect() error {
	return nil
}
