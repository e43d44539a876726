package ur_rtde

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ur_rtde/robotiq"
)

// DefaultGripperTimeout bounds a gripper command when the request leaves Timeout at zero.
const DefaultGripperTimeout = 5 * time.Second

// RobotiqBackend selects the transport a gripper command travels over.
type RobotiqBackend int

const (
	// BackendNative talks to the URCap's ASCII socket on the controller.
	BackendNative RobotiqBackend = iota
	// BackendRTDEBridge drives a bridge program through the session's RTDE registers.
	BackendRTDEBridge
	// BackendURScript sends one-shot URScript programs to the secondary interface.
	BackendURScript
	// BackendSerial speaks Modbus RTU to a gripper wired to this host.
	BackendSerial
)

var backendNames = map[RobotiqBackend]string{
	BackendNative:     "native",
	BackendRTDEBridge: "rtde_bridge",
	BackendURScript:   "urscript",
	BackendSerial:     "serial",
}

func (b RobotiqBackend) String() string {
	if n, ok := backendNames[b]; ok {
		return n
	}
	return fmt.Sprintf("RobotiqBackend(%d)", int(b))
}

// ParseRobotiqBackend parses the names returned by RobotiqBackend.String. The empty string is
// the native backend.
func ParseRobotiqBackend(name string) (RobotiqBackend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return BackendNative, nil
	}
	for b, n := range backendNames {
		if n == name {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown gripper backend %q", name)
}

// RobotiqRequest carries the parameters of one gripper command. Position, Speed and Force are
// on the device scale 0..255 and are clamped before dispatch.
type RobotiqRequest struct {
	Backend       RobotiqBackend
	Position      float64
	Speed         float64
	Force         float64
	WaitForMotion bool
	AutoCalibrate bool
	Timeout       time.Duration
	InstallBridge bool
	// Port overrides the backend's default controller port.
	Port int
	// SerialPort is the device path for BackendSerial.
	SerialPort string
}

// GripperResult is the normalized outcome of a gripper command.
type GripperResult struct {
	OK      bool
	Message string
	Status  robotiq.Status
}

// ClampToDevice maps v onto the gripper's 0..255 scale. NaN and infinities become 0.
func ClampToDevice(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Max(0, math.Min(robotiq.MaxDeviceValue, v))
}

// gripperAction is one row of the action table: what to send and how to describe it.
type gripperAction struct {
	run  func(ctx context.Context, g robotiq.Gripper, req RobotiqRequest) (robotiq.Status, error)
	verb func(req RobotiqRequest) string
	// sent describes the action for transports that cannot read the gripper back.
	sent func(req RobotiqRequest) string
}

func setterStatus(err error) (robotiq.Status, error) {
	return robotiq.Status{}, err
}

var gripperActions = map[robotiq.Action]gripperAction{
	robotiq.ActionActivate: {
		run: func(ctx context.Context, g robotiq.Gripper, req RobotiqRequest) (robotiq.Status, error) {
			return g.Activate(ctx, req.AutoCalibrate)
		},
		verb: func(RobotiqRequest) string { return "activated" },
		sent: func(RobotiqRequest) string { return "Robotiq activated" },
	},
	robotiq.ActionOpen: {
		run: func(ctx context.Context, g robotiq.Gripper, req RobotiqRequest) (robotiq.Status, error) {
			return g.Open(ctx, req.Speed, req.Force, req.WaitForMotion)
		},
		verb: func(RobotiqRequest) string { return "open" },
		sent: func(RobotiqRequest) string { return "Open sent" },
	},
	robotiq.ActionClose: {
		run: func(ctx context.Context, g robotiq.Gripper, req RobotiqRequest) (robotiq.Status, error) {
			return g.Close(ctx, req.Speed, req.Force, req.WaitForMotion)
		},
		verb: func(RobotiqRequest) string { return "close" },
		sent: func(RobotiqRequest) string { return "Close sent" },
	},
	robotiq.ActionMove: {
		run: func(ctx context.Context, g robotiq.Gripper, req RobotiqRequest) (robotiq.Status, error) {
			return g.Move(ctx, req.Position, req.Speed, req.Force, req.WaitForMotion)
		},
		verb: func(req RobotiqRequest) string { return fmt.Sprintf("move to %.0f", req.Position) },
		sent: func(req RobotiqRequest) string { return fmt.Sprintf("Move %.0f sent", req.Position) },
	},
	robotiq.ActionSetSpeed: {
		run: func(ctx context.Context, g robotiq.Gripper, req RobotiqRequest) (robotiq.Status, error) {
			return setterStatus(g.SetSpeed(ctx, req.Speed))
		},
		verb: func(req RobotiqRequest) string { return fmt.Sprintf("speed %.0f", req.Speed) },
		sent: func(req RobotiqRequest) string { return fmt.Sprintf("Speed %.0f sent", req.Speed) },
	},
	robotiq.ActionSetForce: {
		run: func(ctx context.Context, g robotiq.Gripper, req RobotiqRequest) (robotiq.Status, error) {
			return setterStatus(g.SetForce(ctx, req.Force))
		},
		verb: func(req RobotiqRequest) string { return fmt.Sprintf("force %.0f", req.Force) },
		sent: func(req RobotiqRequest) string { return fmt.Sprintf("Force %.0f sent", req.Force) },
	},
}

// gripperTransport is one column of the table: how a backend opens its gripper for a single
// command. release is always called once the command is done.
type gripperTransport struct {
	label string
	open  func(ctx context.Context, s *Session, req RobotiqRequest) (g robotiq.Gripper, release func(), err error)
}

var gripperTransports = map[RobotiqBackend]gripperTransport{
	BackendNative:     {label: "native", open: openNativeGripper},
	BackendRTDEBridge: {label: "RTDE bridge", open: openBridgeGripper},
	BackendURScript:   {label: "URScript", open: openScriptGripper},
	BackendSerial:     {label: "serial", open: openSerialGripper},
}

func portOr(port, def int) int {
	if port > 0 {
		return port
	}
	return def
}

func disconnectOnRelease(s *Session, g robotiq.Gripper) func() {
	return func() {
		if err := g.Disconnect(); err != nil {
			s.logger.Debugf("closing gripper transport: %v", err)
		}
	}
}

type gripperCalibration struct {
	open, closed int
}

// openNativeGripper dials a fresh socket per command. Limits learned by an earlier
// AutoCalibrate are restored on it and any new ones are kept on release.
func openNativeGripper(ctx context.Context, s *Session, req RobotiqRequest) (robotiq.Gripper, func(), error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(portOr(req.Port, robotiq.DefaultNativePort)))
	g, err := robotiq.DialNative(ctx, addr, s.logger)
	if err != nil {
		return nil, nil, err
	}
	g.SetUnit(robotiq.Position, robotiq.UnitDevice)
	g.SetUnit(robotiq.Speed, robotiq.UnitDevice)
	g.SetUnit(robotiq.Force, robotiq.UnitDevice)

	s.calMu.Lock()
	cal, ok := s.calibrations[addr]
	s.calMu.Unlock()
	if ok {
		g.SetCalibration(cal.open, cal.closed)
	}

	disconnect := disconnectOnRelease(s, g)
	return g, func() {
		if g.Calibrated() {
			open, closed := g.Calibration()
			s.calMu.Lock()
			if s.calibrations == nil {
				s.calibrations = map[string]gripperCalibration{}
			}
			s.calibrations[addr] = gripperCalibration{open: open, closed: closed}
			s.calMu.Unlock()
		}
		disconnect()
	}, nil
}

func openScriptGripper(ctx context.Context, s *Session, req RobotiqRequest) (robotiq.Gripper, func(), error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(portOr(req.Port, robotiq.DefaultScriptPort)))
	g, err := robotiq.DialScript(ctx, addr, s.logger)
	if err != nil {
		return nil, nil, err
	}
	return g, disconnectOnRelease(s, g), nil
}

func openSerialGripper(_ context.Context, s *Session, req RobotiqRequest) (robotiq.Gripper, func(), error) {
	if req.SerialPort == "" {
		return nil, nil, errors.New("serial backend needs a serial port")
	}
	g, err := robotiq.OpenSerial(req.SerialPort, s.logger)
	if err != nil {
		return nil, nil, err
	}
	return g, disconnectOnRelease(s, g), nil
}

// openBridgeGripper borrows the session's control and receive channels and its IO channel,
// opening the IO channel if no digital output has done so yet. The controller gives the input
// registers to one RTDE client only, so the bridge and SetStandardDigitalOut must share it.
func openBridgeGripper(ctx context.Context, s *Session, req RobotiqRequest) (robotiq.Gripper, func(), error) {
	s.mu.Lock()
	s.chMu.RLock()
	control, receive := s.control, s.receive
	s.chMu.RUnlock()
	if control == nil || receive == nil {
		s.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	io, err := s.ioChannel()
	s.mu.Unlock()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open io channel to %s", s.host)
	}
	g := robotiq.NewBridgeGripper(lockedScript{s}, receive, io, s.logger)
	if req.InstallBridge {
		if err := g.InstallBridge(ctx); err != nil {
			return nil, nil, err
		}
	}
	return g, func() {}, nil
}

// lockedScript uploads the bridge program under the command lock, like any motion command.
type lockedScript struct {
	s *Session
}

func (l lockedScript) SendScript(script string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	c, err := l.s.controlChannel()
	if err != nil {
		return err
	}
	return c.SendScript(script)
}

// RunRobotiq executes action on the gripper behind req.Backend. Transport failures and gripper
// faults are reported in the result and recorded as LastError. The only error returned is
// ErrNotConnected, when the RTDE bridge is selected on a disconnected session.
func (s *Session) RunRobotiq(action robotiq.Action, req RobotiqRequest) (GripperResult, error) {
	act, ok := gripperActions[action]
	if !ok {
		return s.gripperFailure(fmt.Errorf("unsupported gripper action %v", action)), nil
	}
	transport, ok := gripperTransports[req.Backend]
	if !ok {
		return s.gripperFailure(fmt.Errorf("unsupported backend %v", req.Backend)), nil
	}
	if req.Backend == BackendRTDEBridge && !s.IsConnected() {
		return GripperResult{}, ErrNotConnected
	}

	req.Position = ClampToDevice(req.Position)
	req.Speed = ClampToDevice(req.Speed)
	req.Force = ClampToDevice(req.Force)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultGripperTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, release, err := transport.open(ctx, s, req)
	if err != nil {
		return s.gripperFailure(err), nil
	}
	defer release()

	st, err := act.run(ctx, g, req)
	if err != nil {
		return s.gripperFailure(err), nil
	}

	res := GripperResult{OK: true, Status: st}
	switch {
	case !st.Reported:
		res.Message = fmt.Sprintf("%s (%s)", act.sent(req), transport.label)
	case st.Fault != robotiq.NoFault:
		res.OK = false
		res.Message = fmt.Sprintf("Robotiq fault: %s", st.Fault)
	case action == robotiq.ActionActivate:
		res.Message = fmt.Sprintf("Robotiq activated (%s)", transport.label)
	default:
		res.Message = fmt.Sprintf("Robotiq %s: %s", act.verb(req), st.Object)
	}

	if res.OK {
		s.setErr(nil)
	} else {
		s.fail(errors.New(res.Message))
	}
	return res, nil
}

func (s *Session) gripperFailure(err error) GripperResult {
	s.fail(err)
	return GripperResult{OK: false, Message: innermost(err)}
}

// RobotiqActivate activates the gripper; with AutoCalibrate the native backend also records
// the open and closed limits.
func (s *Session) RobotiqActivate(req RobotiqRequest) (GripperResult, error) {
	return s.RunRobotiq(robotiq.ActionActivate, req)
}

func (s *Session) RobotiqOpen(req RobotiqRequest) (GripperResult, error) {
	return s.RunRobotiq(robotiq.ActionOpen, req)
}

func (s *Session) RobotiqClose(req RobotiqRequest) (GripperResult, error) {
	return s.RunRobotiq(robotiq.ActionClose, req)
}

// RobotiqMove moves the fingers to req.Position.
func (s *Session) RobotiqMove(req RobotiqRequest) (GripperResult, error) {
	return s.RunRobotiq(robotiq.ActionMove, req)
}

func (s *Session) RobotiqSetSpeed(req RobotiqRequest) (GripperResult, error) {
	return s.RunRobotiq(robotiq.ActionSetSpeed, req)
}

func (s *Session) RobotiqSetForce(req RobotiqRequest) (GripperResult, error) {
	return s.RunRobotiq(robotiq.ActionSetForce, req)
}
