// Package ur_rtde drives a Universal Robots controller through RTDE: a Session owns the
// control, receive and IO channels to one robot, serializes motion and IO commands, and routes
// Robotiq gripper commands to one of several transports. The Viam arm, gripper, sensor and
// discovery models in this package are built on top of Session.
package ur_rtde

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"ur_rtde/rtde"
)

// DefaultConnectTimeout bounds Connect when the caller passes zero.
const DefaultConnectTimeout = 2 * time.Second

// ConnectionState is the lifecycle state of a Session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Session is the connection to one robot controller, identified by its host.
type Session struct {
	host   string
	dialer rtde.Dialer
	logger logging.Logger
	wait   MotionWait

	// mu serializes connect, close and every motion or IO command.
	mu sync.Mutex

	// chMu guards the channel handles so telemetry reads can run while mu is held by a
	// command.
	chMu    sync.RWMutex
	control rtde.Control
	receive rtde.Receive
	io      rtde.IO
	state   ConnectionState
	timeout time.Duration

	errMu   sync.RWMutex
	lastErr error

	// calibrations holds native gripper limits learned by AutoCalibrate, by socket address.
	calMu        sync.Mutex
	calibrations map[string]gripperCalibration
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDialer replaces the channel dialer. Tests use it to inject fake channels.
func WithDialer(d rtde.Dialer) SessionOption {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the session logger.
func WithLogger(logger logging.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithMotionWait overrides the synchronous move completion parameters.
func WithMotionWait(w MotionWait) SessionOption {
	return func(s *Session) { s.wait = w }
}

// NewSession creates a disconnected session for host.
func NewSession(host string, opts ...SessionOption) *Session {
	s := &Session{
		host: host,
		wait: DefaultMotionWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("ur-session")
	}
	if s.dialer == nil {
		s.dialer = rtde.NewDialer(rtde.Options{Logger: s.logger})
	}
	return s
}

// Host returns the controller address the session talks to.
func (s *Session) Host() string {
	return s.host
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	return s.state
}

// IsConnected reports whether the control and receive channels are open.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// LastError returns the innermost message of the last transport failure, or "" when the last
// command succeeded.
func (s *Session) LastError() string {
	return innermost(s.LastErr())
}

// LastErr returns the last transport failure as an error value.
func (s *Session) LastErr() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastErr
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// fail records err as the last error and logs it.
func (s *Session) fail(err error) {
	s.setErr(err)
	s.logger.Warnf("%s: %v", s.host, err)
}

// Connect opens the control and receive channels, replacing any open ones. It returns false
// and records LastError when either channel cannot be opened; partially opened channels are
// closed again.
func (s *Session) Connect(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	control, err := s.dialer.DialControl(ctx, s.host)
	if err != nil {
		s.fail(errors.Wrapf(err, "open control channel to %s", s.host))
		return false
	}
	receive, err := s.dialer.DialReceive(ctx, s.host)
	if err != nil {
		closeQuietly(s.logger, "control", control)
		s.fail(errors.Wrapf(err, "open receive channel to %s", s.host))
		return false
	}

	s.chMu.Lock()
	s.control = control
	s.receive = receive
	s.state = Connected
	s.timeout = timeout
	s.chMu.Unlock()

	s.setErr(nil)
	s.logger.Infof("connected to %s", s.host)
	return true
}

// Reconnect repeats Connect with the timeout of the last successful connect.
func (s *Session) Reconnect() bool {
	s.chMu.RLock()
	timeout := s.timeout
	s.chMu.RUnlock()
	return s.Connect(timeout)
}

// Close closes every channel the session holds. Close errors of one channel do not stop the
// others from closing. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	return nil
}

type closer interface {
	Close() error
}

func closeQuietly(logger logging.Logger, what string, c closer) {
	if err := c.Close(); err != nil {
		logger.Debugf("closing %s channel: %v", what, err)
	}
}

// teardown must be called with mu held.
func (s *Session) teardown() {
	s.chMu.Lock()
	receive, control, io := s.receive, s.control, s.io
	s.receive, s.control, s.io = nil, nil, nil
	wasConnected := s.state == Connected
	s.state = Disconnected
	s.chMu.Unlock()

	if receive != nil {
		closeQuietly(s.logger, "receive", receive)
	}
	if control != nil {
		closeQuietly(s.logger, "control", control)
	}
	if io != nil {
		closeQuietly(s.logger, "io", io)
	}
	if wasConnected {
		s.logger.Infof("disconnected from %s", s.host)
	}
}

func (s *Session) receiveChannel() (rtde.Receive, error) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	if s.receive == nil {
		return nil, ErrNotConnected
	}
	return s.receive, nil
}

func (s *Session) controlChannel() (rtde.Control, error) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	if s.control == nil {
		return nil, ErrNotConnected
	}
	return s.control, nil
}

// ActualQ returns the joint positions in radians.
func (s *Session) ActualQ() ([]float64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return nil, err
	}
	return r.ActualQ()
}

// ActualQd returns the joint velocities in radians per second.
func (s *Session) ActualQd() ([]float64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return nil, err
	}
	return r.ActualQd()
}

// ActualTCPPose returns the TCP pose as [x, y, z, rx, ry, rz] in meters and axis-angle
// radians. Only receive channels whose controller publishes the pose implement
// rtde.TCPPoseReader; the others, and a failed read, give a CapabilityError.
func (s *Session) ActualTCPPose() ([]float64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return nil, err
	}
	tr, ok := r.(rtde.TCPPoseReader)
	if !ok {
		return nil, &CapabilityError{Op: "actual TCP pose"}
	}
	pose, err := tr.ActualTCPPose()
	if err != nil {
		return nil, &CapabilityError{Op: "actual TCP pose", Last: err}
	}
	return pose, nil
}

// DigitalInState returns the standard, configurable and tool digital inputs as a bit field.
func (s *Session) DigitalInState() (uint64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.DigitalInState()
}

// DigitalOutState returns the digital outputs as a bit field.
func (s *Session) DigitalOutState() (uint64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.DigitalOutState()
}

func (s *Session) StandardAnalogInput0() (float64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.StandardAnalogInput0()
}

func (s *Session) StandardAnalogInput1() (float64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.StandardAnalogInput1()
}

func (s *Session) StandardAnalogOutput0() (float64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.StandardAnalogOutput0()
}

func (s *Session) StandardAnalogOutput1() (float64, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.StandardAnalogOutput1()
}

// RobotMode returns the controller robot mode (7 is running).
func (s *Session) RobotMode() (int32, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.RobotMode()
}

// SafetyMode returns the controller safety mode (1 is normal).
func (s *Session) SafetyMode() (int32, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return 0, err
	}
	return r.SafetyMode()
}

// IsProgramRunning reports whether a URScript program is executing on the controller.
func (s *Session) IsProgramRunning() (bool, error) {
	r, err := s.receiveChannel()
	if err != nil {
		return false, err
	}
	return r.IsProgramRunning()
}
