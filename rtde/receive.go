package rtde

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const tcpPoseVariable = "actual_TCP_pose"

// receiveVariables is the output recipe the receiver subscribes to.
var receiveVariables = []string{
	"timestamp",
	"actual_q",
	"actual_qd",
	"actual_TCP_pose",
	"actual_digital_input_bits",
	"actual_digital_output_bits",
	"standard_analog_input0",
	"standard_analog_input1",
	"standard_analog_output0",
	"standard_analog_output1",
	"robot_mode",
	"safety_mode",
	"runtime_state",
	"output_int_register_24",
	"output_int_register_25",
}

const runtimeStatePlaying = 2

// ErrNoData is returned by a Receiver read when the cached package lacks the field.
var ErrNoData = errors.New("rtde: no data for variable")

// Receiver is an RTDE output client. It negotiates protocol version 2, subscribes to the
// receive recipe and keeps the latest data package in memory.
type Receiver struct {
	conn    net.Conn
	logger  logging.Logger
	recipe  recipe
	version ControllerVersion

	mu     sync.RWMutex
	latest map[string]any
	err    error

	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
}

// DialReceiver connects to addr, runs the setup handshake and blocks until the first data
// package arrives or ctx expires.
func DialReceiver(ctx context.Context, addr string, frequency float64, logger logging.Logger) (*Receiver, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rtde %s", addr)
	}
	r := &Receiver{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	br := bufio.NewReader(conn)
	if err := r.setup(br, frequency); err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.readOne(br); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "waiting for first rtde data package")
	}
	_ = conn.SetDeadline(time.Time{})

	go r.readLoop(br)
	return r, nil
}

func (r *Receiver) onText(msg string) {
	r.logger.Debugf("controller message: %s", msg)
}

func (r *Receiver) setup(br *bufio.Reader, frequency float64) error {
	if err := writeFrame(r.conn, cmdRequestProtocolVersion, encodeVersionRequest(protocolVersion)); err != nil {
		return errors.Wrap(err, "request protocol version")
	}
	f, err := awaitReply(br, cmdRequestProtocolVersion, r.onText)
	if err != nil {
		return errors.Wrap(err, "request protocol version")
	}
	if len(f.payload) < 1 || f.payload[0] != 1 {
		return errors.Wrapf(ErrRejected, "protocol version %d", protocolVersion)
	}

	if err := writeFrame(r.conn, cmdGetURControlVersion, nil); err != nil {
		return errors.Wrap(err, "get controller version")
	}
	if f, err = awaitReply(br, cmdGetURControlVersion, r.onText); err != nil {
		return errors.Wrap(err, "get controller version")
	}
	if r.version, err = decodeControllerVersion(f.payload); err != nil {
		return err
	}

	names := receiveVariables
	for {
		if err := writeFrame(r.conn, cmdSetupOutputs, encodeOutputSetup(frequency, names)); err != nil {
			return errors.Wrap(err, "setup outputs")
		}
		if f, err = awaitReply(br, cmdSetupOutputs, r.onText); err != nil {
			return errors.Wrap(err, "setup outputs")
		}
		r.recipe, err = parseRecipe(f.payload, names)
		if err == nil {
			break
		}
		// a controller without the TCP pose still serves everything else
		missing := notFound(f.payload, names)
		if len(missing) != 1 || missing[0] != tcpPoseVariable {
			return err
		}
		r.logger.Infof("controller does not publish %s, TCP pose unavailable", tcpPoseVariable)
		names = without(names, tcpPoseVariable)
	}

	if err := writeFrame(r.conn, cmdStart, nil); err != nil {
		return errors.Wrap(err, "start")
	}
	if f, err = awaitReply(br, cmdStart, r.onText); err != nil {
		return errors.Wrap(err, "start")
	}
	if len(f.payload) < 1 || f.payload[0] != 1 {
		return errors.Wrap(ErrRejected, "start")
	}
	r.logger.Debugf("rtde receive started on %s, controller %d.%d.%d.%d",
		r.conn.RemoteAddr(), r.version.Major, r.version.Minor, r.version.Bugfix, r.version.Build)
	return nil
}

// readOne reads frames until a data package has been decoded into the cache.
func (r *Receiver) readOne(br *bufio.Reader) error {
	for {
		f, err := readFrame(br)
		if err != nil {
			return err
		}
		switch f.kind {
		case cmdDataPackage:
			values, err := r.recipe.decode(f.payload)
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.latest = values
			r.mu.Unlock()
			return nil
		case cmdTextMessage:
			r.onText(decodeText(f.payload))
		}
	}
}

func (r *Receiver) readLoop(br *bufio.Reader) {
	defer close(r.done)
	for {
		if err := r.readOne(br); err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			if !r.closing.Load() {
				r.logger.Warnf("rtde receive stopped: %v", err)
			}
			return
		}
	}
}

// AsReceive returns r as a session receive channel. When the controller publishes the TCP
// pose the channel also implements TCPPoseReader.
func (r *Receiver) AsReceive() Receive {
	for _, n := range r.recipe.names {
		if n == tcpPoseVariable {
			return tcpPoseReceiver{r}
		}
	}
	return r
}

type tcpPoseReceiver struct {
	*Receiver
}

func (p tcpPoseReceiver) ActualTCPPose() ([]float64, error) {
	return p.vector(tcpPoseVariable)
}

// ControllerVersion returns the version reported during setup.
func (r *Receiver) ControllerVersion() ControllerVersion {
	return r.version
}

func (r *Receiver) value(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err != nil {
		return nil, errors.Wrap(r.err, "rtde receive channel is down")
	}
	v, ok := r.latest[name]
	if !ok {
		return nil, errors.Wrap(ErrNoData, name)
	}
	return v, nil
}

func (r *Receiver) vector(name string) ([]float64, error) {
	v, err := r.value(name)
	if err != nil {
		return nil, err
	}
	vec, ok := v.([]float64)
	if !ok {
		return nil, errors.Errorf("rtde: %s is %T, not a vector", name, v)
	}
	out := make([]float64, len(vec))
	copy(out, vec)
	return out, nil
}

func (r *Receiver) double(name string) (float64, error) {
	v, err := r.value(name)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errors.Errorf("rtde: %s is %T, not a double", name, v)
	}
	return f, nil
}

func (r *Receiver) int32Value(name string) (int32, error) {
	v, err := r.value(name)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int32)
	if !ok {
		return 0, errors.Errorf("rtde: %s is %T, not an int32", name, v)
	}
	return n, nil
}

func (r *Receiver) uint64Value(name string) (uint64, error) {
	v, err := r.value(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	}
	return 0, errors.Errorf("rtde: %s is %T, not an unsigned integer", name, v)
}

func (r *Receiver) ActualQ() ([]float64, error)       { return r.vector("actual_q") }
func (r *Receiver) ActualQd() ([]float64, error)      { return r.vector("actual_qd") }

func (r *Receiver) DigitalInState() (uint64, error) {
	return r.uint64Value("actual_digital_input_bits")
}

func (r *Receiver) DigitalOutState() (uint64, error) {
	return r.uint64Value("actual_digital_output_bits")
}

func (r *Receiver) StandardAnalogInput0() (float64, error)  { return r.double("standard_analog_input0") }
func (r *Receiver) StandardAnalogInput1() (float64, error)  { return r.double("standard_analog_input1") }
func (r *Receiver) StandardAnalogOutput0() (float64, error) { return r.double("standard_analog_output0") }
func (r *Receiver) StandardAnalogOutput1() (float64, error) { return r.double("standard_analog_output1") }

func (r *Receiver) RobotMode() (int32, error)  { return r.int32Value("robot_mode") }
func (r *Receiver) SafetyMode() (int32, error) { return r.int32Value("safety_mode") }

func (r *Receiver) IsProgramRunning() (bool, error) {
	v, err := r.value("runtime_state")
	if err != nil {
		return false, err
	}
	n, ok := v.(uint32)
	if !ok {
		return false, errors.Errorf("rtde: runtime_state is %T", v)
	}
	return n == runtimeStatePlaying, nil
}

// OutputIntRegister returns output_int_register_<n>. Only the registers in the receive
// recipe are available.
func (r *Receiver) OutputIntRegister(n int) (int32, error) {
	return r.int32Value("output_int_register_" + strconv.Itoa(n))
}

// Close pauses the stream and closes the socket. Safe to call more than once.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		_ = r.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_ = writeFrame(r.conn, cmdPause, nil)
		err = r.conn.Close()
		<-r.done
	})
	return err
}
