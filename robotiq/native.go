package robotiq

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	nativeIOTimeout  = 2 * time.Second
	nativePollPeriod = 10 * time.Millisecond

	statusActive = 3
)

// ErrNotAcknowledged is returned when the gripper answers a SET with anything but "ack".
var ErrNotAcknowledged = errors.New("robotiq: command not acknowledged")

// NativeGripper talks the gripper URCap's ASCII protocol: "SET <VAR> <n> ...\n" answered by
// "ack", and "GET <VAR>\n" answered by "<VAR> <n>".
type NativeGripper struct {
	logger logging.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	units  [3]Unit

	// calibrated open/closed positions, set by Activate with autoCalibrate or SetCalibration
	minPosition, maxPosition int
	calibrated               bool
}

// DialNative connects to the URCap socket at addr.
func DialNative(ctx context.Context, addr string, logger logging.Logger) (*NativeGripper, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial robotiq %s", addr)
	}
	return &NativeGripper{
		logger:      logger,
		conn:        conn,
		reader:      bufio.NewReader(conn),
		maxPosition: MaxDeviceValue,
	}, nil
}

// SetUnit selects the scale for one parameter of subsequent Open/Close/Move calls.
func (g *NativeGripper) SetUnit(p Parameter, u Unit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.units[p] = u
}

func (g *NativeGripper) toDevice(p Parameter, v float64) int {
	g.mu.Lock()
	u := g.units[p]
	g.mu.Unlock()
	return ToDevice(v, u)
}

func (g *NativeGripper) roundTrip(ctx context.Context, line string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return "", errors.New("robotiq: not connected")
	}
	deadline := time.Now().Add(nativeIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = g.conn.SetDeadline(deadline)
	if _, err := g.conn.Write([]byte(line + "\n")); err != nil {
		return "", errors.Wrapf(err, "robotiq write %q", line)
	}
	reply, err := g.reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrapf(err, "robotiq read reply to %q", line)
	}
	return strings.TrimSpace(reply), nil
}

type setting struct {
	name  string
	value int
}

func (g *NativeGripper) set(ctx context.Context, vars ...setting) error {
	var sb strings.Builder
	sb.WriteString("SET")
	for _, v := range vars {
		fmt.Fprintf(&sb, " %s %d", v.name, v.value)
	}
	reply, err := g.roundTrip(ctx, sb.String())
	if err != nil {
		return err
	}
	if reply != "ack" {
		return errors.Wrapf(ErrNotAcknowledged, "%s: %q", sb.String(), reply)
	}
	return nil
}

func (g *NativeGripper) get(ctx context.Context, name string) (int, error) {
	reply, err := g.roundTrip(ctx, "GET "+name)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(reply)
	if len(fields) != 2 || fields[0] != name {
		return 0, errors.Errorf("robotiq: unexpected reply to GET %s: %q", name, reply)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errors.Wrapf(err, "robotiq: parse %s", name)
	}
	return n, nil
}

// waitFor polls name until cond holds or ctx ends.
func (g *NativeGripper) waitFor(ctx context.Context, name string, cond func(int) bool) (int, error) {
	for {
		v, err := g.get(ctx, name)
		if err != nil {
			return 0, err
		}
		if cond(v) {
			return v, nil
		}
		if !utils.SelectContextOrWait(ctx, nativePollPeriod) {
			return v, errors.Wrapf(ctx.Err(), "waiting for robotiq %s", name)
		}
	}
}

// IsActive reports whether the gripper finished activation.
func (g *NativeGripper) IsActive(ctx context.Context) (bool, error) {
	sta, err := g.get(ctx, "STA")
	if err != nil {
		return false, err
	}
	return sta == statusActive, nil
}

// Activate resets and activates the gripper unless it is already active. With
// autoCalibrate it then opens and closes fully to learn the usable position range.
func (g *NativeGripper) Activate(ctx context.Context, autoCalibrate bool) (Status, error) {
	active, err := g.IsActive(ctx)
	if err != nil {
		return Status{}, err
	}
	if !active {
		if err := g.set(ctx, setting{"ACT", 0}); err != nil {
			return Status{}, err
		}
		if err := g.set(ctx, setting{"ATR", 0}); err != nil {
			return Status{}, err
		}
		if _, err := g.waitFor(ctx, "STA", func(v int) bool { return v == 0 }); err != nil {
			return Status{}, err
		}
		if err := g.set(ctx, setting{"ACT", 1}); err != nil {
			return Status{}, err
		}
		if _, err := g.waitFor(ctx, "STA", func(v int) bool { return v == statusActive }); err != nil {
			return Status{}, errors.Wrap(err, "robotiq activation")
		}
		g.logger.Debug("robotiq activated")
	}
	if autoCalibrate {
		if err := g.calibrate(ctx); err != nil {
			return Status{}, err
		}
	}
	return g.status(ctx)
}

func (g *NativeGripper) calibrate(ctx context.Context) error {
	st, err := g.moveDevice(ctx, 0, 64, 1, true)
	if err != nil {
		return errors.Wrap(err, "calibrate open")
	}
	if st.Object != AtDestination {
		return errors.Errorf("robotiq calibration: open ended %s", st.Object)
	}
	open := st.Position
	st, err = g.moveDevice(ctx, MaxDeviceValue, 64, 1, true)
	if err != nil {
		return errors.Wrap(err, "calibrate close")
	}
	if st.Object != AtDestination {
		return errors.Errorf("robotiq calibration: close ended %s", st.Object)
	}
	g.SetCalibration(open, st.Position)
	// back to open
	_, err = g.moveDevice(ctx, 0, 64, 1, true)
	g.logger.Debugf("robotiq calibrated to %d..%d", open, st.Position)
	return err
}

// Calibration returns the learned open and closed positions (0 and 255 until calibrated).
func (g *NativeGripper) Calibration() (open, closed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minPosition, g.maxPosition
}

// SetCalibration restores open and closed positions learned on an earlier connection.
func (g *NativeGripper) SetCalibration(open, closed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.minPosition, g.maxPosition = Clamp(float64(open)), Clamp(float64(closed))
	g.calibrated = true
}

// Calibrated reports whether Calibration holds learned limits rather than the full range.
func (g *NativeGripper) Calibrated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calibrated
}

func (g *NativeGripper) status(ctx context.Context) (Status, error) {
	obj, err := g.get(ctx, "OBJ")
	if err != nil {
		return Status{}, err
	}
	flt, err := g.get(ctx, "FLT")
	if err != nil {
		return Status{}, err
	}
	pos, err := g.get(ctx, "POS")
	if err != nil {
		return Status{}, err
	}
	return Status{Object: ObjectStatus(obj), Fault: FaultCode(flt), Position: pos, Reported: true}, nil
}

// FaultStatus reads the fault register.
func (g *NativeGripper) FaultStatus(ctx context.Context) (FaultCode, error) {
	flt, err := g.get(ctx, "FLT")
	return FaultCode(flt), err
}

func (g *NativeGripper) moveDevice(ctx context.Context, pos, speed, force int, wait bool) (Status, error) {
	if err := g.set(ctx, setting{"POS", pos}, setting{"SPE", speed}, setting{"FOR", force}, setting{"GTO", 1}); err != nil {
		return Status{}, err
	}
	if wait {
		// the echo register confirms the request was taken before OBJ is meaningful
		if _, err := g.waitFor(ctx, "PRE", func(v int) bool { return v == pos }); err != nil {
			return Status{}, err
		}
		if _, err := g.waitFor(ctx, "OBJ", func(v int) bool { return ObjectStatus(v) != Moving }); err != nil {
			return Status{}, err
		}
	}
	return g.status(ctx)
}

// Move goes to position. wait blocks until the fingers stop.
func (g *NativeGripper) Move(ctx context.Context, position, speed, force float64, wait bool) (Status, error) {
	return g.moveDevice(ctx,
		g.toDevice(Position, position),
		g.toDevice(Speed, speed),
		g.toDevice(Force, force),
		wait)
}

func (g *NativeGripper) Open(ctx context.Context, speed, force float64, wait bool) (Status, error) {
	open, _ := g.Calibration()
	return g.moveDevice(ctx, open, g.toDevice(Speed, speed), g.toDevice(Force, force), wait)
}

func (g *NativeGripper) Close(ctx context.Context, speed, force float64, wait bool) (Status, error) {
	_, closed := g.Calibration()
	return g.moveDevice(ctx, closed, g.toDevice(Speed, speed), g.toDevice(Force, force), wait)
}

func (g *NativeGripper) SetSpeed(ctx context.Context, speed float64) error {
	return g.set(ctx, setting{"SPE", g.toDevice(Speed, speed)})
}

func (g *NativeGripper) SetForce(ctx context.Context, force float64) error {
	return g.set(ctx, setting{"FOR", g.toDevice(Force, force)})
}

// Disconnect closes the socket. Safe to call more than once.
func (g *NativeGripper) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}
