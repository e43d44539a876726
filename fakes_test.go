package ur_rtde

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ur_rtde/robotiq"
	"ur_rtde/rtde"
)

// fakeControl records every command it receives. delay simulates the time a command spends on
// the wire; inFlight tracks how many commands overlap.
type fakeControl struct {
	mu       sync.Mutex
	program  *fakeBridgeProgram
	calls    []string
	result   bool
	err      error
	delay    time.Duration
	closed   int
	inFlight int32
	maxSeen  int32
}

func newFakeControl() *fakeControl {
	return &fakeControl{result: true}
}

func (c *fakeControl) record(name string) (bool, error) {
	n := atomic.AddInt32(&c.inFlight, 1)
	defer atomic.AddInt32(&c.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&c.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&c.maxSeen, seen, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return c.result, c.err
}

// run hands script to the controller program; every URScript replaces what was running.
func (c *fakeControl) run(script string) {
	if c.program != nil {
		c.program.load(script)
	}
}

func (c *fakeControl) MoveJ(q []float64, speed, acceleration float64, async bool) (bool, error) {
	c.run("movej")
	return c.record("movej")
}

func (c *fakeControl) MoveL(pose []float64, speed, acceleration float64, async bool) (bool, error) {
	c.run("movel")
	return c.record("movel")
}

func (c *fakeControl) StopJ(deceleration float64) (bool, error) {
	c.run("stopj")
	return c.record("stopj")
}

func (c *fakeControl) StopL(deceleration float64) (bool, error) {
	c.run("stopl")
	return c.record("stopl")
}

func (c *fakeControl) SendScript(script string) error {
	c.run(script)
	_, err := c.record("script")
	return err
}

func (c *fakeControl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeControl) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeControl) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeReceive serves fixed state. qd, when set, is called on every velocity read so tests
// can script a motion profile.
type fakeReceive struct {
	mu      sync.Mutex
	program *fakeBridgeProgram
	q       []float64
	qd      func() []float64
	din     uint64
	dout    uint64
	analog  [4]float64
	mode    int32
	safety  int32
	running bool
	readErr error
	closed  int
}

func newFakeReceive() *fakeReceive {
	return &fakeReceive{
		q:      []float64{0, -1.57, 1.57, -1.57, -1.57, 0},
		mode:   7,
		safety: 1,
	}
}

func (r *fakeReceive) ActualQ() ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return nil, r.readErr
	}
	return append([]float64(nil), r.q...), nil
}

func (r *fakeReceive) ActualQd() ([]float64, error) {
	r.mu.Lock()
	qd := r.qd
	r.mu.Unlock()
	if qd == nil {
		return make([]float64, 6), nil
	}
	return qd(), nil
}

func (r *fakeReceive) DigitalInState() (uint64, error)  { return r.din, nil }
func (r *fakeReceive) DigitalOutState() (uint64, error) { return r.dout, nil }

func (r *fakeReceive) StandardAnalogInput0() (float64, error)  { return r.analog[0], nil }
func (r *fakeReceive) StandardAnalogInput1() (float64, error)  { return r.analog[1], nil }
func (r *fakeReceive) StandardAnalogOutput0() (float64, error) { return r.analog[2], nil }
func (r *fakeReceive) StandardAnalogOutput1() (float64, error) { return r.analog[3], nil }

func (r *fakeReceive) RobotMode() (int32, error)       { return r.mode, nil }
func (r *fakeReceive) SafetyMode() (int32, error)      { return r.safety, nil }
func (r *fakeReceive) IsProgramRunning() (bool, error) { return r.running, nil }

func (r *fakeReceive) OutputIntRegister(n int) (int32, error) {
	if r.program == nil {
		return 0, nil
	}
	return r.program.output(n), nil
}

func (r *fakeReceive) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeReceive) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// poseReceive is a fakeReceive whose controller publishes the TCP pose.
type poseReceive struct {
	*fakeReceive
	tcp    []float64
	tcpErr error
}

func (r *poseReceive) ActualTCPPose() ([]float64, error) {
	return r.tcp, r.tcpErr
}

type fakeIO struct {
	mu      sync.Mutex
	program *fakeBridgeProgram
	pins    map[int]bool
	err    error
	closed int
}

func (io *fakeIO) SetStandardDigitalOut(pin int, value bool) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.err != nil {
		return io.err
	}
	if io.pins == nil {
		io.pins = map[int]bool{}
	}
	io.pins[pin] = value
	return nil
}

func (io *fakeIO) SetInputIntRegister(n int, value int32) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.err != nil {
		return io.err
	}
	if io.program != nil {
		io.program.input(n, value)
	}
	return nil
}

func (io *fakeIO) Close() error {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.closed++
	return nil
}

func (io *fakeIO) closeCount() int {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.closed
}

// fakeBridgeProgram stands in for the program running on the controller and its integer
// registers. Uploading the gripper bridge starts it; any other script replaces it. While the
// bridge runs it bumps the heartbeat on every read and acknowledges every new sequence number.
type fakeBridgeProgram struct {
	mu       sync.Mutex
	inputs   map[int]int32
	outputs  map[int]int32
	bridge   bool
	uploads  int
	commands []int32
}

func newFakeBridgeProgram() *fakeBridgeProgram {
	return &fakeBridgeProgram{inputs: map[int]int32{}, outputs: map[int]int32{}}
}

func (p *fakeBridgeProgram) load(script string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bridge = strings.HasPrefix(script, "def rq_rtde_bridge():")
	if p.bridge {
		p.uploads++
		p.outputs[robotiq.BridgeAckRegister] = p.inputs[robotiq.BridgeSeqRegister]
	}
}

func (p *fakeBridgeProgram) output(n int) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == robotiq.BridgeBeatRegister && p.bridge {
		p.outputs[n]++
	}
	return p.outputs[n]
}

func (p *fakeBridgeProgram) input(n int, v int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs[n] = v
	if n == robotiq.BridgeSeqRegister && p.bridge {
		p.commands = append(p.commands, p.inputs[robotiq.BridgeCmdRegister])
		p.outputs[robotiq.BridgeAckRegister] = v
	}
}

func (p *fakeBridgeProgram) uploadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploads
}

// executed returns the command codes the bridge has acknowledged.
func (p *fakeBridgeProgram) executed() []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int32(nil), p.commands...)
}

// fakeDialer hands out fresh fake channels on every dial unless a channel is pinned.
type fakeDialer struct {
	mu sync.Mutex

	controlErr error
	receiveErr error
	ioErr      error

	// newReceive builds the receive channel; nil means a plain fakeReceive.
	newReceive func() rtde.Receive

	// program is shared by every channel the dialer hands out.
	program *fakeBridgeProgram

	controls []*fakeControl
	receives []rtde.Receive
	ios      []*fakeIO

	dials int
}

func (d *fakeDialer) DialControl(ctx context.Context, host string) (rtde.Control, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.controlErr != nil {
		return nil, d.controlErr
	}
	c := newFakeControl()
	c.program = d.controllerProgram()
	d.controls = append(d.controls, c)
	return c, nil
}

func (d *fakeDialer) DialReceive(ctx context.Context, host string) (rtde.Receive, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.receiveErr != nil {
		return nil, d.receiveErr
	}
	var r rtde.Receive = newFakeReceive()
	if d.newReceive != nil {
		r = d.newReceive()
	}
	switch fr := r.(type) {
	case *fakeReceive:
		fr.program = d.controllerProgram()
	case *poseReceive:
		fr.program = d.controllerProgram()
	}
	d.receives = append(d.receives, r)
	return r, nil
}

func (d *fakeDialer) DialIO(ctx context.Context, host string) (rtde.IO, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.ioErr != nil {
		return nil, d.ioErr
	}
	io := &fakeIO{program: d.controllerProgram()}
	d.ios = append(d.ios, io)
	return io, nil
}

// controllerProgram must be called with d.mu held.
func (d *fakeDialer) controllerProgram() *fakeBridgeProgram {
	if d.program == nil {
		d.program = newFakeBridgeProgram()
	}
	return d.program
}

func (d *fakeDialer) bridge() *fakeBridgeProgram {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controllerProgram()
}

func (d *fakeDialer) io(i int) *fakeIO {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ios[i]
}

func (d *fakeDialer) ioCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ios)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) control(i int) *fakeControl {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controls[i]
}

func (d *fakeDialer) receive(i int) *fakeReceive {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch r := d.receives[i].(type) {
	case *fakeReceive:
		return r
	case *poseReceive:
		return r.fakeReceive
	}
	return nil
}

// fastWait keeps synchronous moves in tests to a few milliseconds.
var fastWait = MotionWait{
	PollInterval:   time.Millisecond,
	StartTimeout:   30 * time.Millisecond,
	StopTimeout:    80 * time.Millisecond,
	StartThreshold: 1e-3,
	StopThreshold:  5e-4,
	StableSamples:  3,
}

// connectedSession returns a session connected through a fresh fakeDialer.
func connectedSession(t *testing.T, opts ...SessionOption) (*Session, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	s := newTestSession(t, d, opts...)
	require.True(t, s.Connect(time.Second), s.LastError())
	return s, d
}

func newTestSession(t *testing.T, d *fakeDialer, opts ...SessionOption) *Session {
	t.Helper()
	all := append([]SessionOption{WithDialer(d), WithMotionWait(fastWait)}, opts...)
	s := NewSession("10.0.0.2", all...)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeGripperSocket answers the URCap ASCII protocol with a gripper that reaches every target
// at once and reports fault. When stroke is set the fingers stop at its bounds while PRE
// still echoes the request.
type fakeGripperSocket struct {
	listener net.Listener

	mu     sync.Mutex
	vars   map[string]int
	stroke *[2]int
}

func newFakeGripperSocket(t *testing.T, fault int) *fakeGripperSocket {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeGripperSocket{
		listener: l,
		vars:     map[string]int{"STA": 3, "OBJ": 3, "FLT": fault, "POS": 0, "PRE": 0},
	}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go f.handle(c)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return f
}

func (f *fakeGripperSocket) port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *fakeGripperSocket) handle(c net.Conn) {
	defer c.Close()
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		fmt.Fprintln(c, f.apply(strings.Fields(sc.Text())))
	}
}

func (f *fakeGripperSocket) apply(fields []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(fields) == 0 {
		return "?"
	}
	switch fields[0] {
	case "GET":
		if len(fields) != 2 {
			return "?"
		}
		return fmt.Sprintf("%s %d", fields[1], f.vars[fields[1]])
	case "SET":
		for i := 1; i+1 < len(fields); i += 2 {
			v, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return "?"
			}
			f.vars[fields[i]] = v
			if fields[i] == "POS" {
				f.vars["PRE"] = v
				if f.stroke != nil {
					f.vars["POS"] = min(max(v, f.stroke[0]), f.stroke[1])
				}
			}
		}
		return "ack"
	}
	return "?"
}
