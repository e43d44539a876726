package robotiq

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const scriptSocket = "rq_sock"

// ScriptGripper sends short URScript programs to the controller's secondary interface. Each
// program opens the URCap socket from inside the controller, sets the gripper variables and
// exits. The controller never reports back, so returned Status values are unreported.
type ScriptGripper struct {
	addr   string
	logger logging.Logger

	mu    sync.Mutex
	conn  net.Conn
	done  chan struct{}
	speed int
	force int
}

// NewScriptGripper returns an unconnected gripper for addr (host:port).
func NewScriptGripper(addr string, logger logging.Logger) *ScriptGripper {
	return &ScriptGripper{addr: addr, logger: logger, speed: MaxDeviceValue, force: MaxDeviceValue}
}

// DialScript is NewScriptGripper followed by Connect.
func DialScript(ctx context.Context, addr string, logger logging.Logger) (*ScriptGripper, error) {
	g := NewScriptGripper(addr, logger)
	if err := g.Connect(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Connect opens the socket. The secondary interface streams robot state, which is discarded.
func (g *ScriptGripper) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return errors.Wrapf(err, "dial urscript %s", g.addr)
	}
	g.conn = conn
	g.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		//nolint:errcheck
		io.Copy(io.Discard, conn)
	}(g.done)
	return nil
}

// Addr returns the address the gripper connects to.
func (g *ScriptGripper) Addr() string {
	return g.addr
}

// IsConnected reports whether Connect succeeded and Disconnect has not run.
func (g *ScriptGripper) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

type scriptVar struct {
	name  string
	value int
}

func buildProgram(name string, vars []scriptVar, waitActive bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "def %s():\n", name)
	fmt.Fprintf(&sb, "  socket_open(\"127.0.0.1\", %d, \"%s\")\n", DefaultNativePort, scriptSocket)
	for _, v := range vars {
		fmt.Fprintf(&sb, "  socket_set_var(\"%s\", %d, \"%s\")\n", v.name, v.value, scriptSocket)
		sb.WriteString("  sync()\n")
	}
	if waitActive {
		fmt.Fprintf(&sb, "  while (socket_get_var(\"STA\", \"%s\") != %d):\n", scriptSocket, statusActive)
		sb.WriteString("    sleep(0.1)\n")
		sb.WriteString("  end\n")
	}
	fmt.Fprintf(&sb, "  socket_close(\"%s\")\n", scriptSocket)
	sb.WriteString("end\n")
	return sb.String()
}

func (g *ScriptGripper) send(ctx context.Context, program string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return errors.New("robotiq urscript: not connected")
	}
	deadline := time.Now().Add(nativeIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = g.conn.SetWriteDeadline(deadline)
	if _, err := io.WriteString(g.conn, program); err != nil {
		return errors.Wrap(err, "send robotiq program")
	}
	return nil
}

func (g *ScriptGripper) Activate(ctx context.Context, _ bool) (Status, error) {
	prog := buildProgram("rq_activate", []scriptVar{{"ACT", 0}, {"ATR", 0}, {"ACT", 1}}, true)
	return Status{}, g.send(ctx, prog)
}

func (g *ScriptGripper) goTo(ctx context.Context, pos int, speed, force float64) error {
	s, f := Clamp(speed), Clamp(force)
	g.mu.Lock()
	g.speed, g.force = s, f
	g.mu.Unlock()
	prog := buildProgram("rq_move", []scriptVar{{"SPE", s}, {"FOR", f}, {"POS", pos}, {"GTO", 1}}, false)
	return g.send(ctx, prog)
}

func (g *ScriptGripper) Open(ctx context.Context, speed, force float64, _ bool) (Status, error) {
	return Status{}, g.goTo(ctx, 0, speed, force)
}

func (g *ScriptGripper) Close(ctx context.Context, speed, force float64, _ bool) (Status, error) {
	return Status{}, g.goTo(ctx, MaxDeviceValue, speed, force)
}

func (g *ScriptGripper) Move(ctx context.Context, position, speed, force float64, _ bool) (Status, error) {
	return Status{}, g.goTo(ctx, Clamp(position), speed, force)
}

// MoveTo moves with the speed and force last set on this gripper.
func (g *ScriptGripper) MoveTo(ctx context.Context, position int) error {
	g.mu.Lock()
	s, f := g.speed, g.force
	g.mu.Unlock()
	return g.goTo(ctx, position, float64(s), float64(f))
}

func (g *ScriptGripper) SetSpeed(ctx context.Context, speed float64) error {
	s := Clamp(speed)
	g.mu.Lock()
	g.speed = s
	g.mu.Unlock()
	return g.send(ctx, buildProgram("rq_speed", []scriptVar{{"SPE", s}}, false))
}

func (g *ScriptGripper) SetForce(ctx context.Context, force float64) error {
	f := Clamp(force)
	g.mu.Lock()
	g.force = f
	g.mu.Unlock()
	return g.send(ctx, buildProgram("rq_force", []scriptVar{{"FOR", f}}, false))
}

// Disconnect closes the socket and waits for the drain goroutine. Safe to call more than once.
func (g *ScriptGripper) Disconnect() error {
	g.mu.Lock()
	conn, done := g.conn, g.done
	g.conn = nil
	g.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}
