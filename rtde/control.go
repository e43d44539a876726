package rtde

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

const scriptWriteTimeout = 2 * time.Second

// ScriptClient sends URScript to the controller's secondary interface. The controller
// streams its state back on the same port; the client discards it.
type ScriptClient struct {
	conn   net.Conn
	logger logging.Logger

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// DialScript connects to a URScript port (30001..30003).
func DialScript(ctx context.Context, addr string, logger logging.Logger) (*ScriptClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial urscript %s", addr)
	}
	c := &ScriptClient{conn: conn, logger: logger, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		//nolint:errcheck
		io.Copy(io.Discard, conn)
	}()
	return c, nil
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%.6f", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// MoveJ sends movej. The controller does not acknowledge script lines, so true means the
// line was written; completion is observed through the receive channel.
func (c *ScriptClient) MoveJ(q []float64, speed, acceleration float64, async bool) (bool, error) {
	if len(q) != 6 {
		return false, errors.Errorf("movej needs 6 joints, got %d", len(q))
	}
	line := fmt.Sprintf("movej(%s, a=%.6f, v=%.6f)", formatVector(q), acceleration, speed)
	if err := c.SendScript(line); err != nil {
		return false, err
	}
	return true, nil
}

// MoveL sends movel to a pose in meters and axis-angle radians.
func (c *ScriptClient) MoveL(pose []float64, speed, acceleration float64, async bool) (bool, error) {
	if len(pose) != 6 {
		return false, errors.Errorf("movel needs a 6 element pose, got %d", len(pose))
	}
	line := fmt.Sprintf("movel(p%s, a=%.6f, v=%.6f)", formatVector(pose), acceleration, speed)
	if err := c.SendScript(line); err != nil {
		return false, err
	}
	return true, nil
}

func (c *ScriptClient) StopJ(deceleration float64) (bool, error) {
	if err := c.SendScript(fmt.Sprintf("stopj(%.6f)", deceleration)); err != nil {
		return false, err
	}
	return true, nil
}

func (c *ScriptClient) StopL(deceleration float64) (bool, error) {
	if err := c.SendScript(fmt.Sprintf("stopl(%.6f)", deceleration)); err != nil {
		return false, err
	}
	return true, nil
}

// SendScript writes a script line or a whole program. A trailing newline is added when
// missing; the controller only parses complete lines.
func (c *ScriptClient) SendScript(script string) error {
	if !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(scriptWriteTimeout))
	if _, err := io.WriteString(c.conn, script); err != nil {
		return errors.Wrap(err, "send urscript")
	}
	c.logger.Debugf("sent urscript: %s", strings.TrimSpace(firstLine(script)))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (c *ScriptClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}
