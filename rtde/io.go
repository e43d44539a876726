package rtde

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	digitalOutVariables = []string{"standard_digital_output_mask", "standard_digital_output"}
	registerVariables   = []string{"input_int_register_24", "input_int_register_25", "input_int_register_26"}
)

const (
	firstInputRegister = 24
	maxStandardPin     = 7
)

// IOClient is an RTDE input client for the standard digital outputs and the integer input
// registers 24..26. Register writes always carry all three registers, so the client keeps
// the last value written to each. The controller hands each input variable to one client
// only; a recipe another client already holds is left out and its setters report
// ErrVariableInUse.
type IOClient struct {
	conn   net.Conn
	logger logging.Logger

	digital   recipe
	registers recipe
	// digitalErr and registerErr say why a recipe is unavailable, if it is.
	digitalErr  error
	registerErr error

	mu   sync.Mutex
	regs [3]int32

	done      chan struct{}
	closeOnce sync.Once
}

// DialIO connects to addr and registers the input recipes.
func DialIO(ctx context.Context, addr string, logger logging.Logger) (*IOClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rtde io %s", addr)
	}
	c := &IOClient{conn: conn, logger: logger, done: make(chan struct{})}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	br := bufio.NewReader(conn)
	if err := c.setup(br); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	go c.drain(br)
	return c, nil
}

func (c *IOClient) onText(msg string) {
	c.logger.Debugf("controller message: %s", msg)
}

func (c *IOClient) setup(br *bufio.Reader) error {
	if err := writeFrame(c.conn, cmdRequestProtocolVersion, encodeVersionRequest(protocolVersion)); err != nil {
		return errors.Wrap(err, "request protocol version")
	}
	f, err := awaitReply(br, cmdRequestProtocolVersion, c.onText)
	if err != nil {
		return errors.Wrap(err, "request protocol version")
	}
	if len(f.payload) < 1 || f.payload[0] != 1 {
		return errors.Wrapf(ErrRejected, "protocol version %d", protocolVersion)
	}

	if err := writeFrame(c.conn, cmdSetupInputs, encodeInputSetup(digitalOutVariables)); err != nil {
		return errors.Wrap(err, "setup digital output recipe")
	}
	if f, err = awaitReply(br, cmdSetupInputs, c.onText); err != nil {
		return errors.Wrap(err, "setup digital output recipe")
	}
	if c.digital, err = parseRecipe(f.payload, digitalOutVariables); err != nil {
		c.digitalErr = err
		c.logger.Debugf("standard digital outputs unavailable: %v", err)
	}

	if err := writeFrame(c.conn, cmdSetupInputs, encodeInputSetup(registerVariables)); err != nil {
		return errors.Wrap(err, "setup register recipe")
	}
	if f, err = awaitReply(br, cmdSetupInputs, c.onText); err != nil {
		return errors.Wrap(err, "setup register recipe")
	}
	if c.registers, err = parseRecipe(f.payload, registerVariables); err != nil {
		c.registerErr = err
		c.logger.Debugf("integer input registers unavailable: %v", err)
	}
	if c.digitalErr != nil && c.registerErr != nil {
		return c.registerErr
	}

	if err := writeFrame(c.conn, cmdStart, nil); err != nil {
		return errors.Wrap(err, "start")
	}
	if f, err = awaitReply(br, cmdStart, c.onText); err != nil {
		return errors.Wrap(err, "start")
	}
	if len(f.payload) < 1 || f.payload[0] != 1 {
		return errors.Wrap(ErrRejected, "start")
	}
	return nil
}

// drain consumes whatever the controller sends after start so its buffers never fill.
func (c *IOClient) drain(br *bufio.Reader) {
	defer close(c.done)
	for {
		f, err := readFrame(br)
		if err != nil {
			return
		}
		if f.kind == cmdTextMessage {
			c.onText(decodeText(f.payload))
		}
	}
}

// SetStandardDigitalOut sets standard digital output pin (0..7).
func (c *IOClient) SetStandardDigitalOut(pin int, value bool) error {
	if c.digitalErr != nil {
		return c.digitalErr
	}
	if pin < 0 || pin > maxStandardPin {
		return errors.Errorf("rtde: standard digital output pin %d out of range 0..%d", pin, maxStandardPin)
	}
	mask := uint8(1) << uint(pin)
	var out uint8
	if value {
		out = mask
	}
	payload, err := c.digital.encode(mask, out)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Wrap(writeFrame(c.conn, cmdDataPackage, payload), "write digital output")
}

// SetInputIntRegister writes input_int_register_<n> for n in 24..26.
func (c *IOClient) SetInputIntRegister(n int, value int32) error {
	if c.registerErr != nil {
		return c.registerErr
	}
	idx := n - firstInputRegister
	if idx < 0 || idx >= len(c.regs) {
		return errors.Errorf("rtde: input int register %d not in recipe", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[idx] = value
	payload, err := c.registers.encode(c.regs[0], c.regs[1], c.regs[2])
	if err != nil {
		return err
	}
	return errors.Wrapf(writeFrame(c.conn, cmdDataPackage, payload), "write input int register %d", n)
}

func (c *IOClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_ = writeFrame(c.conn, cmdPause, nil)
		err = c.conn.Close()
		<-c.done
	})
	return err
}
