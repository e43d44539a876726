package rtde

import (
	"context"
	"net"
	"strconv"

	"go.viam.com/rdk/logging"
)

// Default controller ports.
const (
	DefaultRTDEPort   = 30004
	DefaultScriptPort = 30003
	DefaultFrequency  = 125.0
)

// Options configures the default dialer. Zero fields take the defaults above.
type Options struct {
	RTDEPort   int
	ScriptPort int
	// Frequency is the receive recipe rate in Hz.
	Frequency float64
	Logger    logging.Logger
}

type dialer struct {
	opts Options
}

// NewDialer returns the Dialer that speaks RTDE for receive and IO and URScript for control.
func NewDialer(opts Options) Dialer {
	if opts.RTDEPort == 0 {
		opts.RTDEPort = DefaultRTDEPort
	}
	if opts.ScriptPort == 0 {
		opts.ScriptPort = DefaultScriptPort
	}
	if opts.Frequency <= 0 {
		opts.Frequency = DefaultFrequency
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("rtde")
	}
	return &dialer{opts: opts}
}

func (d *dialer) DialControl(ctx context.Context, host string) (Control, error) {
	c, err := DialScript(ctx, net.JoinHostPort(host, strconv.Itoa(d.opts.ScriptPort)), d.opts.Logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *dialer) DialReceive(ctx context.Context, host string) (Receive, error) {
	r, err := DialReceiver(ctx, net.JoinHostPort(host, strconv.Itoa(d.opts.RTDEPort)), d.opts.Frequency, d.opts.Logger)
	if err != nil {
		return nil, err
	}
	return r.AsReceive(), nil
}

func (d *dialer) DialIO(ctx context.Context, host string) (IO, error) {
	c, err := DialIO(ctx, net.JoinHostPort(host, strconv.Itoa(d.opts.RTDEPort)), d.opts.Logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}
