package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.viam.com/rdk/logging"

	urRtde "ur_rtde"
)

type Options struct {
	Host    string        `short:"H" long:"host" env:"UR_HOST" default:"127.0.0.1" description:"Robot controller address"`
	Timeout time.Duration `short:"t" long:"timeout" env:"UR_TIMEOUT" default:"2s" description:"Connect timeout"`
	Verbose bool          `short:"v" long:"verbose" description:"Log session activity"`

	Read       ReadCommand       `command:"read" description:"Print one telemetry snapshot"`
	Move       MoveCommand       `command:"move" description:"Move to joint positions or, with --linear, to a TCP pose"`
	Gripper    GripperCommand    `command:"gripper" description:"Send a Robotiq gripper command"`
	DigitalOut DigitalOutCommand `command:"digital-out" alias:"dout" description:"Set a standard digital output"`
	Monitor    MonitorCommand    `command:"monitor" description:"Live joint velocity chart"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func main() {
	// a .env next to the binary supplies UR_HOST and friends; real env vars win
	_ = godotenv.Load()

	parser.LongDescription = "ur-cli - drive a Universal Robots controller and Robotiq gripper over RTDE"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

func (o *Options) logger() logging.Logger {
	logger := logging.NewLogger("ur-cli")
	if o.Verbose {
		logger.SetLevel(logging.DEBUG)
	} else {
		logger.SetLevel(logging.WARN)
	}
	return logger
}

// newSession returns an unconnected session for the configured host.
func (o *Options) newSession() *urRtde.Session {
	return urRtde.NewSession(o.Host, urRtde.WithLogger(o.logger()))
}

// connect returns a connected session or an error carrying the session's last error.
func (o *Options) connect() (*urRtde.Session, error) {
	s := o.newSession()
	if !s.Connect(o.Timeout) {
		return nil, fmt.Errorf("connect to %s: %s", o.Host, s.LastError())
	}
	return s, nil
}

func report(ok bool, msg string) error {
	if !ok {
		fmt.Println(failStyle.Render("✗ " + msg))
		return fmt.Errorf("%s", msg)
	}
	fmt.Println(successStyle.Render("✓ " + msg))
	return nil
}
