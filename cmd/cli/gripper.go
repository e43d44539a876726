package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	urRtde "ur_rtde"
	"ur_rtde/robotiq"
)

type GripperCommand struct {
	Backend       string        `short:"b" long:"backend" env:"UR_GRIPPER_BACKEND" default:"native" description:"native, rtde_bridge, urscript or serial"`
	Port          int           `long:"port" description:"Override the backend's controller port"`
	SerialPort    string        `long:"serial-port" description:"Serial device for the serial backend"`
	Speed         float64       `long:"speed" default:"255" description:"Finger speed 0-255"`
	Force         float64       `long:"force" default:"150" description:"Grip force 0-255"`
	NoWait        bool          `long:"no-wait" description:"Do not wait for the fingers to stop"`
	AutoCalibrate bool          `long:"auto-calibrate" description:"Learn the open and closed limits on activate (native)"`
	InstallBridge bool          `long:"install-bridge" description:"Upload the bridge program before the command (rtde_bridge)"`
	Timeout       time.Duration `long:"gripper-timeout" default:"5s" description:"Command timeout"`

	Args struct {
		Action string `positional-arg-name:"action" required:"yes" description:"activate, open, close, move, speed or force"`
		Value  string `positional-arg-name:"value" description:"Position for move, value for speed and force"`
	} `positional-args:"yes"`
}

var gripperActions = map[string]robotiq.Action{
	"activate": robotiq.ActionActivate,
	"open":     robotiq.ActionOpen,
	"close":    robotiq.ActionClose,
	"move":     robotiq.ActionMove,
	"speed":    robotiq.ActionSetSpeed,
	"force":    robotiq.ActionSetForce,
}

func (c *GripperCommand) Execute(args []string) error {
	action, ok := gripperActions[strings.ToLower(c.Args.Action)]
	if !ok {
		return fmt.Errorf("unknown gripper action %q", c.Args.Action)
	}
	backend, err := urRtde.ParseRobotiqBackend(c.Backend)
	if err != nil {
		return err
	}

	req := urRtde.RobotiqRequest{
		Backend:       backend,
		Speed:         c.Speed,
		Force:         c.Force,
		WaitForMotion: !c.NoWait,
		AutoCalibrate: c.AutoCalibrate,
		InstallBridge: c.InstallBridge,
		Timeout:       c.Timeout,
		Port:          c.Port,
		SerialPort:    c.SerialPort,
	}

	switch action {
	case robotiq.ActionMove, robotiq.ActionSetSpeed, robotiq.ActionSetForce:
		if c.Args.Value == "" {
			return fmt.Errorf("%s needs a value", c.Args.Action)
		}
		v, err := strconv.ParseFloat(c.Args.Value, 64)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		switch action {
		case robotiq.ActionMove:
			req.Position = v
		case robotiq.ActionSetSpeed:
			req.Speed = v
		default:
			req.Force = v
		}
	}

	// only the bridge rides on the RTDE channels; the others open their own transport
	var s *urRtde.Session
	if backend == urRtde.BackendRTDEBridge {
		s, err = opts.connect()
		if err != nil {
			return err
		}
	} else {
		s = opts.newSession()
	}
	defer s.Close()

	res, err := s.RunRobotiq(action, req)
	if err != nil {
		return err
	}
	if res.Status.Reported {
		fmt.Println(dimStyle.Render(fmt.Sprintf("position %d, %s", res.Status.Position, res.Status.Object)))
	}
	return report(res.OK, res.Message)
}
