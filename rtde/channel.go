// Package rtde provides the channels a UR session talks through: a control channel that
// issues motion commands, a receive channel that caches the controller's state stream, and
// an IO channel that writes controller inputs. The interfaces are what the session depends
// on; the concrete clients in this package speak RTDE (port 30004) and URScript (port 30003).
package rtde

import (
	"context"
)

// Control issues motion commands and raw URScript to the controller.
type Control interface {
	MoveJ(q []float64, speed, acceleration float64, async bool) (bool, error)
	MoveL(pose []float64, speed, acceleration float64, async bool) (bool, error)
	StopJ(deceleration float64) (bool, error)
	StopL(deceleration float64) (bool, error)
	SendScript(script string) error
	Close() error
}

// Receive exposes the most recent state received from the controller. Reads never block on
// the network; they return whatever the background reader cached last.
type Receive interface {
	ActualQ() ([]float64, error)
	ActualQd() ([]float64, error)
	DigitalInState() (uint64, error)
	DigitalOutState() (uint64, error)
	StandardAnalogInput0() (float64, error)
	StandardAnalogInput1() (float64, error)
	StandardAnalogOutput0() (float64, error)
	StandardAnalogOutput1() (float64, error)
	RobotMode() (int32, error)
	SafetyMode() (int32, error)
	IsProgramRunning() (bool, error)
	OutputIntRegister(n int) (int32, error)
	Close() error
}

// TCPPoseReader is implemented by receive channels whose controller publishes
// actual_TCP_pose. Receiver.AsReceive picks the variant during setup.
type TCPPoseReader interface {
	ActualTCPPose() ([]float64, error)
}

// IO writes controller inputs.
type IO interface {
	SetStandardDigitalOut(pin int, value bool) error
	SetInputIntRegister(n int, value int32) error
	Close() error
}

// Dialer opens the three channels of a session.
type Dialer interface {
	DialControl(ctx context.Context, host string) (Control, error)
	DialReceive(ctx context.Context, host string) (Receive, error)
	DialIO(ctx context.Context, host string) (IO, error)
}
