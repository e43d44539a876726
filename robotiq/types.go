// Package robotiq drives Robotiq 2F grippers through four transports: the gripper's native
// ASCII socket served by the URCap on the controller (port 63352), one-shot URScript programs
// on the secondary interface (port 30002), a register bridge program driven over RTDE, and
// Modbus RTU on the gripper's own RS-485 line.
package robotiq

import (
	"context"
	"fmt"
	"math"
)

// Default ports on the robot controller.
const (
	DefaultNativePort = 63352
	DefaultScriptPort = 30002
)

// MaxDeviceValue is the top of the gripper's native 0..255 scale.
const MaxDeviceValue = 255

// ObjectStatus is the gripper's object detection status (gOBJ / OBJ).
type ObjectStatus int

const (
	Moving ObjectStatus = iota
	StoppedOuterObject
	StoppedInnerObject
	AtDestination
)

func (s ObjectStatus) String() string {
	switch s {
	case Moving:
		return "moving"
	case StoppedOuterObject:
		return "stopped on outer object"
	case StoppedInnerObject:
		return "stopped on inner object"
	case AtDestination:
		return "at destination"
	default:
		return fmt.Sprintf("ObjectStatus(%d)", int(s))
	}
}

// FaultCode is the gripper fault register (gFLT / FLT).
type FaultCode int

const (
	NoFault                   FaultCode = 0x00
	FaultActionDelayed        FaultCode = 0x05
	FaultActivationBitNotSet  FaultCode = 0x07
	FaultMaxTemperature       FaultCode = 0x08
	FaultNoCommunication      FaultCode = 0x09
	FaultUnderVoltage         FaultCode = 0x0A
	FaultAutoReleaseRunning   FaultCode = 0x0B
	FaultInternal             FaultCode = 0x0C
	FaultActivation           FaultCode = 0x0D
	FaultOvercurrent          FaultCode = 0x0E
	FaultAutoReleaseCompleted FaultCode = 0x0F
)

var faultDescriptions = map[FaultCode]string{
	NoFault:                   "no fault",
	FaultActionDelayed:        "action delayed, activation must complete first",
	FaultActivationBitNotSet:  "activation bit must be set prior to action",
	FaultMaxTemperature:       "maximum operating temperature exceeded",
	FaultNoCommunication:      "no communication during at least 1 second",
	FaultUnderVoltage:         "under minimum operating voltage",
	FaultAutoReleaseRunning:   "automatic release in progress",
	FaultInternal:             "internal fault",
	FaultActivation:           "activation fault",
	FaultOvercurrent:          "overcurrent triggered",
	FaultAutoReleaseCompleted: "automatic release completed",
}

func (f FaultCode) String() string {
	if d, ok := faultDescriptions[f]; ok {
		return d
	}
	return fmt.Sprintf("fault 0x%02X", int(f))
}

// Status is what a transport learned about the gripper after a command. Reported is false
// for transports that cannot read the gripper back (URScript, RTDE bridge).
type Status struct {
	Object   ObjectStatus
	Fault    FaultCode
	Position int
	Reported bool
}

// Gripper is a single Robotiq transport. Values are on the device scale 0..255.
type Gripper interface {
	Activate(ctx context.Context, autoCalibrate bool) (Status, error)
	Open(ctx context.Context, speed, force float64, wait bool) (Status, error)
	Close(ctx context.Context, speed, force float64, wait bool) (Status, error)
	Move(ctx context.Context, position, speed, force float64, wait bool) (Status, error)
	SetSpeed(ctx context.Context, speed float64) error
	SetForce(ctx context.Context, force float64) error
	Disconnect() error
}

// Action is a gripper command.
type Action int

const (
	ActionActivate Action = iota
	ActionOpen
	ActionClose
	ActionMove
	ActionSetSpeed
	ActionSetForce
)

func (a Action) String() string {
	switch a {
	case ActionActivate:
		return "activate"
	case ActionOpen:
		return "open"
	case ActionClose:
		return "close"
	case ActionMove:
		return "move"
	case ActionSetSpeed:
		return "set speed"
	case ActionSetForce:
		return "set force"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Parameter selects which value a Unit applies to.
type Parameter int

const (
	Position Parameter = iota
	Speed
	Force
)

// Unit is the scale a caller passes values in.
type Unit int

const (
	// UnitDevice is the raw 0..255 register scale.
	UnitDevice Unit = iota
	// UnitNormalized is 0..1.
	UnitNormalized
	// UnitPercent is 0..100.
	UnitPercent
)

// ToDevice converts v from unit to the device scale and clamps it into 0..255. NaN and
// infinities become 0.
func ToDevice(v float64, unit Unit) int {
	switch unit {
	case UnitNormalized:
		v *= MaxDeviceValue
	case UnitPercent:
		v = v * MaxDeviceValue / 100
	}
	return Clamp(v)
}

// Clamp maps v onto the device scale: non-finite values become 0, everything else is
// rounded and clamped into 0..255.
func Clamp(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > MaxDeviceValue {
		return MaxDeviceValue
	}
	return int(v)
}
