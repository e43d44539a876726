package ur_rtde

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

//go:embed ur5e.json
var ur5eModelJSON []byte

func init() {
	resource.RegisterComponent(arm.API, ArmModel,
		resource.Registration[arm.Arm, *ArmConfig]{
			Constructor: newURArm,
		},
	)
}

func createURModel(name string) (referenceframe.Model, error) {
	model, err := referenceframe.UnmarshalModelJSON(ur5eModelJSON, name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse kinematics JSON")
	}
	return model, nil
}

// urArm is a UR arm driven through a shared Session.
type urArm struct {
	resource.AlwaysRebuild

	name    resource.Name
	logger  logging.Logger
	cfg     *ArmConfig
	opMgr   *operation.SingleOperationManager
	session *Session
	model   referenceframe.Model

	isMoving atomic.Bool

	mu        sync.RWMutex
	speed     float64
	accel     float64
	linSpeed  float64
	linAccel  float64
	waypoints Waypoints
}

func newURArm(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (arm.Arm, error) {
	conf, err := resource.NativeConfig[*ArmConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return NewURArm(ctx, rawConf.ResourceName(), conf, logger)
}

// NewURArm creates the arm component for the controller at conf.Host.
func NewURArm(ctx context.Context, name resource.Name, conf *ArmConfig, logger logging.Logger) (arm.Arm, error) {
	model, err := createURModel(name.ShortName())
	if err != nil {
		return nil, fmt.Errorf("failed to create kinematic model: %w", err)
	}

	session, err := sharedSessions.Acquire(conf.Host, conf.ConnectTimeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session to %s: %w", conf.Host, err)
	}

	waypoints, _ := conf.LoadWaypoints(logger)

	a := &urArm{
		name:      name,
		logger:    logger,
		cfg:       conf,
		opMgr:     operation.NewSingleOperationManager(),
		session:   session,
		model:     model,
		speed:     conf.Speed,
		accel:     conf.Acceleration,
		linSpeed:  conf.LinearSpeed,
		linAccel:  conf.LinearAcceleration,
		waypoints: waypoints,
	}

	logger.Infof("UR arm initialized for %s", conf.Host)
	return a, nil
}

func (a *urArm) Name() resource.Name {
	return a.name
}

// motionError turns the bool result of a session command into an error.
func (a *urArm) motionError(op string, ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		msg := a.session.LastError()
		if msg == "" {
			msg = "rejected by controller"
		}
		return fmt.Errorf("%s failed: %s", op, msg)
	}
	return nil
}

func (a *urArm) jointParams() (float64, float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.speed, a.accel
}

func (a *urArm) linearParams() (float64, float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.linSpeed, a.linAccel
}

func (a *urArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	pose, err := a.session.ActualTCPPose()
	if err == nil {
		return PoseToSpatial(pose)
	}
	if !errors.Is(err, ErrMissingCapability) {
		return nil, err
	}

	// the receive channel has no pose output; fall back to forward kinematics
	inputs, err := a.CurrentInputs(ctx)
	if err != nil {
		return nil, err
	}
	return referenceframe.ComputeOOBPosition(a.model, inputs)
}

// MoveToPosition moves the TCP linearly to pose.
func (a *urArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	a.isMoving.Store(true)
	defer a.isMoving.Store(false)

	speed, accel := a.linearParams()
	ok, err := a.session.moveL(ctx, SpatialToPose(pose), speed, accel, false)
	return a.motionError("movel", ok, err)
}

func (a *urArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	a.isMoving.Store(true)
	defer a.isMoving.Store(false)

	speed, accel := a.jointParams()
	ok, err := a.session.moveJ(ctx, positions, speed, accel, false)
	return a.motionError("movej", ok, err)
}

func (a *urArm) MoveThroughJointPositions(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	a.isMoving.Store(true)
	defer a.isMoving.Store(false)

	speed, accel := a.jointParams()
	if options != nil {
		if options.MaxVelRads > 0 {
			speed = options.MaxVelRads
		}
		if options.MaxAccRads > 0 {
			accel = options.MaxAccRads
		}
	}

	waypoints := make([][]float64, len(positions))
	for i, p := range positions {
		waypoints[i] = p
	}
	reached, ok, err := a.session.MoveJSequence(ctx, waypoints, speed, accel)
	if err == nil && !ok {
		a.logger.Debugf("path stopped after %d of %d waypoints", reached, len(waypoints))
	}
	return a.motionError(fmt.Sprintf("waypoint %d", reached), ok, err)
}

func (a *urArm) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	q, err := a.session.ActualQ()
	if err != nil {
		return nil, fmt.Errorf("failed to read joint positions: %w", err)
	}
	if len(q) != 6 {
		return nil, fmt.Errorf("expected 6 joint angles, got %d", len(q))
	}
	return q, nil
}

func (a *urArm) Stop(ctx context.Context, extra map[string]interface{}) error {
	a.opMgr.CancelRunning(ctx)
	ok, err := a.session.StopJ(a.cfg.StopDeceleration)
	return a.motionError("stopj", ok, err)
}

func (a *urArm) ModelFrame() referenceframe.Model {
	return a.model
}

func (a *urArm) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return a.model, nil
}

func (a *urArm) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return a.JointPositions(ctx, nil)
}

func (a *urArm) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	return a.MoveThroughJointPositions(ctx, inputSteps, nil, nil)
}

// IsMoving reports a command in progress, or joint motion started from elsewhere such as the
// teach pendant.
func (a *urArm) IsMoving(ctx context.Context) (bool, error) {
	if a.isMoving.Load() || a.opMgr.OpRunning() {
		return true, nil
	}
	qd, err := a.session.ActualQd()
	if err != nil {
		return false, err
	}
	for _, v := range qd {
		if math.Abs(v) > a.session.wait.StartThreshold {
			return true, nil
		}
	}
	return false, nil
}

func (a *urArm) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	inputs, err := a.CurrentInputs(ctx)
	if err != nil {
		return nil, err
	}
	gif, err := a.model.Geometries(inputs)
	if err != nil {
		return nil, err
	}
	return gif.Geometries(), nil
}

// Get3DModels returns no meshes; the visualizer falls back to the kinematic geometries.
func (a *urArm) Get3DModels(ctx context.Context, extra map[string]interface{}) (map[string]*commonpb.Mesh, error) {
	return map[string]*commonpb.Mesh{}, nil
}

func (a *urArm) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_digital_out":
		pin, ok := cmd["pin"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_digital_out command requires numeric 'pin' parameter")
		}
		value, ok := cmd["value"].(bool)
		if !ok {
			return nil, fmt.Errorf("set_digital_out command requires 'value' boolean parameter")
		}
		ok, err := a.session.SetStandardDigitalOut(int(pin), value)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok, "error": a.session.LastError()}, nil

	case "move_l":
		pose, err := floatsParam(cmd, "pose")
		if err != nil {
			return nil, err
		}
		async, _ := cmd["async"].(bool)
		speed, accel := a.linearParams()
		ok, err := a.session.MoveL(pose, speed, accel, async)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok, "error": a.session.LastError()}, nil

	case "stop_l":
		ok, err := a.session.StopL(a.cfg.StopDeceleration)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": ok}, nil

	case "set_motion_params":
		result := make(map[string]interface{})
		a.mu.Lock()
		defer a.mu.Unlock()
		for key, dst := range map[string]*float64{
			"speed":               &a.speed,
			"acceleration":        &a.accel,
			"linear_speed":        &a.linSpeed,
			"linear_acceleration": &a.linAccel,
		} {
			v, ok := cmd[key].(float64)
			if !ok {
				continue
			}
			if v <= 0 {
				return nil, fmt.Errorf("%s must be positive, got %v", key, v)
			}
			*dst = v
			result[key+"_set"] = v
		}
		return result, nil

	case "save_waypoint":
		name, ok := cmd["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("save_waypoint command requires 'name' string parameter")
		}
		q, err := a.session.ActualQ()
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		a.waypoints[name] = q
		if a.cfg.WaypointsFile != "" {
			if err := SaveWaypointsToFile(resolveDataPath(a.cfg.WaypointsFile), a.waypoints); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"success": true, "joints": floatsToAny(q)}, nil

	case "goto_waypoint":
		name, ok := cmd["name"].(string)
		if !ok {
			return nil, fmt.Errorf("goto_waypoint command requires 'name' string parameter")
		}
		a.mu.RLock()
		q, exists := a.waypoints[name]
		a.mu.RUnlock()
		if !exists {
			return nil, fmt.Errorf("unknown waypoint %q", name)
		}
		err := a.MoveToJointPositions(ctx, q, nil)
		return map[string]interface{}{"success": err == nil}, err

	case "list_waypoints":
		a.mu.RLock()
		defer a.mu.RUnlock()
		names := make([]interface{}, 0, len(a.waypoints))
		for _, n := range a.waypoints.Names() {
			names = append(names, n)
		}
		return map[string]interface{}{"waypoints": names}, nil

	case "status":
		snap, err := a.session.ReadSnapshot()
		if err != nil {
			return map[string]interface{}{"connected": false, "last_error": a.session.LastError()}, nil
		}
		return map[string]interface{}{
			"connected":       true,
			"robot_mode":      snap.RobotMode,
			"safety_mode":     snap.SafetyMode,
			"program_running": snap.ProgramRunning,
			"last_error":      a.session.LastError(),
		}, nil

	case "reconnect":
		ok := a.session.Reconnect()
		return map[string]interface{}{"success": ok, "error": a.session.LastError()}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

// floatsParam reads a six-element numeric list from a DoCommand argument.
func floatsParam(cmd map[string]interface{}, key string) ([]float64, error) {
	raw, ok := cmd[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("command requires '%s' list parameter", key)
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a number", key, i)
		}
		out[i] = f
	}
	if len(out) != 6 {
		return nil, ErrInvalidVector
	}
	return out, nil
}

func (a *urArm) Close(context.Context) error {
	a.logger.Info("Closing UR arm")
	sharedSessions.Release(a.cfg.Host)
	return nil
}
