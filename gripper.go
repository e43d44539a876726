package ur_rtde

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"ur_rtde/robotiq"
)

func init() {
	resource.RegisterComponent(
		gripper.API,
		GripperModel,
		resource.Registration[gripper.Gripper, *GripperConfig]{
			Constructor: newRobotiqGripper,
		},
	)
}

// robotiqGripper is a Robotiq 2F gripper reached through one of the router's backends or
// through the cached URScript connection.
type robotiqGripper struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	cfg        *GripperConfig
	geometries []spatialmath.Geometry

	session       *Session
	sharedSession bool
	backend       RobotiqBackend
	cached        bool

	// mu serializes gripper commands
	mu       sync.Mutex
	isMoving atomic.Bool

	paramsMu   sync.RWMutex
	speed      float64
	force      float64
	lastStatus robotiq.Status
}

func newRobotiqGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	cfg, err := resource.NativeConfig[*GripperConfig](conf)
	if err != nil {
		return nil, err
	}
	return NewRobotiqGripper(ctx, conf.ResourceName(), cfg, logger)
}

// NewRobotiqGripper creates the gripper component. The RTDE bridge backend shares the session
// of the arm on the same host; the cached backend holds a connection in the gripper registry
// until Close.
func NewRobotiqGripper(ctx context.Context, name resource.Name, cfg *GripperConfig, logger logging.Logger) (gripper.Gripper, error) {
	g := &robotiqGripper{
		name:   name,
		logger: logger,
		cfg:    cfg,
		speed:  cfg.Speed,
		force:  cfg.Force,
	}

	// 2F-85 body plus open fingers
	bodySize := r3.Vector{X: 85, Y: 75, Z: 163}
	body, err := spatialmath.NewBox(spatialmath.NewPoseFromPoint(r3.Vector{Z: bodySize.Z / 2}), bodySize, "robotiq-2f")
	if err != nil {
		return nil, err
	}
	g.geometries = []spatialmath.Geometry{body}

	switch {
	case cfg.Backend == backendCached:
		g.cached = true
		if _, err := sharedGrippers.Acquire(ctx, cfg.Host); err != nil {
			return nil, fmt.Errorf("failed to connect gripper on %s: %w", cfg.Host, err)
		}
		for _, set := range []struct {
			action robotiq.Action
			value  float64
		}{{robotiq.ActionSetSpeed, cfg.Speed}, {robotiq.ActionSetForce, cfg.Force}} {
			if res := sharedGrippers.RunAction(ctx, cfg.Host, set.action, deviceInt(set.value)); !res.OK {
				logger.Warnf("Failed to %s on %s: %s", set.action, cfg.Host, res.Message)
			}
		}

	default:
		g.backend, err = ParseRobotiqBackend(cfg.Backend)
		if err != nil {
			return nil, err
		}
		if g.backend == BackendRTDEBridge {
			g.session, err = sharedSessions.Acquire(cfg.Host, cfg.ConnectTimeout(), logger)
			if err != nil {
				return nil, fmt.Errorf("failed to open session to %s: %w", cfg.Host, err)
			}
			g.sharedSession = true
		} else {
			// native, URScript and serial open their own transport per command
			g.session = NewSession(cfg.Host, WithLogger(logger))
		}
	}

	logger.Infof("Robotiq gripper initialized (backend %s, speed %.0f, force %.0f)", cfg.Backend, cfg.Speed, cfg.Force)
	return g, nil
}

func (g *robotiqGripper) Name() resource.Name {
	return g.name
}

func deviceInt(v float64) int {
	return int(math.Round(ClampToDevice(v)))
}

// request builds a router request from the configured defaults, overridden by extra.
func (g *robotiqGripper) request(extra map[string]interface{}) RobotiqRequest {
	g.paramsMu.RLock()
	speed, force := g.speed, g.force
	g.paramsMu.RUnlock()

	req := RobotiqRequest{
		Backend:       g.backend,
		Speed:         speed,
		Force:         force,
		WaitForMotion: !g.cfg.Async,
		AutoCalibrate: g.cfg.AutoCalibrate,
		Timeout:       g.cfg.Timeout(),
		InstallBridge: g.cfg.InstallBridge,
		Port:          g.cfg.Port,
		SerialPort:    g.cfg.SerialPort,
	}
	if extra != nil {
		if v, ok := extra["speed"].(float64); ok {
			req.Speed = v
		}
		if v, ok := extra["force"].(float64); ok {
			req.Force = v
		}
		if v, ok := extra["position"].(float64); ok {
			req.Position = v
		}
		if v, ok := extra["async"].(bool); ok {
			req.WaitForMotion = !v
		}
	}
	return req
}

// run executes one action and turns a failed result into an error.
func (g *robotiqGripper) run(ctx context.Context, action robotiq.Action, req RobotiqRequest) (GripperResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		res GripperResult
		err error
	)
	if g.cached {
		res = g.runCached(ctx, action, req)
	} else {
		res, err = g.session.RunRobotiq(action, req)
		if err != nil {
			return res, err
		}
	}

	if res.Status.Reported {
		g.paramsMu.Lock()
		g.lastStatus = res.Status
		g.paramsMu.Unlock()
	}
	if !res.OK {
		return res, fmt.Errorf("gripper %s failed: %s", action, res.Message)
	}
	g.logger.Debugf("gripper %s: %s", action, res.Message)
	return res, nil
}

func (g *robotiqGripper) runCached(ctx context.Context, action robotiq.Action, req RobotiqRequest) GripperResult {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	// the cached gripper keeps speed and force between commands
	if action == robotiq.ActionOpen || action == robotiq.ActionClose || action == robotiq.ActionMove {
		if res := sharedGrippers.RunAction(ctx, g.cfg.Host, robotiq.ActionSetSpeed, deviceInt(req.Speed)); !res.OK {
			return res
		}
		if res := sharedGrippers.RunAction(ctx, g.cfg.Host, robotiq.ActionSetForce, deviceInt(req.Force)); !res.OK {
			return res
		}
	}

	var value int
	switch action {
	case robotiq.ActionMove:
		value = deviceInt(req.Position)
	case robotiq.ActionSetSpeed:
		value = deviceInt(req.Speed)
	case robotiq.ActionSetForce:
		value = deviceInt(req.Force)
	}
	return sharedGrippers.RunAction(ctx, g.cfg.Host, action, value)
}

func (g *robotiqGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	_, err := g.run(ctx, robotiq.ActionOpen, g.request(extra))
	return err
}

// Grab closes the fingers and reports whether they stopped on an object. Backends that cannot
// read the gripper back never report a grab.
func (g *robotiqGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	res, err := g.run(ctx, robotiq.ActionClose, g.request(extra))
	if err != nil {
		return false, err
	}
	if !res.Status.Reported {
		g.logger.Debugf("gripper backend %s does not report object detection", g.cfg.Backend)
		return false, nil
	}
	return holding(res.Status), nil
}

func holding(st robotiq.Status) bool {
	return st.Object == robotiq.StoppedOuterObject || st.Object == robotiq.StoppedInnerObject
}

// Stop has nothing to interrupt: gripper commands run to completion or to their timeout.
func (g *robotiqGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	if g.isMoving.Load() {
		return fmt.Errorf("robotiq gripper commands cannot be interrupted: %w", errors.ErrUnsupported)
	}
	return nil
}

func (g *robotiqGripper) IsMoving(ctx context.Context) (bool, error) {
	return g.isMoving.Load(), nil
}

func (g *robotiqGripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()

	if !g.lastStatus.Reported {
		return gripper.HoldingStatus{}, errors.ErrUnsupported
	}
	return gripper.HoldingStatus{
		IsHoldingSomething: holding(g.lastStatus),
		Meta: map[string]interface{}{
			"object_status": g.lastStatus.Object.String(),
			"position":      g.lastStatus.Position,
		},
	}, nil
}

func (g *robotiqGripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return g.geometries, nil
}

func (g *robotiqGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "activate":
		res, err := g.run(ctx, robotiq.ActionActivate, g.request(cmd))
		return resultMap(res), err

	case "move", "set_position":
		if _, ok := cmd["position"].(float64); !ok {
			return nil, fmt.Errorf("move command requires numeric 'position' parameter (0-255)")
		}
		g.isMoving.Store(true)
		defer g.isMoving.Store(false)
		res, err := g.run(ctx, robotiq.ActionMove, g.request(cmd))
		return resultMap(res), err

	case "set_speed", "set_force":
		v, ok := cmd["value"].(float64)
		if !ok {
			return nil, fmt.Errorf("%s command requires numeric 'value' parameter (0-255)", cmd["command"])
		}
		req := g.request(nil)
		action := robotiq.ActionSetSpeed
		if cmd["command"] == "set_force" {
			action = robotiq.ActionSetForce
			req.Force = v
		} else {
			req.Speed = v
		}
		res, err := g.run(ctx, action, req)
		if err == nil {
			g.paramsMu.Lock()
			if action == robotiq.ActionSetForce {
				g.force = ClampToDevice(v)
			} else {
				g.speed = ClampToDevice(v)
			}
			g.paramsMu.Unlock()
		}
		return resultMap(res), err

	case "get_motion_params":
		g.paramsMu.RLock()
		defer g.paramsMu.RUnlock()
		return map[string]interface{}{"speed": g.speed, "force": g.force}, nil

	case "status":
		g.paramsMu.RLock()
		st := g.lastStatus
		g.paramsMu.RUnlock()
		result := map[string]interface{}{
			"backend":  g.cfg.Backend,
			"reported": st.Reported,
		}
		if st.Reported {
			result["object_status"] = st.Object.String()
			result["fault"] = st.Fault.String()
			result["position"] = st.Position
		}
		if g.cached {
			refs, connected, summary := sharedGrippers.Status(g.cfg.Host)
			result["ref_count"] = refs
			result["connected"] = connected
			result["summary"] = summary
		} else {
			result["last_error"] = g.session.LastError()
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func resultMap(res GripperResult) map[string]interface{} {
	return map[string]interface{}{"success": res.OK, "message": res.Message}
}

func (g *robotiqGripper) Close(ctx context.Context) error {
	switch {
	case g.cached:
		sharedGrippers.Release(g.cfg.Host)
	case g.sharedSession:
		sharedSessions.Release(g.cfg.Host)
	default:
		return g.session.Close()
	}
	return nil
}

func (g *robotiqGripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return nil, errors.ErrUnsupported
}

func (g *robotiqGripper) GoToInputs(ctx context.Context, inputs ...[]referenceframe.Input) error {
	return errors.ErrUnsupported
}

func (g *robotiqGripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errors.ErrUnsupported
}
