package ur_rtde

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"

	"ur_rtde/rtde"
)

// useFakeSessions points the shared registry at d for the duration of the test.
func useFakeSessions(t *testing.T, d *fakeDialer) {
	t.Helper()
	prev := sharedSessions
	sharedSessions = NewSessionRegistry(WithDialer(d), WithMotionWait(fastWait))
	t.Cleanup(func() {
		sharedSessions.CloseAll()
		sharedSessions = prev
	})
}

func testArmConfig() *ArmConfig {
	return &ArmConfig{
		Host:               "10.0.0.2",
		Speed:              1.05,
		Acceleration:       1.4,
		LinearSpeed:        0.25,
		LinearAcceleration: 1.2,
		StopDeceleration:   2,
	}
}

func newTestArm(t *testing.T, d *fakeDialer, cfg *ArmConfig) *urArm {
	t.Helper()
	useFakeSessions(t, d)
	a, err := NewURArm(context.Background(), arm.Named("arm"), cfg, logging.NewTestLogger(t))
	require.NoError(t, err)
	return a.(*urArm)
}

func TestURArmKinematics(t *testing.T) {
	model, err := createURModel("ur5e")
	require.NoError(t, err)
	assert.Len(t, model.DoF(), 6)

	pose, err := referenceframe.ComputeOOBPosition(model, make([]float64, 6))
	require.NoError(t, err)
	assert.NotNil(t, pose)
}

func TestURArmJointMoves(t *testing.T) {
	d := &fakeDialer{}
	a := newTestArm(t, d, testArmConfig())
	ctx := context.Background()

	inputs, err := a.JointPositions(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -1.57, 1.57, -1.57, -1.57, 0}, inputs)

	require.NoError(t, a.MoveToJointPositions(ctx, inputs, nil))

	err = a.MoveToJointPositions(ctx, make([]float64, 5), nil)
	assert.ErrorIs(t, err, ErrInvalidVector)

	path := [][]referenceframe.Input{inputs, make([]float64, 6)}
	require.NoError(t, a.MoveThroughJointPositions(ctx, path, &arm.MoveOptions{MaxVelRads: 0.5}, nil))

	require.NoError(t, a.Stop(ctx, nil))
	assert.Equal(t, []string{"movej", "movej", "movej", "stopj"}, d.control(0).callLog())

	moving, err := a.IsMoving(ctx)
	require.NoError(t, err)
	assert.False(t, moving)

	d.receive(0).qd = func() []float64 { return []float64{0, 0, 0, 0, 0, 0.3} }
	moving, err = a.IsMoving(ctx)
	require.NoError(t, err)
	assert.True(t, moving)
}

func TestURArmMoveRejected(t *testing.T) {
	d := &fakeDialer{}
	a := newTestArm(t, d, testArmConfig())
	d.control(0).result = false

	err := a.MoveToPosition(context.Background(), spatialmath.NewPoseFromPoint(r3.Vector{X: 300, Z: 400}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "movel failed: rejected by controller")
}

func TestURArmEndPosition(t *testing.T) {
	t.Run("from receive channel", func(t *testing.T) {
		d := &fakeDialer{newReceive: func() rtde.Receive {
			return &poseReceive{fakeReceive: newFakeReceive(), tcp: []float64{0.3, -0.1, 0.4, 0, 0, 0}}
		}}
		a := newTestArm(t, d, testArmConfig())

		pose, err := a.EndPosition(context.Background(), nil)
		require.NoError(t, err)
		assert.InDelta(t, 300, pose.Point().X, 1e-9)
		assert.InDelta(t, -100, pose.Point().Y, 1e-9)
		assert.InDelta(t, 400, pose.Point().Z, 1e-9)
	})

	t.Run("forward kinematics fallback", func(t *testing.T) {
		d := &fakeDialer{}
		a := newTestArm(t, d, testArmConfig())

		pose, err := a.EndPosition(context.Background(), nil)
		require.NoError(t, err)
		inputs, err := a.CurrentInputs(context.Background())
		require.NoError(t, err)
		want, err := referenceframe.ComputeOOBPosition(a.model, inputs)
		require.NoError(t, err)
		assert.True(t, spatialmath.PoseAlmostEqual(want, pose))
	})
}

func TestURArmDoCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := testArmConfig()
	cfg.WaypointsFile = filepath.Join(dir, "waypoints.json")

	d := &fakeDialer{}
	a := newTestArm(t, d, cfg)
	ctx := context.Background()

	resp, err := a.DoCommand(ctx, map[string]interface{}{"command": "set_digital_out", "pin": 2.0, "value": true})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	_, err = a.DoCommand(ctx, map[string]interface{}{"command": "set_digital_out", "pin": "2"})
	assert.Error(t, err)

	_, err = a.DoCommand(ctx, map[string]interface{}{"command": "move_l", "pose": []interface{}{0.3, 0.0, 0.4}})
	assert.ErrorIs(t, err, ErrInvalidVector)

	resp, err = a.DoCommand(ctx, map[string]interface{}{
		"command": "move_l",
		"pose":    []interface{}{0.3, 0.0, 0.4, 0.0, 3.14, 0.0},
		"async":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = a.DoCommand(ctx, map[string]interface{}{"command": "set_motion_params", "speed": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, resp["speed_set"])
	_, err = a.DoCommand(ctx, map[string]interface{}{"command": "set_motion_params", "acceleration": -1.0})
	assert.Error(t, err)

	resp, err = a.DoCommand(ctx, map[string]interface{}{"command": "save_waypoint", "name": "home"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	_, err = os.Stat(cfg.WaypointsFile)
	require.NoError(t, err)

	saved, err := LoadWaypointsFromFile(cfg.WaypointsFile)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -1.57, 1.57, -1.57, -1.57, 0}, saved["home"])

	resp, err = a.DoCommand(ctx, map[string]interface{}{"command": "list_waypoints"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"home"}, resp["waypoints"])

	resp, err = a.DoCommand(ctx, map[string]interface{}{"command": "goto_waypoint", "name": "home"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	_, err = a.DoCommand(ctx, map[string]interface{}{"command": "goto_waypoint", "name": "nowhere"})
	assert.Error(t, err)

	resp, err = a.DoCommand(ctx, map[string]interface{}{"command": "status"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["connected"])
	assert.Equal(t, int32(7), resp["robot_mode"])

	_, err = a.DoCommand(ctx, map[string]interface{}{"command": "dance"})
	assert.Error(t, err)

	assert.Equal(t, []string{"movel", "movej"}, d.control(0).callLog())
}

func TestURArmCloseReleasesSession(t *testing.T) {
	d := &fakeDialer{}
	a := newTestArm(t, d, testArmConfig())

	refs, _, _ := sharedSessions.Status("10.0.0.2")
	assert.Equal(t, int64(1), refs)

	require.NoError(t, a.Close(context.Background()))
	refs, connected, _ := sharedSessions.Status("10.0.0.2")
	assert.Equal(t, int64(0), refs)
	assert.False(t, connected)
	assert.Equal(t, 1, d.control(0).closeCount())
}

func TestURArmMoveLReportsOnlyItsOwnError(t *testing.T) {
	d := &fakeDialer{}
	a := newTestArm(t, d, testArmConfig())
	ctx := context.Background()
	move := map[string]interface{}{
		"command": "move_l",
		"pose":    []interface{}{0.3, 0.0, 0.4, 0.0, 3.14, 0.0},
		"async":   true,
	}

	d.control(0).err = errors.New("protective stop")
	resp, err := a.DoCommand(ctx, move)
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "protective stop", resp["error"])

	d.control(0).err = nil
	resp, err = a.DoCommand(ctx, move)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "", resp["error"])
}
