package ur_rtde

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestLoadWaypointsFromFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	saved := Waypoints{
		"home":  {0, -1.57, 1.57, -1.57, -1.57, 0},
		"above": {0.5, -1.2, 1.4, -1.7, -1.57, 0},
	}

	t.Run("returns fromFile=true when file exists", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "waypoints.json")
		if err := SaveWaypointsToFile(file, saved); err != nil {
			t.Fatalf("Failed to create test waypoints file: %v", err)
		}

		cfg := &ArmConfig{WaypointsFile: file}
		waypoints, fromFile := cfg.LoadWaypoints(logger)

		if !fromFile {
			t.Error("Expected fromFile=true when loading from existing file")
		}
		assert.Equal(t, saved, waypoints)
		assert.Equal(t, []string{"above", "home"}, waypoints.Names())
	})

	t.Run("returns fromFile=false when no file configured", func(t *testing.T) {
		cfg := &ArmConfig{}
		waypoints, fromFile := cfg.LoadWaypoints(logger)

		if fromFile {
			t.Error("Expected fromFile=false when no file configured")
		}
		assert.Empty(t, waypoints)
	})

	t.Run("returns fromFile=false when file doesn't exist", func(t *testing.T) {
		cfg := &ArmConfig{WaypointsFile: "/nonexistent/path/waypoints.json"}
		_, fromFile := cfg.LoadWaypoints(logger)

		if fromFile {
			t.Error("Expected fromFile=false when file doesn't exist")
		}
	})

	t.Run("rejects waypoints without six joints", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(file, []byte(`{"short": [0, 1, 2]}`), 0644))

		_, err := LoadWaypointsFromFile(file)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidVector))
	})

	t.Run("resolves relative paths against VIAM_MODULE_DATA", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("VIAM_MODULE_DATA", dir)
		require.NoError(t, SaveWaypointsToFile(filepath.Join(dir, "rel.json"), saved))

		cfg := &ArmConfig{WaypointsFile: "rel.json"}
		_, fromFile := cfg.LoadWaypoints(logger)

		assert.True(t, fromFile)
		assert.Equal(t, filepath.Join(dir, "rel.json"), cfg.WaypointsFile)
	})
}

func TestArmConfigValidate(t *testing.T) {
	cfg := &ArmConfig{Host: "192.168.1.10"}
	_, _, err := cfg.Validate("")
	require.NoError(t, err)
	assert.Equal(t, 1.05, cfg.Speed)
	assert.Equal(t, 0.25, cfg.LinearSpeed)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout())

	cfg = &ArmConfig{Host: "192.168.1.10", ConnectTimeoutMS: 500}
	assert.Equal(t, 500*time.Millisecond, cfg.ConnectTimeout())

	_, _, err = (&ArmConfig{}).Validate("")
	assert.Error(t, err)

	_, _, err = (&ArmConfig{Host: "192.168.1.10", Speed: 10}).Validate("")
	assert.Error(t, err)
}

func TestGripperConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GripperConfig
		wantErr bool
	}{
		{name: "default backend", cfg: GripperConfig{Host: "10.0.0.2"}},
		{name: "cached urscript", cfg: GripperConfig{Host: "10.0.0.2", Backend: "urscript_cached"}},
		{name: "bridge", cfg: GripperConfig{Host: "10.0.0.2", Backend: "rtde_bridge"}},
		{name: "serial without host", cfg: GripperConfig{Backend: "serial", SerialPort: "/dev/ttyUSB0"}},
		{name: "serial without port", cfg: GripperConfig{Backend: "serial"}, wantErr: true},
		{name: "unknown backend", cfg: GripperConfig{Host: "10.0.0.2", Backend: "modbus"}, wantErr: true},
		{name: "missing host", cfg: GripperConfig{Backend: "native"}, wantErr: true},
		{name: "force out of range", cfg: GripperConfig{Host: "10.0.0.2", Force: 300}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			_, _, err := cfg.Validate("")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, cfg.Backend)
			assert.Equal(t, 255.0, cfg.Speed)
			assert.Equal(t, DefaultGripperTimeout, cfg.Timeout())
		})
	}
}

func TestTelemetryAndDiscoveryConfigValidate(t *testing.T) {
	tc := &TelemetryConfig{Host: "10.0.0.2"}
	_, _, err := tc.Validate("")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, tc.PollInterval())

	_, _, err = (&TelemetryConfig{Host: "10.0.0.2", PollIntervalMS: 1}).Validate("")
	assert.Error(t, err)

	dc := &DiscoveryConfig{Subnet: "192.168.1.0/24"}
	_, _, err = dc.Validate("")
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, dc.ProbeTimeout())

	_, _, err = (&DiscoveryConfig{Subnet: "10.0.0.0/8"}).Validate("")
	assert.Error(t, err)
	_, _, err = (&DiscoveryConfig{Subnet: "not-a-cidr"}).Validate("")
	assert.Error(t, err)
}
