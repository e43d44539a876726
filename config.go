package ur_rtde

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var (
	ArmModel       = resource.NewModel("devrel", "ur", "arm")
	GripperModel   = resource.NewModel("devrel", "ur", "robotiq-gripper")
	TelemetryModel = resource.NewModel("devrel", "ur", "telemetry")
	DiscoveryModel = resource.NewModel("devrel", "ur", "discovery")
)

// backendCached selects the per-controller cached URScript gripper instead of a connection
// per command. It only exists in gripper configs.
const backendCached = "urscript_cached"

func connectTimeout(ms int) time.Duration {
	if ms <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("must specify host of the robot controller")
	}
	if net.ParseIP(host) == nil {
		if _, err := net.LookupHost(host); err != nil {
			return fmt.Errorf("invalid host %q: %w", host, err)
		}
	}
	return nil
}

// ArmConfig configures the UR arm component.
type ArmConfig struct {
	Host             string `json:"host"`
	ConnectTimeoutMS int    `json:"connect_timeout_ms,omitempty"`

	// Joint moves, rad/s and rad/s^2
	Speed        float64 `json:"speed,omitempty"`
	Acceleration float64 `json:"acceleration,omitempty"`

	// Linear moves, m/s and m/s^2
	LinearSpeed        float64 `json:"linear_speed,omitempty"`
	LinearAcceleration float64 `json:"linear_acceleration,omitempty"`

	StopDeceleration float64 `json:"stop_deceleration,omitempty"`

	WaypointsFile string `json:"waypoints_file,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *ArmConfig) Validate(path string) ([]string, []string, error) {
	if err := validateHost(cfg.Host); err != nil {
		return nil, nil, err
	}

	if cfg.Speed == 0 {
		cfg.Speed = 1.05
	}
	if cfg.Acceleration == 0 {
		cfg.Acceleration = 1.4
	}
	if cfg.LinearSpeed == 0 {
		cfg.LinearSpeed = 0.25
	}
	if cfg.LinearAcceleration == 0 {
		cfg.LinearAcceleration = 1.2
	}
	if cfg.StopDeceleration == 0 {
		cfg.StopDeceleration = 2.0
	}

	if cfg.Speed < 0 || cfg.Speed > 3.14 {
		return nil, nil, fmt.Errorf("speed must be between 0 and 3.14 rad/s, got %v", cfg.Speed)
	}
	if cfg.LinearSpeed < 0 || cfg.LinearSpeed > 3 {
		return nil, nil, fmt.Errorf("linear_speed must be between 0 and 3 m/s, got %v", cfg.LinearSpeed)
	}
	if cfg.Acceleration < 0 || cfg.LinearAcceleration < 0 || cfg.StopDeceleration < 0 {
		return nil, nil, fmt.Errorf("accelerations must not be negative")
	}

	return nil, nil, nil
}

func (cfg *ArmConfig) ConnectTimeout() time.Duration {
	return connectTimeout(cfg.ConnectTimeoutMS)
}

// GripperConfig configures the Robotiq gripper component.
type GripperConfig struct {
	Host string `json:"host,omitempty"`
	// native, rtde_bridge, urscript, serial or urscript_cached
	Backend       string `json:"backend,omitempty"`
	Port          int    `json:"port,omitempty"`
	SerialPort    string `json:"serial_port,omitempty"`
	TimeoutMS     int    `json:"timeout_ms,omitempty"`
	InstallBridge bool   `json:"install_bridge,omitempty"`
	AutoCalibrate bool   `json:"auto_calibrate,omitempty"`
	// Async returns from open and grab without waiting for the fingers to stop.
	Async bool `json:"async,omitempty"`

	Speed float64 `json:"speed,omitempty"`
	Force float64 `json:"force,omitempty"`

	ConnectTimeoutMS int `json:"connect_timeout_ms,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *GripperConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendNative.String()
	}
	if cfg.Backend != backendCached {
		if _, err := ParseRobotiqBackend(cfg.Backend); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Backend == BackendSerial.String() {
		if cfg.SerialPort == "" {
			return nil, nil, fmt.Errorf("must specify serial_port for the serial backend")
		}
	} else if err := validateHost(cfg.Host); err != nil {
		return nil, nil, err
	}

	if cfg.Speed == 0 {
		cfg.Speed = 255
	}
	if cfg.Force == 0 {
		cfg.Force = 150
	}
	if cfg.Speed < 0 || cfg.Speed > 255 {
		return nil, nil, fmt.Errorf("speed must be between 0 and 255, got %v", cfg.Speed)
	}
	if cfg.Force < 0 || cfg.Force > 255 {
		return nil, nil, fmt.Errorf("force must be between 0 and 255, got %v", cfg.Force)
	}
	if cfg.TimeoutMS < 0 {
		return nil, nil, fmt.Errorf("timeout_ms must not be negative")
	}

	return nil, nil, nil
}

func (cfg *GripperConfig) Timeout() time.Duration {
	if cfg.TimeoutMS <= 0 {
		return DefaultGripperTimeout
	}
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}

func (cfg *GripperConfig) ConnectTimeout() time.Duration {
	return connectTimeout(cfg.ConnectTimeoutMS)
}

// TelemetryConfig configures the telemetry sensor.
type TelemetryConfig struct {
	Host             string `json:"host"`
	ConnectTimeoutMS int    `json:"connect_timeout_ms,omitempty"`
	PollIntervalMS   int    `json:"poll_interval_ms,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *TelemetryConfig) Validate(path string) ([]string, []string, error) {
	if err := validateHost(cfg.Host); err != nil {
		return nil, nil, err
	}
	if cfg.PollIntervalMS == 0 {
		cfg.PollIntervalMS = 100
	}
	if cfg.PollIntervalMS < 2 {
		return nil, nil, fmt.Errorf("poll_interval_ms must be at least 2, got %d", cfg.PollIntervalMS)
	}
	return nil, nil, nil
}

func (cfg *TelemetryConfig) ConnectTimeout() time.Duration {
	return connectTimeout(cfg.ConnectTimeoutMS)
}

func (cfg *TelemetryConfig) PollInterval() time.Duration {
	if cfg.PollIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(cfg.PollIntervalMS) * time.Millisecond
}

// DiscoveryConfig configures the discovery service. Hosts are probed as given; Subnet is a
// CIDR range probed address by address.
type DiscoveryConfig struct {
	Hosts          []string `json:"hosts,omitempty"`
	Subnet         string   `json:"subnet,omitempty"`
	ProbeTimeoutMS int      `json:"probe_timeout_ms,omitempty"`
	SkipSerial     bool     `json:"skip_serial,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Subnet != "" {
		_, ipnet, err := net.ParseCIDR(cfg.Subnet)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid subnet %q: %w", cfg.Subnet, err)
		}
		if ones, bits := ipnet.Mask.Size(); bits-ones > 10 {
			return nil, nil, fmt.Errorf("subnet %s is too large to probe, use /22 or smaller", cfg.Subnet)
		}
	}
	if cfg.ProbeTimeoutMS == 0 {
		cfg.ProbeTimeoutMS = 300
	}
	return nil, nil, nil
}

func (cfg *DiscoveryConfig) ProbeTimeout() time.Duration {
	if cfg.ProbeTimeoutMS <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond
}

// Waypoints are named joint configurations in radians.
type Waypoints map[string][]float64

// Names returns the waypoint names in sorted order.
func (w Waypoints) Names() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveDataPath makes a relative path relative to VIAM_MODULE_DATA.
func resolveDataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

// LoadWaypoints loads the configured waypoints file. A missing or invalid file yields an
// empty set; fromFile reports whether the file was used.
func (cfg *ArmConfig) LoadWaypoints(logger logging.Logger) (Waypoints, bool) {
	if cfg.WaypointsFile == "" {
		if logger != nil {
			logger.Debug("No waypoints file specified")
		}
		return Waypoints{}, false
	}

	cfg.WaypointsFile = resolveDataPath(cfg.WaypointsFile)

	waypoints, err := LoadWaypointsFromFile(cfg.WaypointsFile)
	if err != nil {
		if logger != nil {
			logger.Warnf("Failed to load waypoints from %s: %v", cfg.WaypointsFile, err)
		}
		return Waypoints{}, false
	}

	if logger != nil {
		logger.Infof("Loaded %d waypoints from %s", len(waypoints), cfg.WaypointsFile)
	}
	return waypoints, true
}

// LoadWaypointsFromFile loads and validates waypoints from a JSON file
func LoadWaypointsFromFile(filePath string) (Waypoints, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read waypoints file: %w", err)
	}

	var waypoints Waypoints
	if err := json.Unmarshal(data, &waypoints); err != nil {
		return nil, fmt.Errorf("failed to parse waypoints JSON: %w", err)
	}
	if err := ValidateWaypoints(waypoints); err != nil {
		return nil, fmt.Errorf("waypoints validation failed: %w", err)
	}
	if waypoints == nil {
		waypoints = Waypoints{}
	}
	return waypoints, nil
}

// SaveWaypointsToFile saves waypoints to a JSON file
func SaveWaypointsToFile(filePath string, waypoints Waypoints) error {
	data, err := json.MarshalIndent(waypoints, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal waypoints: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write waypoints file: %w", err)
	}
	return nil
}

// ValidateWaypoints checks that every waypoint has six joints.
func ValidateWaypoints(waypoints Waypoints) error {
	for _, name := range waypoints.Names() {
		if len(waypoints[name]) != 6 {
			return fmt.Errorf("waypoint %s: %w", name, ErrInvalidVector)
		}
	}
	return nil
}
