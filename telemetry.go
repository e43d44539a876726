package ur_rtde

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

// Snapshot is one read of every telemetry field. Fields whose read failed keep their zero
// value and have an entry in Errors keyed by field name.
type Snapshot struct {
	Time time.Time

	ActualQ        []float64
	ActualQd       []float64
	ActualTCPPose  []float64
	DigitalIn      uint64
	DigitalOut     uint64
	AnalogIn       [2]float64
	AnalogOut      [2]float64
	RobotMode      int32
	SafetyMode     int32
	ProgramRunning bool
	Errors         map[string]error
}

// OK reports whether every field was read.
func (s Snapshot) OK() bool {
	return len(s.Errors) == 0
}

// ReadSnapshot reads every telemetry field now. It returns ErrNotConnected without touching
// the network when the session has no receive channel.
func (s *Session) ReadSnapshot() (Snapshot, error) {
	if _, err := s.receiveChannel(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Time: time.Now(), Errors: map[string]error{}}
	record := func(field string, err error) {
		if err != nil {
			snap.Errors[field] = err
		}
	}

	var err error
	snap.ActualQ, err = s.ActualQ()
	record("actual_q", err)
	snap.ActualQd, err = s.ActualQd()
	record("actual_qd", err)
	snap.ActualTCPPose, err = s.ActualTCPPose()
	record("actual_tcp_pose", err)
	snap.DigitalIn, err = s.DigitalInState()
	record("digital_in", err)
	snap.DigitalOut, err = s.DigitalOutState()
	record("digital_out", err)
	snap.AnalogIn[0], err = s.StandardAnalogInput0()
	record("analog_in_0", err)
	snap.AnalogIn[1], err = s.StandardAnalogInput1()
	record("analog_in_1", err)
	snap.AnalogOut[0], err = s.StandardAnalogOutput0()
	record("analog_out_0", err)
	snap.AnalogOut[1], err = s.StandardAnalogOutput1()
	record("analog_out_1", err)
	snap.RobotMode, err = s.RobotMode()
	record("robot_mode", err)
	snap.SafetyMode, err = s.SafetyMode()
	record("safety_mode", err)
	snap.ProgramRunning, err = s.IsProgramRunning()
	record("program_running", err)

	return snap, nil
}

// Watch calls fn with a fresh snapshot every interval until ctx is done. Reads that fail
// because the session is disconnected are skipped. Watch returns ctx.Err().
func (s *Session) Watch(ctx context.Context, interval time.Duration, fn func(Snapshot)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		snap, err := s.ReadSnapshot()
		if err == nil {
			fn(snap)
		}
		if !utils.SelectContextOrWait(ctx, interval) {
			return ctx.Err()
		}
	}
}

// Subscribe starts a Watch in the background and delivers its snapshots on the returned
// channel, dropping snapshots the reader is too slow to take. The channel is closed when ctx
// is done.
func (s *Session) Subscribe(ctx context.Context, interval time.Duration) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	go func() {
		defer close(ch)
		//nolint:errcheck
		s.Watch(ctx, interval, func(snap Snapshot) {
			select {
			case ch <- snap:
			default:
			}
		})
	}()
	return ch
}

// Readings flattens a snapshot into the map a Viam sensor returns.
func (s Snapshot) Readings() map[string]any {
	readings := map[string]any{
		"timestamp":       s.Time.Format(time.RFC3339Nano),
		"actual_q":        floatsToAny(s.ActualQ),
		"actual_qd":       floatsToAny(s.ActualQd),
		"actual_tcp_pose": floatsToAny(s.ActualTCPPose),
		"digital_in":      s.DigitalIn,
		"digital_out":     s.DigitalOut,
		"analog_in_0":     s.AnalogIn[0],
		"analog_in_1":     s.AnalogIn[1],
		"analog_out_0":    s.AnalogOut[0],
		"analog_out_1":    s.AnalogOut[1],
		"robot_mode":      s.RobotMode,
		"safety_mode":     s.SafetyMode,
		"program_running": s.ProgramRunning,
	}
	if len(s.Errors) > 0 {
		errs := make(map[string]any, len(s.Errors))
		for field, err := range s.Errors {
			errs[field] = err.Error()
		}
		readings["errors"] = errs
	}
	return readings
}

func floatsToAny(v []float64) []any {
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

func init() {
	resource.RegisterComponent(sensor.API, TelemetryModel,
		resource.Registration[sensor.Sensor, *TelemetryConfig]{
			Constructor: newTelemetrySensor,
		},
	)
}

// maxRecordedSamples bounds the recording history.
const maxRecordedSamples = 1000

// telemetrySensor publishes a session's telemetry as sensor readings and can record joint
// positions in the background.
type telemetrySensor struct {
	resource.AlwaysRebuild

	name    resource.Name
	logger  logging.Logger
	cfg     *TelemetryConfig
	session *Session

	mu              sync.RWMutex
	recordingActive bool
	recordingStart  time.Time
	recordingCancel context.CancelFunc
	recordingDone   chan struct{}
	history         []Snapshot
}

func newTelemetrySensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*TelemetryConfig](rawConf)
	if err != nil {
		return nil, err
	}

	session, err := sharedSessions.Acquire(conf.Host, conf.ConnectTimeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session to %s: %w", conf.Host, err)
	}

	ts := &telemetrySensor{
		name:    rawConf.ResourceName(),
		logger:  logger,
		cfg:     conf,
		session: session,
	}
	logger.Infof("UR telemetry sensor initialized for %s", conf.Host)
	return ts, nil
}

func (ts *telemetrySensor) Name() resource.Name {
	return ts.name
}

// Readings returns a fresh snapshot plus the recording state.
func (ts *telemetrySensor) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	snap, err := ts.session.ReadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry: %w", err)
	}
	readings := snap.Readings()

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	readings["recording"] = ts.recordingActive
	if ts.recordingActive {
		readings["recording_time_seconds"] = time.Since(ts.recordingStart).Seconds()
		readings["recorded_samples"] = len(ts.history)
	}
	return readings, nil
}

// DoCommand handles recording and connection commands.
func (ts *telemetrySensor) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	switch command {
	case "start_recording":
		return ts.startRecording()
	case "stop_recording":
		return ts.stopRecording()
	case "get_recording":
		return ts.getRecording(), nil
	case "reconnect":
		ok := ts.session.Reconnect()
		return map[string]any{"success": ok, "error": ts.session.LastError()}, nil
	case "status":
		refs, connected, summary := sharedSessions.Status(ts.cfg.Host)
		return map[string]any{
			"connected":  connected,
			"references": refs,
			"summary":    summary,
			"last_error": ts.session.LastError(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (ts *telemetrySensor) startRecording() (map[string]any, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.recordingActive {
		return map[string]any{"success": false}, fmt.Errorf("recording already active")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts.recordingActive = true
	ts.recordingStart = time.Now()
	ts.recordingCancel = cancel
	ts.recordingDone = make(chan struct{})
	ts.history = nil

	go ts.record(ctx, ts.recordingDone)

	ts.logger.Info("Telemetry recording started")
	return map[string]any{"success": true}, nil
}

// record appends snapshots to the history until ctx is cancelled.
func (ts *telemetrySensor) record(ctx context.Context, done chan struct{}) {
	defer close(done)
	ts.logger.Debug("Telemetry recording goroutine started")

	//nolint:errcheck
	ts.session.Watch(ctx, ts.cfg.PollInterval(), func(snap Snapshot) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.history = append(ts.history, snap)
		if len(ts.history) > maxRecordedSamples {
			ts.history = ts.history[len(ts.history)-maxRecordedSamples:]
		}
	})
	ts.logger.Debug("Telemetry recording goroutine stopped")
}

func (ts *telemetrySensor) stopRecording() (map[string]any, error) {
	ts.mu.Lock()
	if !ts.recordingActive {
		ts.mu.Unlock()
		return map[string]any{"success": false}, fmt.Errorf("recording not active")
	}
	cancel, done := ts.recordingCancel, ts.recordingDone
	ts.recordingActive = false
	ts.recordingCancel = nil
	ts.mu.Unlock()

	cancel()
	<-done

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	ts.logger.Infof("Telemetry recording stopped with %d samples", len(ts.history))
	return map[string]any{"success": true, "samples": len(ts.history)}, nil
}

// getRecording returns the recorded joint positions and velocities.
func (ts *telemetrySensor) getRecording() map[string]any {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	samples := make([]any, 0, len(ts.history))
	for _, snap := range ts.history {
		samples = append(samples, map[string]any{
			"timestamp": snap.Time.Format(time.RFC3339Nano),
			"actual_q":  floatsToAny(snap.ActualQ),
			"actual_qd": floatsToAny(snap.ActualQd),
		})
	}
	return map[string]any{"samples": samples, "recording": ts.recordingActive}
}

func (ts *telemetrySensor) Close(ctx context.Context) error {
	ts.mu.Lock()
	cancel, done := ts.recordingCancel, ts.recordingDone
	ts.recordingActive = false
	ts.recordingCancel = nil
	ts.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	sharedSessions.Release(ts.cfg.Host)
	return nil
}
