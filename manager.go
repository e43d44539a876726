package ur_rtde

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.viam.com/rdk/logging"

	"ur_rtde/robotiq"
)

// gripperConnectTimeout bounds the connect of a cached gripper that is not connected yet.
const gripperConnectTimeout = 3 * time.Second

type gripperEntry struct {
	gripper  *robotiq.ScriptGripper
	refCount int64
}

// GripperRegistry caches one URScript gripper connection per controller IP for callers that
// issue many commands in a row. Each connection is closed exactly once: by the last Release,
// by ForceClose or by CloseAll.
type GripperRegistry struct {
	mu      sync.Mutex
	entries map[string]*gripperEntry
	port    int
	logger  logging.Logger
}

// NewGripperRegistry returns an empty registry whose grippers connect to port on each
// controller (robotiq.DefaultScriptPort when zero).
func NewGripperRegistry(port int, logger logging.Logger) *GripperRegistry {
	if logger == nil {
		logger = logging.NewLogger("robotiq-registry")
	}
	return &GripperRegistry{
		entries: make(map[string]*gripperEntry),
		port:    portOr(port, robotiq.DefaultScriptPort),
		logger:  logger,
	}
}

// sharedGrippers backs the gripper component's cached URScript backend.
var sharedGrippers = NewGripperRegistry(0, nil)

// Acquire returns the gripper for ip, connecting it if needed. Every successful Acquire must
// be paired with a Release.
func (r *GripperRegistry) Acquire(ctx context.Context, ip string) (*robotiq.ScriptGripper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.connected(ctx, ip)
	if err != nil {
		return nil, err
	}
	entry.refCount++
	return entry.gripper, nil
}

// connected returns the entry for ip, creating it and connecting its gripper as needed. It
// must be called with mu held.
func (r *GripperRegistry) connected(ctx context.Context, ip string) (*gripperEntry, error) {
	entry, exists := r.entries[ip]
	if !exists {
		entry = &gripperEntry{
			gripper: robotiq.NewScriptGripper(net.JoinHostPort(ip, strconv.Itoa(r.port)), r.logger),
		}
	}
	if !entry.gripper.IsConnected() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, gripperConnectTimeout)
			defer cancel()
		}
		if err := entry.gripper.Connect(ctx); err != nil {
			return nil, err
		}
	}
	r.entries[ip] = entry
	return entry, nil
}

// Release drops one reference to the gripper for ip and disconnects it when none remain.
func (r *GripperRegistry) Release(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[ip]
	if !exists {
		return
	}
	entry.refCount--
	if entry.refCount > 0 {
		return
	}
	delete(r.entries, ip)
	if err := entry.gripper.Disconnect(); err != nil {
		r.logger.Warnf("error closing gripper for %s: %v", ip, err)
	}
}

// ForceClose disconnects the gripper for ip regardless of its holders.
func (r *GripperRegistry) ForceClose(ip string) error {
	r.mu.Lock()
	entry, exists := r.entries[ip]
	delete(r.entries, ip)
	r.mu.Unlock()

	if !exists {
		return nil
	}
	return entry.gripper.Disconnect()
}

// Status reports the reference count, whether the gripper is connected and a one-line summary
// for ip.
func (r *GripperRegistry) Status(ip string) (int64, bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[ip]
	if !exists {
		return 0, false, ""
	}
	return entry.refCount, entry.gripper.IsConnected(), fmt.Sprintf("URScript: %s", entry.gripper.Addr())
}

// CloseAll disconnects every cached gripper.
func (r *GripperRegistry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*gripperEntry)
	r.mu.Unlock()

	for ip, entry := range entries {
		if err := entry.gripper.Disconnect(); err != nil {
			r.logger.Debugf("closing gripper for %s: %v", ip, err)
		}
	}
}

// RunAction sends one command through the cached gripper for ip, connecting it on first use.
// The connection stays cached until ForceClose or CloseAll. value is the position, speed or
// force for the actions that take one and must already be on the 0..255 scale; it is
// validated, not clamped.
func (r *GripperRegistry) RunAction(ctx context.Context, ip string, action robotiq.Action, value int) GripperResult {
	switch action {
	case robotiq.ActionActivate, robotiq.ActionOpen, robotiq.ActionClose:
	case robotiq.ActionMove, robotiq.ActionSetSpeed, robotiq.ActionSetForce:
		if value < 0 || value > robotiq.MaxDeviceValue {
			return GripperResult{Message: fmt.Sprintf("%s must be 0-255", actionValueName(action))}
		}
	default:
		return GripperResult{Message: fmt.Sprintf("Invalid command index: %d. Must be 0-5.", int(action))}
	}

	r.mu.Lock()
	entry, err := r.connected(ctx, ip)
	r.mu.Unlock()
	if err != nil {
		return GripperResult{Message: innermost(err)}
	}
	g := entry.gripper

	var msg string
	switch action {
	case robotiq.ActionActivate:
		_, err = g.Activate(ctx, false)
		msg = "Activated"
	case robotiq.ActionOpen:
		err = g.MoveTo(ctx, 0)
		msg = "Opened"
	case robotiq.ActionClose:
		err = g.MoveTo(ctx, robotiq.MaxDeviceValue)
		msg = "Closed"
	case robotiq.ActionMove:
		err = g.MoveTo(ctx, value)
		msg = fmt.Sprintf("Moved to position %d", value)
	case robotiq.ActionSetSpeed:
		err = g.SetSpeed(ctx, float64(value))
		msg = fmt.Sprintf("Speed set to %d", value)
	case robotiq.ActionSetForce:
		err = g.SetForce(ctx, float64(value))
		msg = fmt.Sprintf("Force set to %d", value)
	}
	if err != nil {
		// drop the broken socket; the next command reconnects
		//nolint:errcheck
		g.Disconnect()
		return GripperResult{Message: innermost(err)}
	}
	return GripperResult{OK: true, Message: msg}
}

func actionValueName(a robotiq.Action) string {
	switch a {
	case robotiq.ActionMove:
		return "Position"
	case robotiq.ActionSetSpeed:
		return "Speed"
	default:
		return "Force"
	}
}
