package ur_rtde

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"ur_rtde/rtde"
)

// MotionWait holds the parameters of the synchronous move completion wait. A move counts as
// started once any joint velocity exceeds StartThreshold, and as finished once every joint
// velocity stays below StopThreshold for StableSamples consecutive polls.
type MotionWait struct {
	PollInterval   time.Duration
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	StartThreshold float64
	StopThreshold  float64
	StableSamples  int
}

// DefaultMotionWait is used by sessions created without WithMotionWait.
var DefaultMotionWait = MotionWait{
	PollInterval:   10 * time.Millisecond,
	StartTimeout:   2 * time.Second,
	StopTimeout:    60 * time.Second,
	StartThreshold: 1e-3,
	StopThreshold:  5e-4,
	StableSamples:  5,
}

// command runs fn against the control channel under the command lock. A transport error or a
// rejection is recorded as LastError and reported as false; success clears LastError.
func (s *Session) command(name string, fn func(rtde.Control) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.controlChannel()
	if err != nil {
		return false, err
	}
	ok, err := fn(c)
	switch {
	case err != nil:
		s.fail(errors.Wrap(err, name))
		return false, nil
	case !ok:
		s.fail(errors.Wrap(errRejected, name))
		return false, nil
	}
	s.setErr(nil)
	return true, nil
}

// MoveJ moves to joint positions q (radians). With async false it returns once the robot has
// come to rest again; the wait does not hold the command lock.
func (s *Session) MoveJ(q []float64, speed, acceleration float64, async bool) (bool, error) {
	return s.moveJ(context.Background(), q, speed, acceleration, async)
}

func (s *Session) moveJ(ctx context.Context, q []float64, speed, acceleration float64, async bool) (bool, error) {
	if len(q) != 6 {
		return false, ErrInvalidVector
	}
	ok, err := s.command("movej", func(c rtde.Control) (bool, error) {
		return c.MoveJ(q, speed, acceleration, async)
	})
	if err != nil || !ok || async {
		return ok, err
	}
	return s.awaitMotion(ctx), nil
}

// MoveL moves the TCP linearly to pose [x, y, z, rx, ry, rz] (meters, axis-angle radians).
func (s *Session) MoveL(pose []float64, speed, acceleration float64, async bool) (bool, error) {
	return s.moveL(context.Background(), pose, speed, acceleration, async)
}

func (s *Session) moveL(ctx context.Context, pose []float64, speed, acceleration float64, async bool) (bool, error) {
	if len(pose) != 6 {
		return false, ErrInvalidVector
	}
	ok, err := s.command("movel", func(c rtde.Control) (bool, error) {
		return c.MoveL(pose, speed, acceleration, async)
	})
	if err != nil || !ok || async {
		return ok, err
	}
	return s.awaitMotion(ctx), nil
}

// StopJ decelerates the joints to a stop.
func (s *Session) StopJ(deceleration float64) (bool, error) {
	return s.command("stopj", func(c rtde.Control) (bool, error) {
		return c.StopJ(deceleration)
	})
}

// StopL decelerates the TCP to a stop.
func (s *Session) StopL(deceleration float64) (bool, error) {
	return s.command("stopl", func(c rtde.Control) (bool, error) {
		return c.StopL(deceleration)
	})
}

// SetStandardDigitalOut sets standard digital output pin. The IO channel is opened on first
// use and kept until the session closes.
func (s *Session) SetStandardDigitalOut(pin int, value bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.controlChannel(); err != nil {
		return false, err
	}
	io, err := s.ioChannel()
	if err != nil {
		s.fail(errors.Wrapf(err, "open io channel to %s", s.host))
		return false, nil
	}
	if err := io.SetStandardDigitalOut(pin, value); err != nil {
		s.fail(errors.Wrapf(err, "set digital out %d", pin))
		return false, nil
	}
	s.setErr(nil)
	return true, nil
}

// ioChannel must be called with mu held.
func (s *Session) ioChannel() (rtde.IO, error) {
	s.chMu.RLock()
	io, timeout := s.io, s.timeout
	s.chMu.RUnlock()
	if io != nil {
		return io, nil
	}

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	io, err := s.dialer.DialIO(ctx, s.host)
	if err != nil {
		return nil, err
	}

	s.chMu.Lock()
	s.io = io
	s.chMu.Unlock()
	return io, nil
}

// MoveJSequence runs synchronous joint moves through waypoints in order and stops at the first
// move that fails or when ctx is cancelled. It returns how many waypoints were reached. Every
// waypoint is checked for length before the first move is issued.
func (s *Session) MoveJSequence(ctx context.Context, waypoints [][]float64, speed, acceleration float64) (int, bool, error) {
	for _, q := range waypoints {
		if len(q) != 6 {
			return 0, false, ErrInvalidVector
		}
	}
	for i, q := range waypoints {
		if err := ctx.Err(); err != nil {
			return i, false, err
		}
		ok, err := s.moveJ(ctx, q, speed, acceleration, false)
		if err != nil {
			return i, false, err
		}
		if !ok {
			s.logger.Debugf("sequence stopped at waypoint %d: %s", i, s.LastError())
			return i, false, nil
		}
	}
	return len(waypoints), true, nil
}

// awaitMotion blocks until the robot has started and finished moving. A move that never
// starts is taken as already at its target.
func (s *Session) awaitMotion(ctx context.Context) bool {
	w := s.wait

	started, err := s.pollVelocities(ctx, w.StartTimeout, func(qd []float64) bool {
		for _, v := range qd {
			if math.Abs(v) > w.StartThreshold {
				return true
			}
		}
		return false
	})
	if err != nil {
		s.fail(err)
		return false
	}
	if !started {
		s.logger.Debugf("no motion within %v, target already reached", w.StartTimeout)
		return true
	}

	stable := 0
	stopped, err := s.pollVelocities(ctx, w.StopTimeout, func(qd []float64) bool {
		still := true
		for _, v := range qd {
			if math.Abs(v) >= w.StopThreshold {
				still = false
				break
			}
		}
		if still {
			stable++
		} else {
			stable = 0
		}
		return stable >= w.StableSamples
	})
	if err != nil {
		s.fail(err)
		return false
	}
	if !stopped {
		s.fail(errors.Wrapf(ErrMoveNotConfirmed, "no standstill within %v", w.StopTimeout))
		return false
	}
	return true
}

func (s *Session) pollVelocities(ctx context.Context, window time.Duration, done func([]float64) bool) (bool, error) {
	deadline := time.Now().Add(window)
	for {
		qd, err := s.ActualQd()
		if err != nil {
			return false, errors.Wrap(err, "read joint velocities")
		}
		if done(qd) {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if !utils.SelectContextOrWait(ctx, s.wait.PollInterval) {
			return false, ctx.Err()
		}
	}
}
