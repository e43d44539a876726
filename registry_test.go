package ur_rtde

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"ur_rtde/robotiq"
)

func testRegistry(t *testing.T) (*SessionRegistry, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	r := NewSessionRegistry(WithDialer(d), WithMotionWait(fastWait))
	t.Cleanup(r.CloseAll)
	return r, d
}

// TestSessionRegistrySharing tests that holders of one host share a single session
func TestSessionRegistrySharing(t *testing.T) {
	r, d := testRegistry(t)
	logger := logging.NewTestLogger(t)

	s1, err := r.Acquire("10.0.0.2", time.Second, logger)
	require.NoError(t, err)
	s2, err := r.Acquire("10.0.0.2", time.Second, logger)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 2, d.dialCount())

	refs, connected, summary := r.Status("10.0.0.2")
	assert.Equal(t, int64(2), refs)
	assert.True(t, connected)
	assert.Contains(t, summary, "State: connected")

	other, err := r.Acquire("10.0.0.3", time.Second, logger)
	require.NoError(t, err)
	assert.NotSame(t, s1, other)

	r.Release("10.0.0.2")
	assert.True(t, s1.IsConnected())
	r.Release("10.0.0.2")
	assert.False(t, s1.IsConnected())

	refs, connected, summary = r.Status("10.0.0.2")
	assert.Equal(t, int64(0), refs)
	assert.False(t, connected)
	assert.Empty(t, summary)

	// releasing an unknown host is a no-op
	r.Release("10.0.0.9")
}

// TestSessionRegistryConnectFailure tests that a failed first connect leaves no entry behind
func TestSessionRegistryConnectFailure(t *testing.T) {
	d := &fakeDialer{controlErr: errors.New("connection refused")}
	r := NewSessionRegistry(WithDialer(d))

	_, err := r.Acquire("10.0.0.2", time.Second, logging.NewTestLogger(t))
	require.Error(t, err)
	assert.Equal(t, "connect to 10.0.0.2: connection refused", err.Error())

	refs, _, _ := r.Status("10.0.0.2")
	assert.Equal(t, int64(0), refs)
}

// TestSessionRegistryReconnects tests that a held session which lost its connection is
// reconnected by the next Acquire
func TestSessionRegistryReconnects(t *testing.T) {
	r, d := testRegistry(t)
	logger := logging.NewTestLogger(t)

	s, err := r.Acquire("10.0.0.2", time.Second, logger)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	d.controlErr = errors.New("host down")
	_, err = r.Acquire("10.0.0.2", time.Second, logger)
	require.Error(t, err)
	_, _, summary := r.Status("10.0.0.2")
	assert.Contains(t, summary, "Last error")

	d.controlErr = nil
	again, err := r.Acquire("10.0.0.2", time.Second, logger)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.True(t, again.IsConnected())

	refs, _, summary := r.Status("10.0.0.2")
	assert.Equal(t, int64(2), refs)
	assert.NotContains(t, summary, "Last error")
}

// TestSessionRegistryForceClose tests forced and bulk shutdown
func TestSessionRegistryForceClose(t *testing.T) {
	r, _ := testRegistry(t)
	logger := logging.NewTestLogger(t)

	s1, err := r.Acquire("10.0.0.2", time.Second, logger)
	require.NoError(t, err)
	_, err = r.Acquire("10.0.0.2", time.Second, logger)
	require.NoError(t, err)

	require.NoError(t, r.ForceClose("10.0.0.2"))
	assert.False(t, s1.IsConnected())
	require.NoError(t, r.ForceClose("10.0.0.2"))

	refs, _, _ := r.Status("10.0.0.2")
	assert.Equal(t, int64(0), refs)

	s2, err := r.Acquire("10.0.0.2", time.Second, logger)
	require.NoError(t, err)
	s3, err := r.Acquire("10.0.0.3", time.Second, logger)
	require.NoError(t, err)

	r.CloseAll()
	assert.False(t, s2.IsConnected())
	assert.False(t, s3.IsConnected())
}

// TestSessionRegistryConcurrentAccess tests concurrent acquire and release
func TestSessionRegistryConcurrentAccess(t *testing.T) {
	r, d := testRegistry(t)
	logger := logging.NewTestLogger(t)

	const workers = 10
	sessions := make([]*Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Acquire("10.0.0.2", time.Second, logger)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 2, d.dialCount())

	refs, _, _ := r.Status("10.0.0.2")
	assert.Equal(t, int64(workers), refs)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Release("10.0.0.2")
		}()
	}
	wg.Wait()
	assert.False(t, sessions[0].IsConnected())
}

// scriptSink accepts URScript connections and keeps everything it receives.
type scriptSink struct {
	listener net.Listener

	mu       sync.Mutex
	received strings.Builder
	accepted int
}

func newScriptSink(t *testing.T) *scriptSink {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &scriptSink{listener: l}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.accepted++
			s.mu.Unlock()
			go func() {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					s.mu.Lock()
					s.received.Write(buf[:n])
					s.mu.Unlock()
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *scriptSink) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *scriptSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.String()
}

func (s *scriptSink) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func TestGripperRegistryRunActionValidation(t *testing.T) {
	r := NewGripperRegistry(closedPort(t), logging.NewTestLogger(t))
	ctx := context.Background()

	res := r.RunAction(ctx, "127.0.0.1", robotiq.ActionMove, 300)
	assert.False(t, res.OK)
	assert.Equal(t, "Position must be 0-255", res.Message)

	res = r.RunAction(ctx, "127.0.0.1", robotiq.ActionSetSpeed, -1)
	assert.Equal(t, "Speed must be 0-255", res.Message)

	res = r.RunAction(ctx, "127.0.0.1", robotiq.ActionSetForce, 256)
	assert.Equal(t, "Force must be 0-255", res.Message)

	res = r.RunAction(ctx, "127.0.0.1", robotiq.Action(9), 0)
	assert.Equal(t, "Invalid command index: 9. Must be 0-5.", res.Message)

	// valid command, nothing listening
	res = r.RunAction(ctx, "127.0.0.1", robotiq.ActionOpen, 0)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Message)
}

func TestGripperRegistryCachesConnection(t *testing.T) {
	sink := newScriptSink(t)
	r := NewGripperRegistry(sink.port(), logging.NewTestLogger(t))
	defer r.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := r.RunAction(ctx, "127.0.0.1", robotiq.ActionMove, 100)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "Moved to position 100", res.Message)

	res = r.RunAction(ctx, "127.0.0.1", robotiq.ActionSetSpeed, 64)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "Speed set to 64", res.Message)

	refs, connected, summary := r.Status("127.0.0.1")
	assert.Equal(t, int64(0), refs)
	assert.True(t, connected)
	assert.Equal(t, "URScript: "+net.JoinHostPort("127.0.0.1", strconv.Itoa(sink.port())), summary)

	g, err := r.Acquire(ctx, "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, g.IsConnected())
	r.Release("127.0.0.1")
	assert.False(t, g.IsConnected())

	require.Eventually(t, func() bool {
		return strings.Contains(sink.text(), "rq_move") && strings.Contains(sink.text(), "rq_speed")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.connections())
}
