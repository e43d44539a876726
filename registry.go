package ur_rtde

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
)

// sessionEntry is one shared session and the number of components holding it.
type sessionEntry struct {
	session   *Session
	timeout   time.Duration
	refCount  int64
	lastError error
	mu        sync.RWMutex
}

// SessionRegistry shares one Session per controller host between the components that talk to
// it. A session is connected by its first Acquire and closed when the last holder releases it.
type SessionRegistry struct {
	entries map[string]*sessionEntry // host -> entry
	mu      sync.RWMutex

	opts []SessionOption
}

// NewSessionRegistry returns an empty registry. opts are applied to every session it creates.
func NewSessionRegistry(opts ...SessionOption) *SessionRegistry {
	return &SessionRegistry{
		entries: make(map[string]*sessionEntry),
		opts:    opts,
	}
}

// sharedSessions is the registry the Viam components draw their sessions from.
var sharedSessions = NewSessionRegistry()

// Acquire returns the connected session for host, creating and connecting it on first use.
// A held session that has lost its connection is reconnected. Every successful Acquire must
// be paired with a Release.
func (r *SessionRegistry) Acquire(host string, timeout time.Duration, logger logging.Logger) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[host]; exists {
		return r.acquireExisting(host, entry)
	}
	return r.createSession(host, timeout, logger)
}

// acquireExisting must be called with r.mu held.
func (r *SessionRegistry) acquireExisting(host string, entry *sessionEntry) (*Session, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.session.IsConnected() {
		if !entry.session.Reconnect() {
			entry.lastError = entry.session.LastErr()
			return nil, fmt.Errorf("reconnect to %s: %s", host, entry.session.LastError())
		}
		entry.lastError = nil
	}

	atomic.AddInt64(&entry.refCount, 1)
	return entry.session, nil
}

// createSession must be called with r.mu held.
func (r *SessionRegistry) createSession(host string, timeout time.Duration, logger logging.Logger) (*Session, error) {
	opts := append([]SessionOption{}, r.opts...)
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	s := NewSession(host, opts...)
	if !s.Connect(timeout) {
		return nil, fmt.Errorf("connect to %s: %s", host, s.LastError())
	}

	r.entries[host] = &sessionEntry{
		session:  s,
		timeout:  timeout,
		refCount: 1,
	}
	if logger != nil {
		logger.Infof("created shared session for %s", host)
	}
	return s, nil
}

// Release drops one reference to the session for host and closes it when none remain.
func (r *SessionRegistry) Release(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[host]
	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		return
	}
	delete(r.entries, host)

	if err := entry.session.Close(); err != nil {
		entry.session.logger.Warnf("error closing shared session for %s: %v", host, err)
	}
	atomic.StoreInt64(&entry.refCount, 0)
}

// ForceClose closes the session for host regardless of how many holders it has.
func (r *SessionRegistry) ForceClose(host string) error {
	r.mu.Lock()
	entry, exists := r.entries[host]
	if exists {
		delete(r.entries, host)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	atomic.StoreInt64(&entry.refCount, 0)
	return entry.session.Close()
}

// Status reports the reference count, whether the session is connected and a one-line summary
// for host.
func (r *SessionRegistry) Status(host string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[host]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	summary := fmt.Sprintf("Host: %s, State: %s, Timeout: %v", host, entry.session.State(), entry.timeout)
	if entry.lastError != nil {
		summary += fmt.Sprintf(", Last error: %v", entry.lastError)
	}
	return atomic.LoadInt64(&entry.refCount), entry.session.IsConnected(), summary
}

// CloseAll closes every session in the registry.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*sessionEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		atomic.StoreInt64(&entry.refCount, 0)
		//nolint:errcheck
		entry.session.Close()
		entry.mu.Unlock()
	}
}
