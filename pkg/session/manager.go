package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry tracks the Capability-driven call sessions active on this
// process. Adapted from the teacher's SessionManager: the shape (an
// in-memory map guarded by a mutex, a heartbeat ticker that logs the
// active-session count, a cleanup ticker that reaps stale entries, and a Stats
// snapshot) is kept, but the teacher's Redis-backed distributed
// SessionStore/backup-store machinery is dropped — spec.md's
// concurrency model (§5) treats each call as owned by exactly one
// process for its lifetime, so there is nothing to fail over to
// another node, and carrying that machinery forward would exercise a
// deployment topology this codebase does not implement. See DESIGN.md.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Entry

	logger          *logrus.Logger
	heartbeatEvery  time.Duration
	idleTimeout     time.Duration
	heartbeatTicker *time.Ticker
	cleanupTicker   *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// Entry is one call's bookkeeping record.
type Entry struct {
	Descriptor   Descriptor
	LastActivity time.Time
}

// RegistryConfig configures background reaping.
type RegistryConfig struct {
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	IdleTimeout       time.Duration
}

// DefaultRegistryConfig mirrors the teacher's SessionManager defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval: 30 * time.Second,
		CleanupInterval:   5 * time.Minute,
		IdleTimeout:       1 * time.Hour,
	}
}

// NewRegistry constructs a Registry and starts its background loops.
func NewRegistry(cfg RegistryConfig, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Registry{
		sessions:       make(map[string]*Entry),
		logger:         logger,
		heartbeatEvery: cfg.HeartbeatInterval,
		idleTimeout:    cfg.IdleTimeout,
		stopCh:         make(chan struct{}),
	}
	r.heartbeatTicker = time.NewTicker(cfg.HeartbeatInterval)
	r.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.cleanupLoop()

	logger.WithFields(logrus.Fields{
		"heartbeat_interval": cfg.HeartbeatInterval,
		"cleanup_interval":   cfg.CleanupInterval,
		"idle_timeout":       cfg.IdleTimeout,
	}).Info("session registry initialized")
	return r
}

// Register adds a new call session under Descriptor.SessionID.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[d.SessionID] = &Entry{Descriptor: d, LastActivity: time.Now()}
	r.logger.WithFields(logrus.Fields{
		"session_id": d.SessionID,
		"call_id":    d.CallID,
		"backend":    d.Backend,
	}).Info("call session registered")
}

// Touch records activity on a session, resetting its idle clock.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sessionID]; ok {
		e.LastActivity = time.Now()
	}
}

// Get returns the Descriptor for a session, if known.
func (r *Registry) Get(sessionID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Descriptor{}, false
	}
	return e.Descriptor, true
}

// Unregister removes a session, called when its Call FSM reaches ENDED.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	r.logger.WithField("session_id", sessionID).Info("call session unregistered")
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown stops background loops.
func (r *Registry) Shutdown() {
	close(r.stopCh)
	r.heartbeatTicker.Stop()
	r.cleanupTicker.Stop()
	r.wg.Wait()
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.heartbeatTicker.C:
			r.mu.RLock()
			n := len(r.sessions)
			r.mu.RUnlock()
			r.logger.WithField("active_sessions", n).Debug("session registry heartbeat")
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.cleanupTicker.C:
			r.reapIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) reapIdle() {
	threshold := time.Now().Add(-r.idleTimeout)
	r.mu.Lock()
	var stale []string
	for id, e := range r.sessions {
		if e.LastActivity.Before(threshold) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if len(stale) > 0 {
		r.logger.WithField("count", len(stale)).Warn("reaped idle call sessions past timeout")
	}
}
