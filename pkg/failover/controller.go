// Package failover implements the Failover Controller (C8): it
// presents a single session.Capability to the Call FSM while owning
// zero, one, or two backend capabilities (Provider and/or Local) and
// switching between them on sustained errors or latency.
//
// This is a from-scratch rewrite of the teacher's SessionFailover
// (session_failover.go): that type recovers *cluster nodes* for
// distributed SIPREC sessions (Redis-backed cluster state, recovery
// plans that migrate a session's recording to another node). This
// controller instead health-switches between exactly two in-process
// backends for one call. The shape survives — a background health
// loop, a bounded worker that performs the switch off the hot path,
// and a stats struct exposed for metrics — see DESIGN.md.
package failover

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/bus"
	"siprec-server/pkg/circuitbreaker"
	"siprec-server/pkg/errors"
	"siprec-server/pkg/metrics"
	"siprec-server/pkg/session"
)

// BackendMode selects which backend(s) a call may use, per spec.md §4.8.
type BackendMode string

const (
	ModeProviderOnly      BackendMode = "provider_only"
	ModeLocalOnly         BackendMode = "local_only"
	ModeProviderThenLocal BackendMode = "provider_then_local"
	ModeLocalThenProvider BackendMode = "local_then_provider"
)

// HealthState is the controller's own small state machine over the
// active backend's health.
type HealthState int

const (
	HealthPrimaryUp HealthState = iota
	HealthDegraded
	HealthSwitching
	HealthSecondaryUp
	HealthCooldown
)

func (s HealthState) String() string {
	switch s {
	case HealthPrimaryUp:
		return "PRIMARY_UP"
	case HealthDegraded:
		return "DEGRADED"
	case HealthSwitching:
		return "SWITCHING"
	case HealthSecondaryUp:
		return "SECONDARY_UP"
	case HealthCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the health detectors, matching spec.md §6's
// configuration keys.
type Config struct {
	Mode                BackendMode
	ErrorBurstCount     int
	ErrorBurstWindow    time.Duration
	LatencyTriggerMillis int64
	LatencySustainedFor time.Duration
	CooldownDuration    time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeProviderThenLocal,
		ErrorBurstCount:      3,
		ErrorBurstWindow:     60 * time.Second,
		LatencyTriggerMillis: 800,
		LatencySustainedFor:  2 * time.Minute,
		CooldownDuration:     10 * time.Minute,
		HealthCheckInterval:  5 * time.Second,
	}
}

// backendFactory builds a fresh session.Capability of a given kind.
type backendFactory func(ctx context.Context, policy bandit.PolicyParameters) (session.Capability, error)

// Controller composes 0, 1, or 2 child Capabilities and presents a
// single session.Capability to the Call FSM.
type Controller struct {
	mu sync.Mutex

	callID string
	cfg    Config
	logger *logrus.Logger

	primaryFactory   backendFactory
	secondaryFactory backendFactory
	primaryKind      session.BackendKind
	secondaryKind    session.BackendKind

	active     session.Capability
	activeKind session.BackendKind
	policy     bandit.PolicyParameters

	breaker *circuitbreaker.CircuitBreaker
	latency *latencyWindow

	health       HealthState
	cooldownUntil time.Time

	events chan session.Event

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats Stats
}

// Stats is the Controller's exposed health/switch summary, matching
// the teacher's FailoverStats pattern of a plain struct built for
// metrics/observability consumption.
type Stats struct {
	ActiveBackend session.BackendKind
	Health        HealthState
	SwitchCount   int
	LastSwitchAt  time.Time
}

// NewController builds a Controller for one call. primaryFactory (and
// secondaryFactory, if the mode uses a fallback) build fresh backend
// sessions on demand. callID labels the tom_active_backend gauge.
func NewController(cfg Config, callID string, primaryKind session.BackendKind, primaryFactory backendFactory, secondaryKind session.BackendKind, secondaryFactory backendFactory, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	bcfg := circuitbreaker.RealtimeConfig()
	bcfg.FailureThreshold = int64(cfg.ErrorBurstCount)
	bcfg.TimeWindow = cfg.ErrorBurstWindow

	c := &Controller{
		callID:           callID,
		cfg:              cfg,
		logger:           logger,
		primaryFactory:   primaryFactory,
		secondaryFactory: secondaryFactory,
		primaryKind:      primaryKind,
		secondaryKind:    secondaryKind,
		breaker:          circuitbreaker.NewCircuitBreaker("failover-"+string(primaryKind), bcfg, logger),
		latency:          newLatencyWindow(64),
		health:           HealthPrimaryUp,
		events:           make(chan session.Event, 32),
		stopCh:           make(chan struct{}),
	}
	return c
}

// Start builds the primary (or, in *_only modes, the sole) backend and
// begins the health-check loop.
func (c *Controller) Start(ctx context.Context, policy bandit.PolicyParameters) error {
	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()

	primaryCap, err := c.primaryFactory(ctx, policy)
	if err != nil {
		return errors.NewBackendUnavailable(string(c.primaryKind)).WithField("error", err.Error())
	}
	if err := primaryCap.Start(ctx, policy); err != nil {
		return errors.NewBackendUnavailable(string(c.primaryKind)).WithField("error", err.Error())
	}

	c.mu.Lock()
	c.active = primaryCap
	c.activeKind = c.primaryKind
	c.stats.ActiveBackend = c.primaryKind
	c.mu.Unlock()

	metrics.TomActiveBackend.WithLabelValues(c.callID).Set(backendGaugeValue(c.primaryKind))

	c.wg.Add(1)
	go c.runHealthLoop(ctx)
	return nil
}

// PushFrame forwards to the active backend; it neither times the call
// nor records its outcome. Latency and error outcomes reach the health
// detectors only through RecordFrameOutcome.
func (c *Controller) PushFrame(f bus.Frame) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return errors.NewBackendUnavailable("no active backend")
	}
	return active.PushFrame(f)
}

func (c *Controller) runHealthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.evaluateHealth(ctx)
		}
	}
}

// evaluateHealth checks the circuit breaker (error burst) and latency
// window (sustained high p95) and triggers a switch off this loop's
// goroutine rather than the audio hot path, matching spec.md §5's
// "persistence off the hot path" idiom generalized to backend
// switching.
func (c *Controller) evaluateHealth(ctx context.Context) {
	c.mu.Lock()
	health := c.health
	cooldownUntil := c.cooldownUntil
	activeKind := c.activeKind
	c.mu.Unlock()

	if health == HealthCooldown {
		if time.Now().Before(cooldownUntil) {
			return
		}
		c.mu.Lock()
		if activeKind == c.primaryKind {
			c.health = HealthPrimaryUp
		} else {
			c.health = HealthSecondaryUp
		}
		c.mu.Unlock()
		return
	}

	errorBurst := c.breaker.IsOpen()
	p95 := c.latency.P95()
	sustained := p95 > 0 && p95 >= float64(c.cfg.LatencyTriggerMillis) && c.latency.SustainedAbove(float64(c.cfg.LatencyTriggerMillis), c.cfg.LatencySustainedFor)

	if !errorBurst && !sustained {
		return
	}

	c.mu.Lock()
	c.health = HealthDegraded
	c.mu.Unlock()

	if err := c.switchBackend(ctx); err != nil {
		c.logger.WithError(err).Warn("failover switch failed, remaining on current backend")
	}
}

// switchBackend performs the actual handoff: stop and close the
// current backend, build the alternate, and swap it in.
func (c *Controller) switchBackend(ctx context.Context) error {
	c.mu.Lock()
	c.health = HealthSwitching
	oldCap := c.active
	oldKind := c.activeKind
	policy := c.policy
	c.mu.Unlock()

	var nextFactory backendFactory
	var nextKind session.BackendKind
	switch {
	case oldKind == c.primaryKind && c.secondaryFactory != nil:
		nextFactory, nextKind = c.secondaryFactory, c.secondaryKind
	case oldKind == c.secondaryKind:
		nextFactory, nextKind = c.primaryFactory, c.primaryKind
	default:
		return errors.NewBackendUnavailable("no alternate backend configured")
	}

	newCap, err := nextFactory(ctx, policy)
	if err != nil {
		return errors.NewBackendUnavailable(string(nextKind)).WithField("error", err.Error())
	}
	if err := newCap.Start(ctx, policy); err != nil {
		return errors.NewBackendUnavailable(string(nextKind)).WithField("error", err.Error())
	}

	if oldCap != nil {
		_ = oldCap.Close()
	}

	c.mu.Lock()
	c.active = newCap
	c.activeKind = nextKind
	c.health = HealthCooldown
	c.cooldownUntil = time.Now().Add(c.cfg.CooldownDuration)
	c.stats.ActiveBackend = nextKind
	c.stats.SwitchCount++
	c.stats.LastSwitchAt = time.Now()
	c.mu.Unlock()

	c.breaker.Reset()
	c.latency.Reset()

	metrics.TomProviderFailoverTotal.WithLabelValues(string(oldKind), string(nextKind), "health").Inc()
	metrics.TomActiveBackend.WithLabelValues(c.callID).Set(backendGaugeValue(nextKind))

	c.logger.WithFields(logrus.Fields{
		"from": oldKind,
		"to":   nextKind,
	}).Warn("failover switched active backend")
	return nil
}

func backendGaugeValue(kind session.BackendKind) float64 {
	if kind == session.BackendProvider {
		return 1
	}
	return 0
}

// RecordFrameOutcome feeds one frame's latency and success/failure into
// the health detectors, since the Controller does not itself see
// wire-level I/O. The session backends in this module do not call it.
func (c *Controller) RecordFrameOutcome(latencyMillis int64, err error) {
	c.latency.Observe(float64(latencyMillis))
	_ = c.breaker.Execute(context.Background(), func(context.Context) error { return err })
}

// Events returns the active backend's event channel. Reconnecting the
// caller's read loop across a switch is the caller's responsibility;
// Events itself always reflects the currently active backend.
func (c *Controller) Events() <-chan session.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return c.events
	}
	return c.active.Events()
}

// Speak forwards to the active backend.
func (c *Controller) Speak(ctx context.Context, text string) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return errors.NewBackendUnavailable("no active backend")
	}
	return active.Speak(ctx, text)
}

// HandleSpeakingEnd forwards to the active backend.
func (c *Controller) HandleSpeakingEnd(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return errors.NewBackendUnavailable("no active backend")
	}
	return active.HandleSpeakingEnd(ctx)
}

// StopOutput forwards to the active backend.
func (c *Controller) StopOutput() error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.StopOutput()
}

// Close stops the health loop and the active backend.
func (c *Controller) Close() error {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.Close()
}

// Stats returns a snapshot for metrics/operator visibility.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// latencyWindow tracks a fixed-size ring of recent latency samples,
// used for a rolling p95, using the same sort-and-index percentile
// technique as pkg/reward.Summarize (no percentile/stats library
// appears anywhere in the example pack, so this is implemented
// directly rather than adding one — see DESIGN.md).
type latencyWindow struct {
	mu       sync.Mutex
	samples  []float64
	capacity int
	next     int
	full     bool
	aboveSince time.Time
}

func newLatencyWindow(capacity int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, capacity), capacity: capacity}
}

func (w *latencyWindow) Observe(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = v
	w.next = (w.next + 1) % w.capacity
	if w.next == 0 {
		w.full = true
	}
}

func (w *latencyWindow) P95() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.full {
		n = w.capacity
	}
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), w.samples[:n]...)
	sort.Float64s(sorted)
	idx := int(0.95 * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// SustainedAbove reports whether P95 has stayed at or above threshold
// continuously for at least dur, tracked by a sticky timestamp reset
// whenever a call observes P95 back under threshold.
func (w *latencyWindow) SustainedAbove(threshold float64, dur time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.full {
		n = w.capacity
	}
	if n == 0 {
		return false
	}
	sorted := append([]float64(nil), w.samples[:n]...)
	sort.Float64s(sorted)
	idx := int(0.95 * float64(n))
	if idx >= n {
		idx = n - 1
	}
	p95 := sorted[idx]

	if p95 < threshold {
		w.aboveSince = time.Time{}
		return false
	}
	if w.aboveSince.IsZero() {
		w.aboveSince = time.Now()
		return false
	}
	return time.Since(w.aboveSince) >= dur
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.samples {
		w.samples[i] = 0
	}
	w.next = 0
	w.full = false
	w.aboveSince = time.Time{}
}
