// Package ratelimit implements a per-domain sliding-window rate limiter with
// progressive back-off.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/logging"
	"github.com/tinkermonkey/apibuddy/pkg/telemetry"
)

const window = time.Hour

// ThrottleState tracks sliding-window and progressive-back-off state for a
// single domain.
type ThrottleState struct {
	Violations        int
	DelaySeconds      int
	LastViolation     time.Time
	TotalRequests     int
	RequestTimestamps []time.Time
}

func newThrottleState() *ThrottleState {
	return &ThrottleState{DelaySeconds: 1}
}

func (s *ThrottleState) clone() *ThrottleState {
	c := *s
	c.RequestTimestamps = append([]time.Time(nil), s.RequestTimestamps...)
	return &c
}

// Manager enforces the per-domain sliding window + progressive back-off
// throttle.
type Manager struct {
	cfg     *config.ThrottlingConfig
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*ThrottleState
}

// NewManager constructs a ThrottleManager from the throttling configuration.
func NewManager(cfg *config.ThrottlingConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Manager {
	if cfg == nil {
		cfg = &config.ThrottlingConfig{}
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		states:  make(map[string]*ThrottleState),
	}
}

// RecordRequest appends now to the domain's timestamp sequence, prunes
// entries older than the 1-hour window, and increments total_requests. It
// must be called exactly once per forwarded upstream call and never on a
// cache hit.
func (m *Manager) RecordRequest(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	state := m.stateLocked(domain)
	state.RequestTimestamps = append(state.RequestTimestamps, now)
	state.TotalRequests++
	m.cleanupLocked(state, now)
}

// ShouldThrottle reports whether domain is currently over its request limit
// or still inside a progressive-back-off penalty window.
func (m *Manager) ShouldThrottle(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	state := m.stateLocked(domain)
	m.cleanupLocked(state, now)

	limit := m.limitForLocked(domain)
	if len(state.RequestTimestamps) > limit {
		m.applyProgressiveThrottleLocked(domain, state, now)
		return true
	}
	if state.DelaySeconds > 1 && now.Sub(state.LastViolation) < time.Duration(state.DelaySeconds)*time.Second {
		return true
	}
	return false
}

// DelayFor returns the domain's current progressive back-off delay.
func (m *Manager) DelayFor(domain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(domain).DelaySeconds
}

// LimitFor returns the effective request-per-hour ceiling for domain
// (a domain_limits override, else throttling.default_requests_per_hour,
// else 1000).
func (m *Manager) LimitFor(domain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitForLocked(domain)
}

// WindowStatus reports the values needed for the 429 rate-limit headers:
// the domain's limit, requests remaining before the limit is hit, and
// seconds until the sliding window's oldest timestamp falls out of the
// window (1 if the window is empty).
func (m *Manager) WindowStatus(domain string) (limit, remaining, resetSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	state := m.stateLocked(domain)
	m.cleanupLocked(state, now)

	limit = m.limitForLocked(domain)
	remaining = limit - len(state.RequestTimestamps)
	if remaining < 0 {
		remaining = 0
	}

	resetSeconds = 1
	if len(state.RequestTimestamps) > 0 {
		resetSeconds = int(window.Seconds()) - int(now.Sub(state.RequestTimestamps[0]).Seconds())
		if resetSeconds < 1 {
			resetSeconds = 1
		}
	}
	return limit, remaining, resetSeconds
}

// Reset clears a domain's throttle state. This is the only way
// delay_seconds decays.
func (m *Manager) Reset(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[domain] = newThrottleState()
}

// Snapshot serializes the per-domain map for test reproducibility and
// process-lifetime introspection. ThrottleState has no persisted form
// across restarts, so this is not used for durability.
func (m *Manager) Snapshot() map[string]ThrottleState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ThrottleState, len(m.states))
	for domain, state := range m.states {
		out[domain] = *state.clone()
	}
	return out
}

// Restore replaces the per-domain map from a prior Snapshot.
func (m *Manager) Restore(snapshot map[string]ThrottleState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*ThrottleState, len(snapshot))
	for domain, state := range snapshot {
		m.states[domain] = state.clone()
	}
}

func (m *Manager) stateLocked(domain string) *ThrottleState {
	state, ok := m.states[domain]
	if !ok {
		state = newThrottleState()
		m.states[domain] = state
	}
	return state
}

func (m *Manager) cleanupLocked(state *ThrottleState, now time.Time) {
	cut := 0
	for _, ts := range state.RequestTimestamps {
		if now.Sub(ts) > window {
			cut++
			continue
		}
		break
	}
	if cut > 0 {
		state.RequestTimestamps = state.RequestTimestamps[cut:]
	}
}

func (m *Manager) limitForLocked(domain string) int {
	if limit, ok := m.cfg.DomainLimits[domain]; ok {
		return limit
	}
	if m.cfg.DefaultRequestsPerHour > 0 {
		return m.cfg.DefaultRequestsPerHour
	}
	return 1000
}

func (m *Manager) applyProgressiveThrottleLocked(domain string, state *ThrottleState, now time.Time) {
	state.Violations++
	state.LastViolation = now

	maxDelay := m.cfg.ProgressiveMaxDelay
	if maxDelay <= 0 {
		maxDelay = 300
	}
	next := 2
	if state.DelaySeconds > 1 {
		next = state.DelaySeconds * 2
	}
	if next > maxDelay {
		next = maxDelay
	}
	state.DelaySeconds = next

	if m.logger != nil {
		m.logger.Warn("domain throttled", "domain", domain, "violations", state.Violations, "delay_seconds", state.DelaySeconds)
	}
	if m.metrics != nil {
		ctx := context.Background()
		m.metrics.ThrottleViolations.Add(ctx, 1)
		m.metrics.ThrottleDelay.Record(ctx, float64(state.DelaySeconds))
	}
}
