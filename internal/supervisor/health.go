package supervisor

import (
	"sync"
	"time"

	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
)

// Status is the circuit-breaker state of one subsystem.
type Status string

const (
	// StatusOK means the subsystem is running with no recent failures.
	StatusOK Status = "ok"

	// StatusDegraded means the subsystem has failed recently but is still
	// below the suppression threshold.
	StatusDegraded Status = "degraded"

	// StatusSuppressed means repeated failures tripped the breaker;
	// restart attempts are held back until the cooldown expires.
	StatusSuppressed Status = "suppressed"

	// StatusRecovering means the cooldown expired and a probe restart is
	// in flight. Success returns to ok, failure re-suppresses.
	StatusRecovering Status = "recovering"
)

// HealthMonitor is a per-subsystem circuit breaker. Consecutive failures
// past the threshold suppress restart attempts for a cooldown period so a
// crash-looping subsystem cannot burn the process down with it.
type HealthMonitor struct {
	threshold int
	cooldown  time.Duration
	metrics   *metrics.Metrics

	mu     sync.Mutex
	states map[string]*subsystemState

	// now is swappable for tests.
	now func() time.Time
}

type subsystemState struct {
	failures        int
	status          Status
	suppressedUntil time.Time
}

// NewHealthMonitor creates a breaker. threshold <= 0 defaults to 5;
// cooldown <= 0 defaults to 30s. m may be nil.
func NewHealthMonitor(threshold int, cooldown time.Duration, m *metrics.Metrics) *HealthMonitor {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &HealthMonitor{
		threshold: threshold,
		cooldown:  cooldown,
		metrics:   m,
		states:    make(map[string]*subsystemState),
		now:       time.Now,
	}
}

func (h *HealthMonitor) state(name string) *subsystemState {
	st, ok := h.states[name]
	if !ok {
		st = &subsystemState{status: StatusOK}
		h.states[name] = st
	}
	return st
}

// RecordSuccess resets the failure streak.
func (h *HealthMonitor) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(name)
	st.failures = 0
	st.status = StatusOK
	h.export(name, st.status)
}

// RecordFailure counts one failure. Hitting the threshold trips the
// breaker and starts the cooldown.
func (h *HealthMonitor) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(name)
	st.failures++
	if st.failures >= h.threshold {
		st.status = StatusSuppressed
		st.suppressedUntil = h.now().Add(h.cooldown)
	} else {
		st.status = StatusDegraded
	}
	h.export(name, st.status)
}

// AllowAttempt reports whether a restart attempt may proceed. When the
// breaker is open it returns false and the time remaining until the next
// attempt window.
func (h *HealthMonitor) AllowAttempt(name string) (bool, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(name)
	if st.status != StatusSuppressed {
		return true, 0
	}
	remaining := st.suppressedUntil.Sub(h.now())
	if remaining > 0 {
		return false, remaining
	}

	// Cooldown expired: let exactly one probe attempt through.
	st.status = StatusRecovering
	h.export(name, st.status)
	return true, 0
}

// Status returns the subsystem's current breaker state.
func (h *HealthMonitor) Status(name string) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state(name).status
}

// Failures returns the current consecutive failure count.
func (h *HealthMonitor) Failures(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state(name).failures
}

// export mirrors the state onto the Prometheus gauge. Caller holds the
// lock.
func (h *HealthMonitor) export(name string, status Status) {
	if h.metrics == nil {
		return
	}
	var value float64
	switch status {
	case StatusOK:
		value = metrics.StatusOK
	case StatusDegraded:
		value = metrics.StatusDegraded
	case StatusSuppressed:
		value = metrics.StatusSuppressed
	case StatusRecovering:
		value = metrics.StatusRecovering
	}
	h.metrics.SubsystemStatus.WithLabelValues(name).Set(value)
}
