package supervisor

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestHealthMonitor_StateTransitions(t *testing.T) {
	now := time.Now()
	h := NewHealthMonitor(3, 10*time.Second, nil)
	h.now = func() time.Time { return now }

	if got := h.Status("ingest"); got != StatusOK {
		t.Fatalf("initial status = %s, want ok", got)
	}

	h.RecordFailure("ingest")
	if got := h.Status("ingest"); got != StatusDegraded {
		t.Errorf("after 1 failure = %s, want degraded", got)
	}
	if allowed, _ := h.AllowAttempt("ingest"); !allowed {
		t.Error("degraded subsystem must still allow attempts")
	}

	h.RecordFailure("ingest")
	h.RecordFailure("ingest")
	if got := h.Status("ingest"); got != StatusSuppressed {
		t.Errorf("at threshold = %s, want suppressed", got)
	}

	allowed, remaining := h.AllowAttempt("ingest")
	if allowed {
		t.Error("suppressed subsystem must not allow attempts")
	}
	if remaining <= 0 || remaining > 10*time.Second {
		t.Errorf("remaining = %v, want within the cooldown", remaining)
	}

	// Cooldown expires: one probe attempt goes through as recovering.
	now = now.Add(11 * time.Second)
	allowed, _ = h.AllowAttempt("ingest")
	if !allowed {
		t.Error("expired cooldown must allow a probe attempt")
	}
	if got := h.Status("ingest"); got != StatusRecovering {
		t.Errorf("probing status = %s, want recovering", got)
	}

	h.RecordSuccess("ingest")
	if got := h.Status("ingest"); got != StatusOK {
		t.Errorf("after success = %s, want ok", got)
	}
	if h.Failures("ingest") != 0 {
		t.Errorf("failures = %d, want reset to 0", h.Failures("ingest"))
	}
}

func TestHealthMonitor_ProbeFailureResuppresses(t *testing.T) {
	now := time.Now()
	h := NewHealthMonitor(2, 5*time.Second, nil)
	h.now = func() time.Time { return now }

	h.RecordFailure("delivery")
	h.RecordFailure("delivery")
	now = now.Add(6 * time.Second)
	if allowed, _ := h.AllowAttempt("delivery"); !allowed {
		t.Fatal("probe attempt not allowed after cooldown")
	}

	h.RecordFailure("delivery")
	if got := h.Status("delivery"); got != StatusSuppressed {
		t.Errorf("failed probe status = %s, want suppressed again", got)
	}
}

func TestHealthMonitor_IndependentSubsystems(t *testing.T) {
	h := NewHealthMonitor(2, time.Second, nil)
	h.RecordFailure("ingest")
	h.RecordFailure("ingest")

	if got := h.Status("delivery"); got != StatusOK {
		t.Errorf("unrelated subsystem status = %s, want ok", got)
	}
	if allowed, _ := h.AllowAttempt("delivery"); !allowed {
		t.Error("unrelated subsystem must allow attempts")
	}
}

// orderRecorder tracks subsystem lifecycle calls.
type orderRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *orderRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *orderRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func subsystemFor(rec *orderRecorder, name string) Subsystem {
	return Subsystem{
		Name: name,
		Start: func(context.Context) error {
			rec.record("start:" + name)
			return nil
		},
		Stop: func() { rec.record("stop:" + name) },
	}
}

func TestRun_StartOrderAndReverseStop(t *testing.T) {
	rec := &orderRecorder{}
	s := New(nil, nil)
	s.Add(subsystemFor(rec, "store"))
	s.Add(subsystemFor(rec, "ingest"))
	s.Add(subsystemFor(rec, "delivery"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, func() bool { return len(rec.snapshot()) == 3 }, "subsystems not started")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	want := []string{
		"start:store", "start:ingest", "start:delivery",
		"stop:delivery", "stop:ingest", "stop:store",
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestRun_StartFailureUnwindsStartedSubsystems(t *testing.T) {
	rec := &orderRecorder{}
	s := New(nil, nil)
	s.Add(subsystemFor(rec, "store"))
	s.Add(Subsystem{
		Name:  "ingest",
		Start: func(context.Context) error { return errors.New("port in use") },
		Stop:  func() { rec.record("stop:ingest") },
	})
	s.Add(subsystemFor(rec, "delivery"))

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when a subsystem cannot start")
	}

	got := rec.snapshot()
	want := []string{"start:store", "stop:store"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("calls = %v, want %v (never-started subsystems must not be stopped)", got, want)
	}
}

func TestRun_RestartsFailedSubsystem(t *testing.T) {
	rec := &orderRecorder{}
	errCh := make(chan error, 1)

	var mu sync.Mutex
	starts := 0

	s := New(NewHealthMonitor(5, time.Minute, nil), nil)
	s.Add(Subsystem{
		Name: "ingest",
		Start: func(context.Context) error {
			mu.Lock()
			starts++
			mu.Unlock()
			rec.record("start")
			return nil
		},
		Stop: func() { rec.record("stop") },
		Err:  func() <-chan error { return errCh },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts == 1
	}, "subsystem not started")

	errCh <- errors.New("socket closed")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts == 2
	}, "subsystem not restarted after fatal error")
}

func TestRun_ReloadOnSIGHUP(t *testing.T) {
	reloaded := make(chan struct{}, 1)
	rec := &orderRecorder{}

	s := New(nil, nil)
	s.Add(subsystemFor(rec, "store"))
	s.SetReload(func(context.Context) error {
		reloaded <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	// Give Run a moment to install the signal handler.
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("sending SIGHUP: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP did not trigger the reload handler")
	}

	// An accepted reload bounces every subsystem.
	waitUntil(t, func() bool {
		calls := rec.snapshot()
		return len(calls) == 3 && calls[1] == "stop:store" && calls[2] == "start:store"
	}, "subsystems not restarted after reload")
}

func TestRun_RejectedReloadKeepsSubsystemsRunning(t *testing.T) {
	rec := &orderRecorder{}

	s := New(nil, nil)
	s.Add(subsystemFor(rec, "delivery"))
	s.SetReload(func(context.Context) error {
		return errors.New("db_path changed, restart required")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("sending SIGHUP: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if calls := rec.snapshot(); len(calls) != 1 || calls[0] != "start:delivery" {
		t.Errorf("calls = %v, want only the initial start", calls)
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
