// Package supervisor owns the process lifecycle: ordered subsystem
// startup, fatal-error restarts behind a circuit breaker, SIGHUP config
// reload, and bounded graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("supervisor: already running")

const (
	// defaultStopTimeout bounds each subsystem's Stop during shutdown.
	defaultStopTimeout = 5 * time.Second

	// restartBackoffBase and restartBackoffMax bound the delay between
	// restart attempts while the breaker is still closed.
	restartBackoffBase = 500 * time.Millisecond
	restartBackoffMax  = 10 * time.Second
)

// Subsystem is one supervised component. Start must be idempotent enough
// to be called again after Stop. Err, when set, yields the subsystem's
// fatal error stream; the supervisor restarts the subsystem when it fires.
type Subsystem struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func()

	// Err returns the current fatal error channel, re-read after every
	// restart because Start may replace the underlying resource.
	Err func() <-chan error
}

type failure struct {
	name string
	err  error
}

// Supervisor starts subsystems in registration order and stops them in
// reverse.
type Supervisor struct {
	logger      *logging.Logger
	health      *HealthMonitor
	subsystems  []Subsystem
	stopTimeout time.Duration

	// reload is invoked on SIGHUP. Optional.
	reload func(ctx context.Context) error

	failures chan failure
	running  bool
}

// New creates a supervisor. health may be nil, in which case a default
// breaker is used.
func New(health *HealthMonitor, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	if health == nil {
		health = NewHealthMonitor(0, 0, nil)
	}
	return &Supervisor{
		logger:      logger.With("component", "supervisor"),
		health:      health,
		stopTimeout: defaultStopTimeout,
		failures:    make(chan failure, 8),
	}
}

// Add registers a subsystem. Registration order is start order; stop
// order is the reverse.
func (s *Supervisor) Add(sub Subsystem) {
	s.subsystems = append(s.subsystems, sub)
}

// SetReload installs the SIGHUP handler. Must be called before Run.
func (s *Supervisor) SetReload(reload func(ctx context.Context) error) {
	s.reload = reload
}

// Run starts every subsystem and blocks until ctx is cancelled, then
// stops them in reverse order. A subsystem that fails to start unwinds
// the ones already started and returns the error.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true

	started, err := s.startAll(ctx)
	if err != nil {
		s.stopStarted(started)
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested")
			s.stopStarted(s.subsystems)
			return nil

		case <-hup:
			s.handleReload(ctx)

		case f := <-s.failures:
			s.logger.Error("subsystem failed", "subsystem", f.name, "error", f.err)
			s.health.RecordFailure(f.name)
			go s.restart(ctx, f.name)
		}
	}
}

// startAll starts subsystems in order, returning the prefix that started
// for unwinding on failure.
func (s *Supervisor) startAll(ctx context.Context) ([]Subsystem, error) {
	var started []Subsystem
	for _, sub := range s.subsystems {
		s.logger.Info("starting subsystem", "subsystem", sub.Name)
		if err := sub.Start(ctx); err != nil {
			return started, fmt.Errorf("supervisor: starting %s: %w", sub.Name, err)
		}
		started = append(started, sub)
		s.health.RecordSuccess(sub.Name)
		s.watch(sub)
	}
	return started, nil
}

// stopStarted stops the given subsystems in reverse order, bounding each
// Stop so one hung subsystem cannot block shutdown indefinitely.
func (s *Supervisor) stopStarted(started []Subsystem) {
	for i := len(started) - 1; i >= 0; i-- {
		sub := started[i]
		s.logger.Info("stopping subsystem", "subsystem", sub.Name)

		done := make(chan struct{})
		go func() {
			sub.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.stopTimeout):
			s.logger.Error("subsystem stop timed out, abandoning", "subsystem", sub.Name, "timeout", s.stopTimeout)
		}
	}
}

// watch forwards the subsystem's next fatal error to the failure channel.
// The watcher exits after one error; restart re-attaches it.
func (s *Supervisor) watch(sub Subsystem) {
	if sub.Err == nil {
		return
	}
	errCh := sub.Err()
	if errCh == nil {
		return
	}
	go func() {
		err, ok := <-errCh
		if !ok || err == nil {
			return
		}
		s.failures <- failure{name: sub.Name, err: err}
	}()
}

// restart stops and restarts one subsystem, gated by the circuit
// breaker. Repeated failures escalate to suppression; a successful start
// closes the breaker.
func (s *Supervisor) restart(ctx context.Context, name string) {
	sub, ok := s.find(name)
	if !ok {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartBackoffBase
	bo.MaxInterval = restartBackoffMax
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		allowed, remaining := s.health.AllowAttempt(name)
		if !allowed {
			s.logger.Warn("restart suppressed by circuit breaker",
				"subsystem", name,
				"failures", s.health.Failures(name),
				"retry_in", remaining)
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
			continue
		}

		sub.Stop()
		if err := sub.Start(ctx); err != nil {
			s.health.RecordFailure(name)
			s.logger.Error("subsystem restart failed", "subsystem", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		s.health.RecordSuccess(name)
		s.logger.Info("subsystem restarted", "subsystem", name)
		s.watch(sub)
		return
	}
}

func (s *Supervisor) find(name string) (Subsystem, bool) {
	for _, sub := range s.subsystems {
		if sub.Name == name {
			return sub, true
		}
	}
	return Subsystem{}, false
}

// handleReload applies a SIGHUP: the reload callback validates and swaps
// in the new configuration, and on success every subsystem is restarted
// so it picks the new settings up. A rejected reload leaves the running
// subsystems untouched.
func (s *Supervisor) handleReload(ctx context.Context) {
	if s.reload == nil {
		s.logger.Warn("SIGHUP received but no reload handler installed")
		return
	}
	s.logger.Info("reloading configuration")
	if err := s.reload(ctx); err != nil {
		s.logger.Error("configuration reload rejected", "error", err)
		return
	}

	s.stopStarted(s.subsystems)
	if _, err := s.startAll(ctx); err != nil {
		s.logger.Error("subsystem restart after reload failed", "error", err)
		return
	}
	s.logger.Info("configuration reloaded")
}
