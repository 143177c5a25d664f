package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
)

type fakeMarker struct {
	mu         sync.Mutex
	calls      int
	thresholds []time.Duration
	marked     int
	err        error
}

func (m *fakeMarker) MarkStale(_ context.Context, threshold time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.thresholds = append(m.thresholds, threshold)
	if m.err != nil {
		return 0, m.err
	}
	return m.marked, nil
}

func (m *fakeMarker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func sweeperConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Discovery.IntervalSeconds = 300
	cfg.Discovery.StaleAfterSeconds = 600
	return cfg
}

func TestSweeper_MarksWithConfiguredThreshold(t *testing.T) {
	marker := &fakeMarker{marked: 2}
	s := NewSweeper(sweeperConfig(), marker, nil, nil)

	s.sweep()

	if marker.callCount() != 1 {
		t.Fatalf("MarkStale calls = %d, want 1", marker.callCount())
	}
	if got := marker.thresholds[0]; got != 600*time.Second {
		t.Errorf("threshold = %v, want 10m", got)
	}
}

func TestSweeper_SurvivesMarkError(t *testing.T) {
	marker := &fakeMarker{err: errors.New("database is locked")}
	s := NewSweeper(sweeperConfig(), marker, nil, nil)

	s.sweep()
	s.sweep()

	if marker.callCount() != 2 {
		t.Errorf("MarkStale calls = %d, want 2 (errors must not stop the sweeper)", marker.callCount())
	}
}

func TestSweeper_LoopTicks(t *testing.T) {
	cfg := sweeperConfig()
	cfg.Discovery.IntervalSeconds = 0 // falls back to the default interval

	marker := &fakeMarker{}
	s := NewSweeper(cfg, marker, nil, nil)
	if got := s.interval(); got != time.Minute {
		t.Fatalf("default interval = %v, want 1m", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()

	if err := s.Start(); !errors.Is(err, ErrSweeperClosed) {
		t.Errorf("Start after Stop error = %v, want ErrSweeperClosed", err)
	}
}
