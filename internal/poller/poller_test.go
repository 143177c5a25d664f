package poller

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/store"
)

type pollRecord struct {
	deviceID  string
	state     *store.PollState
	threshold int
}

type fakeRegistry struct {
	mu        sync.Mutex
	devices   []*store.Device
	successes []pollRecord
	failures  []pollRecord
}

func (r *fakeRegistry) Devices(context.Context) ([]*store.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.Device(nil), r.devices...), nil
}

func (r *fakeRegistry) RecordPollSuccess(_ context.Context, id string, state *store.PollState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, pollRecord{deviceID: id, state: state})
	return nil
}

func (r *fakeRegistry) RecordPollFailure(_ context.Context, id string, threshold int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, pollRecord{deviceID: id, threshold: threshold})
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Delivery: config.DeliveryConfig{DefaultPort: 4003},
		Poll: config.PollConfig{
			Enabled:          true,
			IntervalSeconds:  30,
			TimeoutMs:        200,
			OfflineThreshold: 3,
		},
	}
}

func device(id, ip string) *store.Device {
	return &store.Device{ID: id, IP: ip, Protocol: "govee", Enabled: true}
}

func TestCycle_ProbesOnlyPollableDevices(t *testing.T) {
	disabled := device("lamp-disabled", "10.0.0.2")
	disabled.Enabled = false
	stale := device("lamp-stale", "10.0.0.3")
	stale.Stale = true

	registry := &fakeRegistry{devices: []*store.Device{
		device("lamp-1", "10.0.0.1"),
		disabled,
		stale,
		device("lamp-no-ip", ""),
	}}

	var (
		mu     sync.Mutex
		probed []string
	)
	p := New(testConfig(), registry, nil, nil)
	p.SetProbe(func(_ context.Context, addr string) (*store.PollState, error) {
		mu.Lock()
		defer mu.Unlock()
		probed = append(probed, addr)
		on := true
		return &store.PollState{Power: &on}, nil
	})
	t.Cleanup(p.Stop)

	p.cycle()

	mu.Lock()
	defer mu.Unlock()
	if len(probed) != 1 || probed[0] != "10.0.0.1:4003" {
		t.Errorf("probed = %v, want only lamp-1 at the default port", probed)
	}
	if len(registry.successes) != 1 || registry.successes[0].deviceID != "lamp-1" {
		t.Errorf("successes = %+v, want one for lamp-1", registry.successes)
	}
	if registry.successes[0].state == nil || registry.successes[0].state.Power == nil {
		t.Error("poll state not forwarded to the registry")
	}
}

func TestCycle_UsesCapabilityPort(t *testing.T) {
	d := device("lamp-1", "10.0.0.1")
	d.Capabilities.Port = 4010
	registry := &fakeRegistry{devices: []*store.Device{d}}

	var gotAddr string
	p := New(testConfig(), registry, nil, nil)
	p.SetProbe(func(_ context.Context, addr string) (*store.PollState, error) {
		gotAddr = addr
		return nil, nil
	})
	t.Cleanup(p.Stop)

	p.cycle()

	if gotAddr != "10.0.0.1:4010" {
		t.Errorf("probe addr = %s, want capability port 4010", gotAddr)
	}
}

func TestCycle_RecordsFailureWithThreshold(t *testing.T) {
	registry := &fakeRegistry{devices: []*store.Device{device("lamp-1", "10.0.0.1")}}

	p := New(testConfig(), registry, nil, nil)
	p.SetProbe(func(context.Context, string) (*store.PollState, error) {
		return nil, errors.New("no reply")
	})
	t.Cleanup(p.Stop)

	p.cycle()

	if len(registry.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(registry.failures))
	}
	if registry.failures[0].threshold != 3 {
		t.Errorf("threshold = %d, want 3", registry.failures[0].threshold)
	}
	if len(registry.successes) != 0 {
		t.Errorf("unexpected successes: %+v", registry.successes)
	}
}

func TestGoveeProbe_ParsesReply(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	reply := `{"msg":{"cmd":"devStatus","data":{"onOff":1,"brightness":76,"color":{"r":255,"g":10,"b":0},"colorTemInKelvin":0}}}`
	go func() {
		buf := make([]byte, 2048)
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != string(statusRequest) {
			return
		}
		conn.WriteTo([]byte(reply), remote) //nolint:errcheck
	}()

	p := New(testConfig(), &fakeRegistry{}, nil, nil)
	t.Cleanup(p.Stop)

	state, err := p.goveeProbe(context.Background(), conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("goveeProbe() error = %v", err)
	}
	if state.Power == nil || !*state.Power {
		t.Error("power not parsed as on")
	}
	if state.Brightness == nil || *state.Brightness != 76 {
		t.Errorf("brightness = %v, want 76", state.Brightness)
	}
	if state.Color["r"] != 255 || state.Color["g"] != 10 || state.Color["b"] != 0 {
		t.Errorf("color = %v, want 255/10/0", state.Color)
	}
}

func TestGoveeProbe_TimesOutWithoutReply(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	p := New(testConfig(), &fakeRegistry{}, nil, nil)
	t.Cleanup(p.Stop)

	start := time.Now()
	_, err = p.goveeProbe(context.Background(), conn.LocalAddr().String())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe took %v, want bounded by the poll timeout", elapsed)
	}
}

func TestStart_DisabledPollerIsInert(t *testing.T) {
	cfg := testConfig()
	cfg.Poll.Enabled = false

	registry := &fakeRegistry{devices: []*store.Device{device("lamp-1", "10.0.0.1")}}
	p := New(cfg, registry, nil, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Stop()

	if len(registry.successes)+len(registry.failures) != 0 {
		t.Error("disabled poller recorded probe outcomes")
	}
}

func TestStart_AfterStop(t *testing.T) {
	p := New(testConfig(), &fakeRegistry{}, nil, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Stop()
	if err := p.Start(); !errors.Is(err, ErrPollerClosed) {
		t.Errorf("Start() after Stop = %v, want ErrPollerClosed", err)
	}
}
