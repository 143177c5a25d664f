package ingest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lightwire/lightwire-core/internal/dmx"
	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
)

// captureSink records frames and signals arrival.
type captureSink struct {
	mu     sync.Mutex
	frames []dmx.Frame
	got    chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{got: make(chan struct{}, 16)}
}

func (s *captureSink) HandleFrame(frame dmx.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *captureSink) wait(t *testing.T) dmx.Frame {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// freePort grabs an ephemeral UDP port for a test listener.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocating test port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close() //nolint:errcheck
	return port
}

func sendUDP(t *testing.T, port int, payload []byte) {
	t.Helper()
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dialing test listener: %v", err)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("sending test packet: %v", err)
	}
}

func TestArtNetListener_ReceivesFrames(t *testing.T) {
	port := freePort(t)
	sink := newCaptureSink()

	l := NewArtNetListener(config.ArtNetConfig{
		Enabled: true, Port: port, Priority: 100,
	}, sink, nil, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	pkt := &dmx.ArtDMXPacket{
		Sequence: 7,
		Universe: 3,
		Length:   4,
	}
	copy(pkt.Data[:], []byte{10, 20, 30, 40})
	sendUDP(t, port, pkt.Serialize())

	frame := sink.wait(t)
	if frame.Universe != 3 {
		t.Errorf("universe = %d, want 3", frame.Universe)
	}
	if frame.Priority != 100 {
		t.Errorf("priority = %d, want configured 100", frame.Priority)
	}
	if frame.Source != dmx.SourceArtNet {
		t.Errorf("source = %s, want artnet", frame.Source)
	}
	if frame.Data[0] != 10 || frame.Data[3] != 40 {
		t.Errorf("data = %v..., want 10..40", frame.Data[:4])
	}
	if frame.SourceID == "" {
		t.Error("expected non-empty source id")
	}
	if frame.Received.IsZero() {
		t.Error("expected received timestamp to be stamped")
	}
}

func TestArtNetListener_IgnoresMalformed(t *testing.T) {
	port := freePort(t)
	sink := newCaptureSink()

	l := NewArtNetListener(config.ArtNetConfig{Port: port, Priority: 100}, sink, nil, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	sendUDP(t, port, []byte("not artnet at all"))

	// A valid frame after garbage proves the loop survived.
	pkt := &dmx.ArtDMXPacket{Universe: 1, Length: 1}
	pkt.Data[0] = 255
	sendUDP(t, port, pkt.Serialize())

	frame := sink.wait(t)
	if frame.Universe != 1 {
		t.Errorf("universe = %d, want 1", frame.Universe)
	}
	if sink.count() != 1 {
		t.Errorf("frames = %d, want 1 (garbage dropped)", sink.count())
	}
}

func TestSACNListener_ReceivesFrames(t *testing.T) {
	port := freePort(t)
	sink := newCaptureSink()

	l := NewSACNListener(config.SACNConfig{Port: port}, sink, nil, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	pkt := &dmx.SACNPacket{
		SourceName: "test-console",
		Priority:   120,
		Sequence:   9,
		Universe:   5,
		Length:     3,
	}
	copy(pkt.Data[:], []byte{1, 2, 3})
	pkt.CID[0] = 0xAB
	sendUDP(t, port, pkt.Serialize())

	frame := sink.wait(t)
	if frame.Universe != 5 {
		t.Errorf("universe = %d, want 5", frame.Universe)
	}
	if frame.Priority != 120 {
		t.Errorf("priority = %d, want 120", frame.Priority)
	}
	if frame.Source != dmx.SourceSACN {
		t.Errorf("source = %s, want sacn", frame.Source)
	}
	if frame.SourceID == "sacn:" || frame.SourceID == "" {
		t.Errorf("source id = %q, want CID-derived identity", frame.SourceID)
	}
	if frame.Received.IsZero() {
		t.Error("expected received timestamp to be stamped")
	}
}

func TestSACNListener_TerminatedStreamPriorityZero(t *testing.T) {
	port := freePort(t)
	sink := newCaptureSink()

	l := NewSACNListener(config.SACNConfig{Port: port}, sink, nil, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	pkt := &dmx.SACNPacket{
		Priority: 100,
		Universe: 2,
		Options:  0x40, // stream_terminated
		Length:   1,
	}
	sendUDP(t, port, pkt.Serialize())

	frame := sink.wait(t)
	if frame.Priority != 0 {
		t.Errorf("terminated stream priority = %d, want 0", frame.Priority)
	}
}

func TestListener_StartAfterStop(t *testing.T) {
	l := NewArtNetListener(config.ArtNetConfig{Port: freePort(t)}, newCaptureSink(), nil, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	l.Stop()
	l.Stop() // idempotent

	if err := l.Start(context.Background()); err != ErrListenerClosed {
		t.Errorf("Start() after Stop = %v, want ErrListenerClosed", err)
	}
}
