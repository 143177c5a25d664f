// Package protocol defines the device-dialect abstraction: how an abstract
// device state update is wrapped into the wire commands a given fixture
// family understands.
//
// New dialects register a Handler at startup; the mapper and delivery
// engine never see dialect-specific payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sentinel errors.
var (
	ErrUnknownProtocol = errors.New("protocol: unknown protocol")
	ErrEmptyState      = errors.New("protocol: state update carries no fields")
)

// State is the abstract device state fragment produced by the mapper.
//
// Zero values mean "not set": an empty Turn, nil Brightness, nil Color and
// zero ColorTempK are all absent fields, not commands.
type State struct {
	// Turn is "", "on", or "off".
	Turn string `json:"turn,omitempty"`

	// Brightness is 0..255 when set.
	Brightness *int `json:"brightness,omitempty"`

	// Color holds channel values keyed by "r", "g", "b", "w".
	Color map[string]int `json:"color,omitempty"`

	// ColorTempK is a colour temperature in kelvin when non-zero.
	ColorTempK int `json:"color_temp,omitempty"`
}

// IsEmpty reports whether the state carries no fields at all.
func (s *State) IsEmpty() bool {
	return s.Turn == "" && s.Brightness == nil && len(s.Color) == 0 && s.ColorTempK == 0
}

// Merge folds other into s. Color sub-maps are shallow-merged; every other
// set field overwrites.
func (s *State) Merge(other *State) {
	if other.Turn != "" {
		s.Turn = other.Turn
	}
	if other.Brightness != nil {
		s.Brightness = other.Brightness
	}
	if other.ColorTempK != 0 {
		s.ColorTempK = other.ColorTempK
	}
	if len(other.Color) > 0 {
		if s.Color == nil {
			s.Color = make(map[string]int, len(other.Color))
		}
		for k, v := range other.Color {
			s.Color[k] = v
		}
	}
}

// Canonical returns a deterministic byte serialization of the state, used
// for change detection and last-payload hashing. Two states with the same
// fields always produce identical bytes (encoding/json sorts map keys).
func (s *State) Canonical() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		// State contains only marshalable types; this cannot fire.
		panic(fmt.Sprintf("protocol: marshal state: %v", err))
	}
	return b
}

// ParseState decodes bytes produced by Canonical.
func ParseState(raw []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("protocol: parsing state: %w", err)
	}
	return &s, nil
}

// String renders a compact field summary for logs.
func (s *State) String() string {
	var parts []string
	if s.Turn != "" {
		parts = append(parts, "turn="+s.Turn)
	}
	if s.Brightness != nil {
		parts = append(parts, fmt.Sprintf("brightness=%d", *s.Brightness))
	}
	if len(s.Color) > 0 {
		keys := make([]string, 0, len(s.Color))
		for k := range s.Color {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var kv []string
		for _, k := range keys {
			kv = append(kv, fmt.Sprintf("%s:%d", k, s.Color[k]))
		}
		parts = append(parts, "color={"+strings.Join(kv, ",")+"}")
	}
	if s.ColorTempK != 0 {
		parts = append(parts, fmt.Sprintf("ct=%dK", s.ColorTempK))
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " ")
}

// Handler wraps abstract state updates into wire commands for one device
// dialect.
type Handler interface {
	// Protocol returns the dialect tag stored in devices.protocol.
	Protocol() string

	// DefaultPort is the port used when the device record carries none.
	DefaultPort() int

	// DefaultTransport is "udp" or "tcp".
	DefaultTransport() string

	// Wrap converts one state update into zero or more wire commands, each
	// delivered (and retried) independently, in order.
	Wrap(state *State) ([][]byte, error)
}

// Registry resolves protocol tags to handlers.
//
// Thread Safety:
//   - Register and Get are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler, replacing any previous handler for the same tag.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(h.Protocol())] = h
}

// Get returns the handler for a protocol tag.
func (r *Registry) Get(protocol string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[strings.ToLower(protocol)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
	return h, nil
}

// Protocols returns the registered tags, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
