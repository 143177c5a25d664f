package store

import (
	"time"

	"github.com/lightwire/lightwire-core/internal/protocol"
)

// MappingType discriminates how a channel slice is interpreted.
type MappingType string

const (
	// MappingRange reads len(channel_order) consecutive channels as one
	// colour/brightness block.
	MappingRange MappingType = "range"

	// MappingDiscrete reads a single channel into one named field.
	MappingDiscrete MappingType = "discrete"
)

// Field names a mapping may bind to.
const (
	FieldR      = "r"
	FieldG      = "g"
	FieldB      = "b"
	FieldW      = "w"
	FieldDimmer = "dimmer"
	FieldCT     = "ct"
	FieldPower  = "power"
)

// Capability modes.
const (
	ModeRGB        = "rgb"
	ModeRGBW       = "rgbw"
	ModeBrightness = "brightness"
	ModeCustom     = "custom"
	ModeDiscrete   = "discrete"
)

// Dead-letter reason codes.
const (
	ReasonDeviceUnavailable = "device_unavailable"
	ReasonMissingIP         = "missing_ip"
	ReasonQueueOverflow     = "queue_overflow"
)

// TempRange is a colour temperature range in kelvin.
type TempRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Capabilities is the canonical, normalised capability record. Raw catalog
// or discovery input is coerced into this shape by NormalizeCapabilities;
// nothing downstream ever sees loose JSON.
type Capabilities struct {
	SupportsBrightness bool       `json:"supports_brightness"`
	SupportsColor      bool       `json:"supports_color"`
	SupportsColorTemp  bool       `json:"supports_color_temperature"`
	SupportsWhite      bool       `json:"supports_white"`
	ColorModes         []string   `json:"color_modes,omitempty"` // subset of color, ct, effect
	ColorTempRange     *TempRange `json:"color_temp_range,omitempty"`
	Effects            []string   `json:"effects,omitempty"`
	Mode               string     `json:"mode"`
	ChannelOrder       []string   `json:"channel_order"`
	Gamma              float64    `json:"gamma"`
	Dimmer             float64    `json:"dimmer"`

	// Transport hints consumed by delivery.
	Transport string `json:"transport,omitempty"` // udp or tcp
	Port      int    `json:"port,omitempty"`

	// Extra holds vendor fields that survived normalisation unmodelled.
	Extra map[string]any `json:"extra,omitempty"`
}

// Device is a persistent registry row.
type Device struct {
	ID           string
	Protocol     string
	IP           string
	Name         string
	Description  string
	Model        string
	DeviceType   string
	Capabilities Capabilities

	Manual     bool
	Discovered bool
	Configured bool
	Enabled    bool
	Stale      bool
	Offline    bool

	FailureCount    int
	LastPayloadHash string
	LastPayloadAt   *time.Time
	LastFailureAt   *time.Time

	PollFailureCount   int
	PollLastSuccessAt  *time.Time
	PollLastFailureAt  *time.Time
	PollState          *PollState
	PollStateUpdatedAt *time.Time

	FirstSeen *time.Time
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PollState is the last observed device state snapshot.
type PollState struct {
	Power      *bool          `json:"power,omitempty"`
	Brightness *int           `json:"brightness,omitempty"`
	Color      map[string]int `json:"color,omitempty"`
}

// Mapping binds a channel slice in a universe to a device field
// interpretation.
type Mapping struct {
	ID       int64
	DeviceID string
	Universe int
	Channel  int
	Length   int
	Type     MappingType

	// Field is set for discrete mappings.
	Field string

	// Fields is the derived field order the mapper reads: the device's
	// channel order for range mappings, [Field] for discrete.
	Fields []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingState is one row of the per-device command FIFO.
type PendingState struct {
	ID        int64
	DeviceID  string
	Payload   []byte
	ContextID string
	CreatedAt time.Time
}

// DeadLetter is an immutable quarantine record.
type DeadLetter struct {
	ID             int64
	StateID        int64
	DeviceID       string
	Payload        []byte
	PayloadHash    string
	ContextID      string
	Reason         string
	Details        string
	StateCreatedAt *time.Time
	CreatedAt      time.Time
}

// DeviceInfo is the delivery-facing snapshot of a device. DeviceInfo is
// only returned for enabled, non-stale devices.
type DeviceInfo struct {
	ID              string
	IP              string
	Protocol        string
	Transport       string
	Port            int
	FailureCount    int
	LastPayloadHash string
	Offline         bool
}

// DiscoveryResult is a parsed record from the discovery scanner.
type DiscoveryResult struct {
	ID           string
	IP           string
	Model        string
	Name         string
	DeviceType   string
	Capabilities map[string]any
}

// ManualDecl is a manually declared device from configuration.
type ManualDecl struct {
	ID           string
	IP           string
	Protocol     string
	Model        string
	Name         string
	Description  string
	Capabilities map[string]any
}

// DevicePatch is a partial device update. Nil fields are left untouched
// (COALESCE semantics).
type DevicePatch struct {
	IP           *string
	Name         *string
	Model        *string
	DeviceType   *string
	Enabled      *bool
	Capabilities map[string]any
}

// MappingParams are the inputs to CreateMapping.
type MappingParams struct {
	DeviceID     string
	Universe     int
	Channel      int
	Length       int
	Type         MappingType
	Field        string
	AllowOverlap bool
}

// MappingPatch is a partial mapping update. Nil fields are left untouched.
type MappingPatch struct {
	Universe     *int
	Channel      *int
	Length       *int
	Field        *string
	AllowOverlap bool
}

// StateUpdate is the mapper's enqueue request: one abstract state change
// for one device. EnqueueState wraps it into wire commands via the
// device's protocol handler, one queue row per command.
type StateUpdate struct {
	DeviceID  string
	State     *protocol.State
	ContextID string
}

// Template names for CreateTemplateMappings.
const (
	TemplateRGB      = "RGB"
	TemplateRGBCT    = "RGBCT"
	TemplateDIMRGB   = "DIMRGB"
	TemplateDIMRGBCT = "DIMRGBCT"
	TemplateDIMCT    = "DIMCT"
)
