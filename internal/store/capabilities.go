package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Capability normalisation defaults.
const (
	defaultGamma  = 1.0
	defaultDimmer = 1.0
	minGamma      = 0.1
)

// defaultCTRange is used when a device supports colour temperature but its
// catalog entry carries no explicit range.
var defaultCTRange = TempRange{Low: 2000, High: 9000}

// NormalizeCapabilities coerces a raw capability map (catalog entries,
// discovery payloads, manual config) into the canonical Capabilities
// record. Inputs are heterogeneous: booleans arrive as bools, "true"/"1"
// strings or numbers; ranges arrive as [low, high] arrays or
// {low/high, min/max} objects. Unknown keys are preserved under Extra.
//
// Invariants enforced:
//   - gamma >= 0.1, default 1.0
//   - dimmer in [0,1], default 1.0
//   - supports_color_temperature implies a ct colour mode or a temp range
//   - channel_order defaults from mode when absent
func NormalizeCapabilities(raw map[string]any) Capabilities {
	caps := Capabilities{
		Gamma:  defaultGamma,
		Dimmer: defaultDimmer,
		Mode:   ModeRGB,
	}

	extra := make(map[string]any)

	for key, value := range raw {
		switch strings.ToLower(key) {
		case "supports_brightness", "brightness":
			caps.SupportsBrightness = coerceBool(value)
		case "supports_color", "color":
			caps.SupportsColor = coerceBool(value)
		case "supports_color_temperature", "supports_ct", "color_temperature":
			caps.SupportsColorTemp = coerceBool(value)
		case "supports_white", "white":
			caps.SupportsWhite = coerceBool(value)
		case "color_modes":
			caps.ColorModes = coerceStringSlice(value)
		case "color_temp_range", "ct_range":
			caps.ColorTempRange = coerceTempRange(value)
		case "effects":
			caps.Effects = coerceStringSlice(value)
		case "mode":
			if s, ok := coerceString(value); ok {
				caps.Mode = strings.ToLower(s)
			}
		case "channel_order", "order":
			caps.ChannelOrder = coerceStringSlice(value)
		case "gamma":
			if f, ok := coerceFloat(value); ok {
				caps.Gamma = f
			}
		case "dimmer", "master_dimmer":
			if f, ok := coerceFloat(value); ok {
				caps.Dimmer = f
			}
		case "transport":
			if s, ok := coerceString(value); ok {
				caps.Transport = strings.ToLower(s)
			}
		case "port", "control_port", "device_port":
			if f, ok := coerceFloat(value); ok && caps.Port == 0 {
				caps.Port = int(f)
			}
		default:
			extra[key] = value
		}
	}

	if len(extra) > 0 {
		caps.Extra = extra
	}

	applyCapabilityInvariants(&caps)
	return caps
}

// applyCapabilityInvariants clamps numeric fields and fills derived
// defaults so every stored record is internally consistent.
func applyCapabilityInvariants(caps *Capabilities) {
	if caps.Gamma < minGamma {
		caps.Gamma = defaultGamma
	}
	if caps.Dimmer < 0 || caps.Dimmer > 1 {
		caps.Dimmer = defaultDimmer
	}

	switch caps.Mode {
	case ModeRGB, ModeRGBW, ModeBrightness, ModeCustom, ModeDiscrete:
	default:
		caps.Mode = ModeRGB
	}

	if len(caps.ChannelOrder) == 0 {
		switch caps.Mode {
		case ModeRGBW:
			caps.ChannelOrder = []string{FieldR, FieldG, FieldB, FieldW}
		case ModeBrightness:
			caps.ChannelOrder = []string{FieldDimmer}
		case ModeRGB:
			caps.ChannelOrder = []string{FieldR, FieldG, FieldB}
		}
	}

	if caps.Mode == ModeRGB || caps.Mode == ModeRGBW {
		caps.SupportsColor = true
	}
	if caps.Mode == ModeRGBW {
		caps.SupportsWhite = true
	}
	if caps.Mode == ModeBrightness {
		caps.SupportsBrightness = true
	}

	// supports_color_temperature requires a ct mode or an explicit range.
	if caps.SupportsColorTemp {
		hasCTMode := false
		for _, m := range caps.ColorModes {
			if m == "ct" {
				hasCTMode = true
				break
			}
		}
		if !hasCTMode && caps.ColorTempRange == nil {
			r := defaultCTRange
			caps.ColorTempRange = &r
		}
	}
}

// SupportsField reports whether the device can act on a mapped field.
func (c *Capabilities) SupportsField(field string) bool {
	switch field {
	case FieldR, FieldG, FieldB:
		return c.SupportsColor
	case FieldW:
		return c.SupportsWhite
	case FieldDimmer:
		return c.SupportsBrightness
	case FieldCT:
		return c.SupportsColorTemp
	case FieldPower:
		return true
	default:
		return false
	}
}

// CTRange returns the effective colour temperature range.
func (c *Capabilities) CTRange() TempRange {
	if c.ColorTempRange != nil {
		return *c.ColorTempRange
	}
	return defaultCTRange
}

// marshalCapabilities serialises for the devices.capabilities column.
func marshalCapabilities(caps Capabilities) (string, error) {
	b, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("store: marshal capabilities: %w", err)
	}
	return string(b), nil
}

// unmarshalCapabilities parses the devices.capabilities column. An empty
// column yields defaults.
func unmarshalCapabilities(raw string) (Capabilities, error) {
	if raw == "" {
		caps := Capabilities{Gamma: defaultGamma, Dimmer: defaultDimmer, Mode: ModeRGB}
		applyCapabilityInvariants(&caps)
		return caps, nil
	}
	var caps Capabilities
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return Capabilities{}, fmt.Errorf("store: parse capabilities: %w", err)
	}
	applyCapabilityInvariants(&caps)
	return caps, nil
}

// Coercion helpers. Catalog and discovery inputs are not trustworthy about
// types; be liberal in what we accept, strict in what we store.

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func coerceString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func coerceStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, strings.ToLower(s))
			}
		}
		return out
	case string:
		// Comma-separated shorthand from config files.
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.ToLower(strings.TrimSpace(p)); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	default:
		return nil
	}
}

// coerceTempRange accepts [low, high] arrays and {low,high}/{min,max}
// objects.
func coerceTempRange(v any) *TempRange {
	switch t := v.(type) {
	case []any:
		if len(t) != 2 {
			return nil
		}
		low, okL := coerceFloat(t[0])
		high, okH := coerceFloat(t[1])
		if !okL || !okH || low >= high {
			return nil
		}
		return &TempRange{Low: int(low), High: int(high)}
	case map[string]any:
		low, okL := coerceFloat(firstOf(t, "low", "min"))
		high, okH := coerceFloat(firstOf(t, "high", "max"))
		if !okL || !okH || low >= high {
			return nil
		}
		return &TempRange{Low: int(low), High: int(high)}
	default:
		return nil
	}
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}
