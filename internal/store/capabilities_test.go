package store

import (
	"reflect"
	"testing"
)

func TestNormalizeCapabilities(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		check func(t *testing.T, caps Capabilities)
	}{
		{
			name: "empty input yields defaults",
			raw:  nil,
			check: func(t *testing.T, caps Capabilities) {
				if caps.Gamma != 1.0 || caps.Dimmer != 1.0 {
					t.Errorf("gamma %v dimmer %v, want 1.0 1.0", caps.Gamma, caps.Dimmer)
				}
				if caps.Mode != ModeRGB {
					t.Errorf("mode = %s, want rgb", caps.Mode)
				}
				if want := []string{"r", "g", "b"}; !reflect.DeepEqual(caps.ChannelOrder, want) {
					t.Errorf("channel order = %v, want %v", caps.ChannelOrder, want)
				}
			},
		},
		{
			name: "string booleans",
			raw: map[string]any{
				"supports_brightness": "true",
				"supports_color":      "yes",
				"supports_white":      "0",
			},
			check: func(t *testing.T, caps Capabilities) {
				if !caps.SupportsBrightness || !caps.SupportsColor {
					t.Error("expected string truthy values coerced to true")
				}
				if caps.SupportsWhite {
					t.Error(`expected "0" coerced to false`)
				}
			},
		},
		{
			name: "rgbw mode implies colour and white",
			raw:  map[string]any{"mode": "RGBW"},
			check: func(t *testing.T, caps Capabilities) {
				if caps.Mode != ModeRGBW {
					t.Errorf("mode = %s, want rgbw", caps.Mode)
				}
				if !caps.SupportsColor || !caps.SupportsWhite {
					t.Error("rgbw mode should imply colour and white support")
				}
				if want := []string{"r", "g", "b", "w"}; !reflect.DeepEqual(caps.ChannelOrder, want) {
					t.Errorf("channel order = %v, want %v", caps.ChannelOrder, want)
				}
			},
		},
		{
			name: "ct support without range gets default range",
			raw:  map[string]any{"supports_color_temperature": true},
			check: func(t *testing.T, caps Capabilities) {
				r := caps.CTRange()
				if r.Low != 2000 || r.High != 9000 {
					t.Errorf("ct range = %+v, want 2000..9000", r)
				}
			},
		},
		{
			name: "ct range as array",
			raw: map[string]any{
				"supports_color_temperature": true,
				"color_temp_range":           []any{2700.0, 6500.0},
			},
			check: func(t *testing.T, caps Capabilities) {
				r := caps.CTRange()
				if r.Low != 2700 || r.High != 6500 {
					t.Errorf("ct range = %+v, want 2700..6500", r)
				}
			},
		},
		{
			name: "ct range as min max object",
			raw: map[string]any{
				"ct_range": map[string]any{"min": 2200, "max": 7000},
			},
			check: func(t *testing.T, caps Capabilities) {
				if caps.ColorTempRange == nil {
					t.Fatal("expected parsed ct range")
				}
				if caps.ColorTempRange.Low != 2200 || caps.ColorTempRange.High != 7000 {
					t.Errorf("ct range = %+v, want 2200..7000", *caps.ColorTempRange)
				}
			},
		},
		{
			name: "inverted ct range rejected",
			raw:  map[string]any{"color_temp_range": []any{6500.0, 2700.0}},
			check: func(t *testing.T, caps Capabilities) {
				if caps.ColorTempRange != nil {
					t.Errorf("expected inverted range dropped, got %+v", *caps.ColorTempRange)
				}
			},
		},
		{
			name: "gamma below minimum resets to default",
			raw:  map[string]any{"gamma": 0.01},
			check: func(t *testing.T, caps Capabilities) {
				if caps.Gamma != 1.0 {
					t.Errorf("gamma = %v, want reset to 1.0", caps.Gamma)
				}
			},
		},
		{
			name: "dimmer out of range resets to default",
			raw:  map[string]any{"dimmer": 1.5},
			check: func(t *testing.T, caps Capabilities) {
				if caps.Dimmer != 1.0 {
					t.Errorf("dimmer = %v, want reset to 1.0", caps.Dimmer)
				}
			},
		},
		{
			name: "comma separated channel order",
			raw:  map[string]any{"channel_order": "G, R, B"},
			check: func(t *testing.T, caps Capabilities) {
				if want := []string{"g", "r", "b"}; !reflect.DeepEqual(caps.ChannelOrder, want) {
					t.Errorf("channel order = %v, want %v", caps.ChannelOrder, want)
				}
			},
		},
		{
			name: "unknown keys preserved in extra",
			raw:  map[string]any{"firmware": "1.02.11"},
			check: func(t *testing.T, caps Capabilities) {
				if caps.Extra["firmware"] != "1.02.11" {
					t.Errorf("extra = %v, want firmware preserved", caps.Extra)
				}
			},
		},
		{
			name: "transport and port hints",
			raw:  map[string]any{"transport": "TCP", "port": 4003.0},
			check: func(t *testing.T, caps Capabilities) {
				if caps.Transport != "tcp" {
					t.Errorf("transport = %s, want tcp", caps.Transport)
				}
				if caps.Port != 4003 {
					t.Errorf("port = %d, want 4003", caps.Port)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, NormalizeCapabilities(tt.raw))
		})
	}
}

func TestSupportsField(t *testing.T) {
	caps := NormalizeCapabilities(map[string]any{
		"supports_color":      true,
		"supports_brightness": true,
	})

	tests := []struct {
		field string
		want  bool
	}{
		{FieldR, true},
		{FieldG, true},
		{FieldB, true},
		{FieldDimmer, true},
		{FieldW, false},
		{FieldCT, false},
		{FieldPower, true}, // power is always controllable
		{"bogus", false},
	}
	for _, tt := range tests {
		if got := caps.SupportsField(tt.field); got != tt.want {
			t.Errorf("SupportsField(%s) = %v, want %v", tt.field, got, tt.want)
		}
	}
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	caps := NormalizeCapabilities(map[string]any{
		"mode":             "rgbw",
		"gamma":            2.2,
		"color_temp_range": []any{2700.0, 6500.0},
		"effects":          []any{"sunrise", "candle"},
	})

	encoded, err := marshalCapabilities(caps)
	if err != nil {
		t.Fatalf("marshalCapabilities() error = %v", err)
	}
	decoded, err := unmarshalCapabilities(encoded)
	if err != nil {
		t.Fatalf("unmarshalCapabilities() error = %v", err)
	}
	if !reflect.DeepEqual(caps, decoded) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, caps)
	}
}
