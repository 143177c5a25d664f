package mapper

import (
	"math"

	"github.com/lightwire/lightwire-core/internal/protocol"
	"github.com/lightwire/lightwire-core/internal/store"
)

const universeSize = 512

// powerThreshold is the raw value at and above which a power channel
// means "on".
const powerThreshold = 128

// transformLevel applies the device's gamma curve and master dimmer to a
// raw 0..255 channel value:
//
//	clamp(round(255 * (raw/255)^gamma * dimmer), 0, 255)
func transformLevel(raw uint8, gamma, dimmer float64) int {
	v := 255 * math.Pow(float64(raw)/255, gamma) * dimmer
	level := int(math.Round(v))
	if level < 0 {
		return 0
	}
	if level > 255 {
		return 255
	}
	return level
}

// scaleColorTemp maps a raw 0..255 value onto the device's kelvin range.
// Raw zero means "no colour temperature" and yields 0.
func scaleColorTemp(raw uint8, low, high int) int {
	if raw == 0 {
		return 0
	}
	return low + int(math.Round(float64(raw)/255*float64(high-low)))
}

// applyField folds one transformed channel value into the state fragment.
func applyField(state *protocol.State, field string, raw uint8, r route) {
	switch field {
	case store.FieldR, store.FieldG, store.FieldB, store.FieldW:
		if state.Color == nil {
			state.Color = make(map[string]int, 4)
		}
		state.Color[field] = transformLevel(raw, r.gamma, r.dimmer)

	case store.FieldDimmer:
		// Zero brightness is a power-off, not a dim-to-black: fixtures
		// commonly clamp brightness 0 to a faint glow.
		if raw == 0 {
			state.Turn = "off"
			return
		}
		level := transformLevel(raw, r.gamma, r.dimmer)
		if level < 1 {
			level = 1
		}
		// A driven dimmer implies power: without the explicit turn-on an
		// off fixture would buffer the brightness and stay dark.
		state.Turn = "on"
		state.Brightness = &level

	case store.FieldCT:
		if k := scaleColorTemp(raw, r.ctLow, r.ctHigh); k != 0 {
			state.ColorTempK = k
		}

	case store.FieldPower:
		if raw >= powerThreshold {
			state.Turn = "on"
		} else {
			state.Turn = "off"
		}
	}
}

// translate produces the state fragment for one route from universe data.
func translate(r route, data *[universeSize]byte) *protocol.State {
	state := &protocol.State{}
	for i, field := range r.fields {
		idx := r.channel - 1 + i
		if idx >= universeSize {
			break
		}
		applyField(state, field, data[idx], r)
	}
	return state
}
