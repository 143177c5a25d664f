// Package govee implements the Govee LAN control dialect.
//
// Govee fixtures accept JSON commands over UDP port 4003 of the shape
// {"msg":{"cmd":<name>,"data":{...}}}. One abstract state update may
// expand into several commands (power, colour, brightness) which must be
// delivered in order.
package govee

import (
	"encoding/json"
	"fmt"

	"github.com/lightwire/lightwire-core/internal/protocol"
)

// Wire constants for the Govee LAN protocol.
const (
	// ProtocolTag is the dialect tag stored in the device registry.
	ProtocolTag = "govee"

	// ControlPort is the UDP port fixtures listen on for commands.
	ControlPort = 4003

	// cmdTurn switches power, data {"value":0|1}.
	cmdTurn = "turn"

	// cmdBrightness sets brightness, data {"value":0..255}.
	cmdBrightness = "brightness"

	// cmdColorWC sets colour and/or white temperature, data
	// {"color":{"r","g","b"[,"w"]},"colorTemInKelvin":K}.
	cmdColorWC = "colorwc"
)

// command is the wire envelope.
type command struct {
	Msg message `json:"msg"`
}

type message struct {
	Cmd  string         `json:"cmd"`
	Data map[string]any `json:"data"`
}

// Handler implements protocol.Handler for the Govee LAN dialect.
type Handler struct{}

// New returns the Govee handler.
func New() *Handler {
	return &Handler{}
}

// Protocol returns the dialect tag.
func (h *Handler) Protocol() string { return ProtocolTag }

// DefaultPort returns the LAN control port.
func (h *Handler) DefaultPort() int { return ControlPort }

// DefaultTransport returns "udp"; Govee fixtures only speak UDP.
func (h *Handler) DefaultTransport() string { return "udp" }

// Wrap converts an abstract state update into ordered Govee commands:
//
//   - turn "off" alone: single turn{value:0}
//   - turn "on" with colour/brightness/ct: turn{value:1}, then colorwc,
//     then brightness if present
//   - brightness alone: single brightness{value}
//   - colour and/or ct without turn: colorwc, then brightness if present
//
// Each command becomes its own queue row so retries are per-command and
// ordering is preserved by the per-device FIFO.
func (h *Handler) Wrap(state *protocol.State) ([][]byte, error) {
	if state == nil || state.IsEmpty() {
		return nil, protocol.ErrEmptyState
	}

	var cmds []command

	switch {
	case state.Turn == "off":
		// Power off overrides everything else in the same update.
		cmds = append(cmds, turnCommand(0))

	case state.Turn == "on":
		cmds = append(cmds, turnCommand(1))
		if c, ok := colorWCCommand(state); ok {
			cmds = append(cmds, c)
		}
		if state.Brightness != nil {
			cmds = append(cmds, brightnessCommand(*state.Brightness))
		}

	default:
		if c, ok := colorWCCommand(state); ok {
			cmds = append(cmds, c)
		}
		if state.Brightness != nil {
			cmds = append(cmds, brightnessCommand(*state.Brightness))
		}
	}

	if len(cmds) == 0 {
		return nil, protocol.ErrEmptyState
	}

	out := make([][]byte, 0, len(cmds))
	for _, c := range cmds {
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("govee: marshal %s command: %w", c.Msg.Cmd, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func turnCommand(value int) command {
	return command{Msg: message{
		Cmd:  cmdTurn,
		Data: map[string]any{"value": value},
	}}
}

func brightnessCommand(value int) command {
	return command{Msg: message{
		Cmd:  cmdBrightness,
		Data: map[string]any{"value": value},
	}}
}

// colorWCCommand builds the combined colour/white command. Returns false
// when the state carries neither colour nor colour temperature.
func colorWCCommand(state *protocol.State) (command, bool) {
	if len(state.Color) == 0 && state.ColorTempK == 0 {
		return command{}, false
	}

	data := make(map[string]any, 2)
	if len(state.Color) > 0 {
		color := map[string]int{
			"r": state.Color["r"],
			"g": state.Color["g"],
			"b": state.Color["b"],
		}
		// RGBW fixtures carry a fourth channel; plain RGB states omit it.
		if w, ok := state.Color["w"]; ok {
			color["w"] = w
		}
		data["color"] = color
	}
	if state.ColorTempK != 0 {
		data["colorTemInKelvin"] = state.ColorTempK
	}

	return command{Msg: message{Cmd: cmdColorWC, Data: data}}, true
}
