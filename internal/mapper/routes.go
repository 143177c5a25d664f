package mapper

import (
	"context"
	"fmt"
	"sort"

	"github.com/lightwire/lightwire-core/internal/store"
)

// route is one precompiled mapping: everything needed to translate a
// channel slice into a state fragment without touching the database.
type route struct {
	deviceID string
	channel  int // 1-based DMX address
	length   int
	mtype    store.MappingType
	fields   []string

	gamma  float64
	dimmer float64
	ctLow  int
	ctHigh int
}

// routingTable is an immutable snapshot of the active routes, swapped
// atomically on rebuild.
type routingTable struct {
	routes    map[uint16][]route
	universes []uint16
}

// buildTable compiles the current mappings and devices into a routing
// table. Mappings referencing disabled, stale, or missing devices are
// skipped; structurally invalid rows (bad slice, discrete without field)
// are skipped with a warning rather than failing the rebuild, so one bad
// row cannot take the whole pipeline down.
func (m *Mapper) buildTable(ctx context.Context) (*routingTable, error) {
	devices, err := m.registry.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("mapper: loading devices: %w", err)
	}
	mappings, err := m.registry.Mappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("mapper: loading mappings: %w", err)
	}

	byID := make(map[string]*store.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	table := &routingTable{routes: make(map[uint16][]route)}

	for _, mp := range mappings {
		device, ok := byID[mp.DeviceID]
		if !ok {
			continue
		}
		if !device.Enabled || device.Stale {
			continue
		}
		if mp.Universe < 1 || mp.Universe > 63999 {
			m.logger.Warn("skipping mapping with invalid universe",
				"mapping_id", mp.ID, "universe", mp.Universe)
			continue
		}
		if mp.Channel < 1 || mp.Length < 1 || mp.Channel+mp.Length-1 > universeSize {
			m.logger.Warn("skipping mapping with invalid slice",
				"mapping_id", mp.ID, "channel", mp.Channel, "length", mp.Length)
			continue
		}
		if mp.Type == store.MappingDiscrete && len(mp.Fields) == 0 {
			m.logger.Warn("skipping discrete mapping without field",
				"mapping_id", mp.ID)
			continue
		}
		if mp.Type == store.MappingRange && mp.Length < len(mp.Fields) {
			m.logger.Warn("skipping range mapping shorter than its field order",
				"mapping_id", mp.ID, "length", mp.Length, "fields", len(mp.Fields))
			continue
		}

		ctRange := device.Capabilities.CTRange()
		universe := uint16(mp.Universe)
		table.routes[universe] = append(table.routes[universe], route{
			deviceID: mp.DeviceID,
			channel:  mp.Channel,
			length:   mp.Length,
			mtype:    mp.Type,
			fields:   mp.Fields,
			gamma:    device.Capabilities.Gamma,
			dimmer:   device.Capabilities.Dimmer,
			ctLow:    ctRange.Low,
			ctHigh:   ctRange.High,
		})
	}

	table.universes = make([]uint16, 0, len(table.routes))
	for u := range table.routes {
		table.universes = append(table.universes, u)
	}
	sort.Slice(table.universes, func(i, j int) bool {
		return table.universes[i] < table.universes[j]
	})

	return table, nil
}
