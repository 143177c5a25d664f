package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lightwire/lightwire-core/internal/bus"
	"github.com/lightwire/lightwire-core/internal/dmx"
)

// mappingColumns is the SELECT column list matching scanMapping.
const mappingColumns = `id, device_id, universe, channel, length,
	mapping_type, field, fields, created_at, updated_at`

func scanMapping(row rowScanner) (*Mapping, error) {
	var (
		m          Mapping
		field      sql.NullString
		fieldsJSON sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(&m.ID, &m.DeviceID, &m.Universe, &m.Channel, &m.Length,
		&m.Type, &field, &fieldsJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning mapping row: %w", err)
	}

	m.Field = field.String
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &m.Fields); err != nil {
			return nil, fmt.Errorf("store: parse mapping fields: %w", err)
		}
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// Mapping returns a single mapping by id.
func (s *Store) Mapping(ctx context.Context, id int64) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM mappings WHERE id = ?", id)
	return scanMapping(row)
}

// Mappings returns every mapping ordered by universe, then creation
// order within it. The mapper rebuilds its routing cache from this, and
// creation order decides the winner when overlapping mappings write the
// same state field.
func (s *Store) Mappings(ctx context.Context) ([]*Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+mappingColumns+" FROM mappings ORDER BY universe, id")
	if err != nil {
		return nil, fmt.Errorf("store: querying mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating mappings: %w", err)
	}
	return mappings, nil
}

// DeviceMappings returns all mappings bound to one device.
func (s *Store) DeviceMappings(ctx context.Context, deviceID string) ([]*Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+mappingColumns+" FROM mappings WHERE device_id = ? ORDER BY universe, channel",
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: querying device mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating device mappings: %w", err)
	}
	return mappings, nil
}

// CreateMapping validates and inserts a mapping, marks the device
// configured, and emits mapping_created.
//
// Validation rules:
//   - device must exist; discrete mappings need a non-empty supported field
//   - channel >= 1, length >= 1, channel+length-1 <= 512
//   - range mappings span the device's channel order
//   - overlapping slices within a universe are rejected unless AllowOverlap
//   - a second mapping of the same field for one device in one universe is
//     rejected unless AllowOverlap
func (s *Store) CreateMapping(ctx context.Context, params MappingParams) (*Mapping, error) {
	device, err := s.Device(ctx, params.DeviceID)
	if err != nil {
		return nil, err
	}

	fields, err := deriveFields(device, params)
	if err != nil {
		return nil, err
	}
	if params.Type == MappingRange && params.Length != len(fields) {
		// Normalise range length to the device's channel order.
		params.Length = len(fields)
	}

	if err := validateSlice(params.Channel, params.Length); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if !params.AllowOverlap {
		if err := s.checkConflicts(ctx, tx, params, fields, 0); err != nil {
			return nil, err
		}
	}

	m, err := s.insertMapping(ctx, tx, params, fields)
	if err != nil {
		return nil, err
	}

	if err := markConfigured(ctx, tx, params.DeviceID, true); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: committing mapping: %w", err)
	}

	s.publish(bus.Event{Type: bus.EventMappingCreated, DeviceID: params.DeviceID, MappingID: m.ID})
	return m, nil
}

// CreateTemplateMappings expands a named layout into its constituent
// mappings atomically: either every mapping is created or none are.
//
// Layouts (base channel c):
//
//	RGB       range rgb at c
//	RGBCT     range rgb at c, discrete ct at c+3
//	DIMRGB    discrete dimmer at c, range rgb at c+1
//	DIMRGBCT  discrete dimmer at c, range rgb at c+1, discrete ct at c+4
//	DIMCT     discrete dimmer at c, discrete ct at c+1
func (s *Store) CreateTemplateMappings(ctx context.Context, deviceID, template string, universe, channel int, allowOverlap bool) ([]*Mapping, error) {
	device, err := s.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	plan, err := templatePlan(template, channel)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var created []*Mapping
	for _, step := range plan {
		params := MappingParams{
			DeviceID:     deviceID,
			Universe:     universe,
			Channel:      step.channel,
			Length:       step.length,
			Type:         step.mappingType,
			Field:        step.field,
			AllowOverlap: allowOverlap,
		}

		fields, err := deriveFields(device, params)
		if err != nil {
			return nil, err
		}
		if params.Type == MappingRange {
			params.Length = len(fields)
		}
		if err := validateSlice(params.Channel, params.Length); err != nil {
			return nil, err
		}
		if !allowOverlap {
			if err := s.checkConflicts(ctx, tx, params, fields, 0); err != nil {
				return nil, err
			}
		}

		m, err := s.insertMapping(ctx, tx, params, fields)
		if err != nil {
			return nil, err
		}
		created = append(created, m)
	}

	if err := markConfigured(ctx, tx, deviceID, true); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: committing template mappings: %w", err)
	}

	for _, m := range created {
		s.publish(bus.Event{Type: bus.EventMappingCreated, DeviceID: deviceID, MappingID: m.ID})
	}
	return created, nil
}

// UpdateMapping applies a partial update to an existing mapping,
// re-running the full validation against the resulting shape.
func (s *Store) UpdateMapping(ctx context.Context, id int64, patch MappingPatch) (*Mapping, error) {
	existing, err := s.Mapping(ctx, id)
	if err != nil {
		return nil, err
	}
	device, err := s.Device(ctx, existing.DeviceID)
	if err != nil {
		return nil, err
	}

	params := MappingParams{
		DeviceID:     existing.DeviceID,
		Universe:     existing.Universe,
		Channel:      existing.Channel,
		Length:       existing.Length,
		Type:         existing.Type,
		Field:        existing.Field,
		AllowOverlap: patch.AllowOverlap,
	}
	if patch.Universe != nil {
		params.Universe = *patch.Universe
	}
	if patch.Channel != nil {
		params.Channel = *patch.Channel
	}
	if patch.Length != nil {
		params.Length = *patch.Length
	}
	if patch.Field != nil {
		params.Field = *patch.Field
	}

	fields, err := deriveFields(device, params)
	if err != nil {
		return nil, err
	}
	if params.Type == MappingRange {
		params.Length = len(fields)
	}
	if err := validateSlice(params.Channel, params.Length); err != nil {
		return nil, err
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: marshal mapping fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if !params.AllowOverlap {
		if err := s.checkConflicts(ctx, tx, params, fields, id); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mappings SET universe = ?, channel = ?, length = ?,
			field = ?, fields = ?, updated_at = ?
		WHERE id = ?`,
		params.Universe, params.Channel, params.Length,
		nullableString(params.Field), string(fieldsJSON), timeNow(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: updating mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: committing mapping update: %w", err)
	}

	s.publish(bus.Event{Type: bus.EventMappingUpdated, DeviceID: existing.DeviceID, MappingID: id})
	return s.Mapping(ctx, id)
}

// DeleteMapping removes a mapping and clears the device's configured flag
// when it was the last one.
func (s *Store) DeleteMapping(ctx context.Context, id int64) error {
	existing, err := s.Mapping(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM mappings WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: deleting mapping: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mappings WHERE device_id = ?", existing.DeviceID,
	).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("store: counting remaining mappings: %w", err)
	}
	if remaining == 0 {
		if err := markConfigured(ctx, tx, existing.DeviceID, false); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing mapping delete: %w", err)
	}

	s.publish(bus.Event{Type: bus.EventMappingDeleted, DeviceID: existing.DeviceID, MappingID: id})
	return nil
}

// deriveFields resolves the field list a mapping reads and validates the
// field against the device's capabilities.
func deriveFields(device *Device, params MappingParams) ([]string, error) {
	switch params.Type {
	case MappingRange:
		order := device.Capabilities.ChannelOrder
		if len(order) == 0 {
			return nil, validationErr("channel_order",
				"device %s has no channel order for a range mapping", device.ID)
		}
		for _, f := range order {
			if !device.Capabilities.SupportsField(f) {
				return nil, validationErr("field",
					"device %s does not support field %q", device.ID, f)
			}
		}
		return append([]string(nil), order...), nil

	case MappingDiscrete:
		field := strings.ToLower(params.Field)
		if field == "" {
			return nil, validationErr("field", "discrete mapping requires a field")
		}
		if params.Length != 0 && params.Length != 1 {
			return nil, validationErr("length", "discrete mapping length must be 1")
		}
		if !device.Capabilities.SupportsField(field) {
			return nil, validationErr("field",
				"device %s does not support field %q", device.ID, field)
		}
		return []string{field}, nil

	default:
		return nil, validationErr("mapping_type", "unknown mapping type %q", params.Type)
	}
}

// validateSlice checks the channel window against universe bounds.
func validateSlice(channel, length int) error {
	if channel < 1 {
		return validationErr("channel", "channel must be >= 1, got %d", channel)
	}
	if length < 1 {
		return validationErr("length", "length must be >= 1, got %d", length)
	}
	if channel+length-1 > dmx.UniverseSize {
		return validationErr("channel",
			"slice [%d..%d] exceeds universe size %d",
			channel, channel+length-1, dmx.UniverseSize)
	}
	return nil
}

// checkConflicts rejects channel overlaps within the universe and duplicate
// fields for the same device in the same universe. excludeID skips the
// mapping being updated.
func (s *Store) checkConflicts(ctx context.Context, tx *sql.Tx, params MappingParams, fields []string, excludeID int64) error {
	start := params.Channel
	end := params.Channel + params.Length - 1

	rows, err := tx.QueryContext(ctx, `
		SELECT id, device_id, channel, length, fields
		FROM mappings WHERE universe = ? AND id != ?`,
		params.Universe, excludeID,
	)
	if err != nil {
		return fmt.Errorf("store: querying mapping conflicts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id               int64
			deviceID         string
			channel, length  int
			otherFieldsJSON  sql.NullString
		)
		if err := rows.Scan(&id, &deviceID, &channel, &length, &otherFieldsJSON); err != nil {
			return fmt.Errorf("store: scanning conflict row: %w", err)
		}

		otherStart := channel
		otherEnd := channel + length - 1
		if start <= otherEnd && otherStart <= end {
			return validationErr("channel",
				"slice [%d..%d] overlaps mapping %d [%d..%d] in universe %d",
				start, end, id, otherStart, otherEnd, params.Universe)
		}

		if deviceID != params.DeviceID {
			continue
		}
		var otherFields []string
		if otherFieldsJSON.Valid && otherFieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(otherFieldsJSON.String), &otherFields); err != nil {
				return fmt.Errorf("store: parse conflict fields: %w", err)
			}
		}
		for _, f := range fields {
			for _, other := range otherFields {
				if f == other {
					return validationErr("field",
						"device %s already maps field %q in universe %d (mapping %d)",
						params.DeviceID, f, params.Universe, id)
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterating conflict rows: %w", err)
	}
	return nil
}

// insertMapping writes the row and returns the stored mapping.
func (s *Store) insertMapping(ctx context.Context, tx *sql.Tx, params MappingParams, fields []string) (*Mapping, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: marshal mapping fields: %w", err)
	}
	now := timeNow()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO mappings (device_id, universe, channel, length,
			mapping_type, field, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.DeviceID, params.Universe, params.Channel, params.Length,
		string(params.Type), nullableString(strings.ToLower(params.Field)),
		string(fieldsJSON), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store: inserting mapping: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: reading mapping id: %w", err)
	}

	return &Mapping{
		ID:        id,
		DeviceID:  params.DeviceID,
		Universe:  params.Universe,
		Channel:   params.Channel,
		Length:    params.Length,
		Type:      params.Type,
		Field:     strings.ToLower(params.Field),
		Fields:    fields,
		CreatedAt: parseTime(now),
		UpdatedAt: parseTime(now),
	}, nil
}

// markConfigured flips the device's configured flag inside a transaction.
func markConfigured(ctx context.Context, tx *sql.Tx, deviceID string, configured bool) error {
	v := 0
	if configured {
		v = 1
	}
	_, err := tx.ExecContext(ctx,
		"UPDATE devices SET configured = ?, updated_at = ? WHERE id = ?",
		v, timeNow(), deviceID)
	if err != nil {
		return fmt.Errorf("store: marking device configured: %w", err)
	}
	return nil
}

// templateStep is one mapping in a template plan.
type templateStep struct {
	mappingType MappingType
	field       string
	channel     int
	length      int
}

// templatePlan expands a template name into ordered mapping steps.
func templatePlan(template string, channel int) ([]templateStep, error) {
	switch strings.ToUpper(template) {
	case TemplateRGB:
		return []templateStep{
			{MappingRange, "", channel, 3},
		}, nil
	case TemplateRGBCT:
		return []templateStep{
			{MappingRange, "", channel, 3},
			{MappingDiscrete, FieldCT, channel + 3, 1},
		}, nil
	case TemplateDIMRGB:
		return []templateStep{
			{MappingDiscrete, FieldDimmer, channel, 1},
			{MappingRange, "", channel + 1, 3},
		}, nil
	case TemplateDIMRGBCT:
		return []templateStep{
			{MappingDiscrete, FieldDimmer, channel, 1},
			{MappingRange, "", channel + 1, 3},
			{MappingDiscrete, FieldCT, channel + 4, 1},
		}, nil
	case TemplateDIMCT:
		return []templateStep{
			{MappingDiscrete, FieldDimmer, channel, 1},
			{MappingDiscrete, FieldCT, channel + 1, 1},
		}, nil
	default:
		return nil, validationErr("template", "unknown template %q", template)
	}
}
