// Package store implements the persistent device registry, channel
// mappings, per-device pending-state FIFO, and dead-letter sink on a
// single SQLite database. It is the only component that touches the
// database; everything else holds snapshots.
//
// All mutations run inside transactions and become visible to subsequent
// readers immediately after commit. Domain events (device online/offline,
// mapping mutations) are published on the in-process bus after the
// transaction commits, never inside it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightwire/lightwire-core/internal/bus"
	"github.com/lightwire/lightwire-core/internal/infrastructure/database"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/protocol"
)

// Store is the transactional registry. Safe for concurrent use; SQLite's
// single-writer connection serialises mutations underneath.
type Store struct {
	db        *database.DB
	bus       *bus.Bus
	protocols *protocol.Registry
	logger    *logging.Logger
}

// New creates a Store over an opened, migrated database. The protocol
// registry is consulted at enqueue time to wrap abstract states into wire
// commands.
func New(db *database.DB, eventBus *bus.Bus, protocols *protocol.Registry, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		db:        db,
		bus:       eventBus,
		protocols: protocols,
		logger:    logger.With("component", "store"),
	}
}

// deviceColumns is the SELECT column list matching scanDevice.
const deviceColumns = `id, protocol, ip, name, description, model, device_type, capabilities,
	manual, discovered, configured, enabled, stale, offline,
	failure_count, last_payload_hash, last_payload_at, last_failure_at,
	poll_failure_count, poll_last_success_at, poll_last_failure_at,
	poll_state, poll_state_updated_at,
	first_seen, last_seen, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice reads one devices row.
func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                                  Device
		ip, name, description              sql.NullString
		model, deviceType                  sql.NullString
		capsJSON, payloadHash              sql.NullString
		manual, discovered, configured    int
		enabled, stale, offline           int
		lastPayloadAt, lastFailureAt      sql.NullString
		pollSuccessAt, pollFailureAt      sql.NullString
		pollStateJSON, pollStateUpdatedAt sql.NullString
		firstSeen, lastSeen               sql.NullString
		createdAt, updatedAt              string
	)

	err := row.Scan(
		&d.ID, &d.Protocol, &ip, &name, &description, &model, &deviceType, &capsJSON,
		&manual, &discovered, &configured, &enabled, &stale, &offline,
		&d.FailureCount, &payloadHash, &lastPayloadAt, &lastFailureAt,
		&d.PollFailureCount, &pollSuccessAt, &pollFailureAt,
		&pollStateJSON, &pollStateUpdatedAt,
		&firstSeen, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning device row: %w", err)
	}

	d.IP = ip.String
	d.Name = name.String
	d.Description = description.String
	d.Model = model.String
	d.DeviceType = deviceType.String
	d.LastPayloadHash = payloadHash.String
	d.Manual = manual != 0
	d.Discovered = discovered != 0
	d.Configured = configured != 0
	d.Enabled = enabled != 0
	d.Stale = stale != 0
	d.Offline = offline != 0

	caps, err := unmarshalCapabilities(capsJSON.String)
	if err != nil {
		return nil, err
	}
	d.Capabilities = caps

	if pollStateJSON.Valid && pollStateJSON.String != "" {
		var ps PollState
		if err := json.Unmarshal([]byte(pollStateJSON.String), &ps); err != nil {
			return nil, fmt.Errorf("store: parse poll state: %w", err)
		}
		d.PollState = &ps
	}

	d.LastPayloadAt = parseNullTime(lastPayloadAt)
	d.LastFailureAt = parseNullTime(lastFailureAt)
	d.PollLastSuccessAt = parseNullTime(pollSuccessAt)
	d.PollLastFailureAt = parseNullTime(pollFailureAt)
	d.PollStateUpdatedAt = parseNullTime(pollStateUpdatedAt)
	d.FirstSeen = parseNullTime(firstSeen)
	d.LastSeen = parseNullTime(lastSeen)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)

	return &d, nil
}

// Device returns a registry row by id.
func (s *Store) Device(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	return scanDevice(row)
}

// Devices returns every registry row ordered by id.
func (s *Store) Devices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating devices: %w", err)
	}
	return devices, nil
}

// UpsertDiscovery inserts or refreshes a device from a discovery record.
// Existing configured/enabled flags are preserved; stale is cleared and
// last_seen stamped. Emits device_discovered on insert, device_updated on
// refresh.
func (s *Store) UpsertDiscovery(ctx context.Context, result DiscoveryResult) error {
	if result.ID == "" || result.IP == "" {
		return validationErr("discovery", "id and ip are required")
	}

	caps := NormalizeCapabilities(result.Capabilities)
	capsJSON, err := marshalCapabilities(caps)
	if err != nil {
		return err
	}
	now := timeNow()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE id = ?", result.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: checking device existence: %w", err)
	}

	if exists == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO devices (id, protocol, ip, name, model, device_type,
				capabilities, manual, discovered, enabled,
				first_seen, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, 1, ?, ?, ?, ?)`,
			result.ID, "govee", result.IP,
			nullableString(result.Name), nullableString(result.Model),
			nullableString(result.DeviceType), capsJSON,
			now, now, now, now,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE devices SET
				ip = ?,
				name = COALESCE(?, name),
				model = COALESCE(?, model),
				device_type = COALESCE(?, device_type),
				capabilities = ?,
				discovered = 1,
				stale = 0,
				last_seen = ?,
				updated_at = ?
			WHERE id = ?`,
			result.IP, nullableString(result.Name), nullableString(result.Model),
			nullableString(result.DeviceType), capsJSON,
			now, now, result.ID,
		)
	}
	if err != nil {
		return fmt.Errorf("store: upserting discovered device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing discovery upsert: %w", err)
	}

	eventType := bus.EventDeviceUpdated
	if exists == 0 {
		eventType = bus.EventDeviceDiscovered
	}
	s.publish(bus.Event{Type: eventType, DeviceID: result.ID})
	return nil
}

// UpsertManual inserts or updates a manually declared device. Manual
// devices are enabled and never discovered; declared capabilities are
// merged over any existing record.
func (s *Store) UpsertManual(ctx context.Context, decl ManualDecl) error {
	if decl.ID == "" {
		return validationErr("id", "manual device requires an id")
	}
	if decl.IP == "" {
		return validationErr("ip", "manual device requires an ip")
	}

	protocolTag := decl.Protocol
	if protocolTag == "" {
		protocolTag = "govee"
	}

	caps := NormalizeCapabilities(decl.Capabilities)
	capsJSON, err := marshalCapabilities(caps)
	if err != nil {
		return err
	}
	now := timeNow()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, protocol, ip, name, description, model,
			capabilities, manual, discovered, enabled, first_seen, last_seen,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, 1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			protocol = excluded.protocol,
			ip = excluded.ip,
			name = COALESCE(excluded.name, devices.name),
			description = COALESCE(excluded.description, devices.description),
			model = COALESCE(excluded.model, devices.model),
			capabilities = excluded.capabilities,
			manual = 1,
			discovered = 0,
			enabled = 1,
			updated_at = excluded.updated_at`,
		decl.ID, strings.ToLower(protocolTag), decl.IP,
		nullableString(decl.Name), nullableString(decl.Description),
		nullableString(decl.Model), capsJSON,
		now, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: upserting manual device: %w", err)
	}

	s.publish(bus.Event{Type: bus.EventDeviceUpdated, DeviceID: decl.ID})
	return nil
}

// UpdateDevice applies a partial update. Missing devices are a silent
// no-op; capability patches are re-normalised before storing.
func (s *Store) UpdateDevice(ctx context.Context, id string, patch DevicePatch) error {
	var capsJSON any
	if patch.Capabilities != nil {
		caps := NormalizeCapabilities(patch.Capabilities)
		encoded, err := marshalCapabilities(caps)
		if err != nil {
			return err
		}
		capsJSON = encoded
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
			ip = COALESCE(?, ip),
			name = COALESCE(?, name),
			model = COALESCE(?, model),
			device_type = COALESCE(?, device_type),
			enabled = COALESCE(?, enabled),
			capabilities = COALESCE(?, capabilities),
			updated_at = ?
		WHERE id = ?`,
		nullableStringPtr(patch.IP), nullableStringPtr(patch.Name),
		nullableStringPtr(patch.Model), nullableStringPtr(patch.DeviceType),
		nullableBoolPtr(patch.Enabled), capsJSON,
		timeNow(), id,
	)
	if err != nil {
		return fmt.Errorf("store: updating device: %w", err)
	}

	s.publish(bus.Event{Type: bus.EventDeviceUpdated, DeviceID: id})
	return nil
}

// MarkStale flags devices not seen within threshold. Returns the number
// of devices newly marked.
func (s *Store) MarkStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET stale = 1, updated_at = ?
		WHERE stale = 0 AND manual = 0 AND last_seen IS NOT NULL AND last_seen < ?`,
		timeNow(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: marking stale devices: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting stale devices: %w", err)
	}
	return int(n), nil
}

// DeviceInfo returns the delivery-facing snapshot, or nil when the device
// is missing, disabled, or stale.
func (s *Store) DeviceInfo(ctx context.Context, id string) (*DeviceInfo, error) {
	d, err := s.Device(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !d.Enabled || d.Stale {
		return nil, nil
	}

	info := &DeviceInfo{
		ID:              d.ID,
		IP:              d.IP,
		Protocol:        d.Protocol,
		Transport:       d.Capabilities.Transport,
		Port:            d.Capabilities.Port,
		FailureCount:    d.FailureCount,
		LastPayloadHash: d.LastPayloadHash,
		Offline:         d.Offline,
	}
	return info, nil
}

// RecordSendSuccess resets the failure counter, stamps the payload, and
// clears offline. Emits device_online when the device was offline.
func (s *Store) RecordSendSuccess(ctx context.Context, id, payloadHash string) error {
	now := timeNow()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var wasOffline int
	err = tx.QueryRowContext(ctx,
		"SELECT offline FROM devices WHERE id = ?", id).Scan(&wasOffline)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("store: reading device offline flag: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET
			failure_count = 0,
			offline = 0,
			last_payload_hash = ?,
			last_payload_at = ?,
			last_seen = ?,
			updated_at = ?
		WHERE id = ?`,
		payloadHash, now, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("store: recording send success: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing send success: %w", err)
	}

	if wasOffline != 0 {
		s.publish(bus.Event{Type: bus.EventDeviceOnline, DeviceID: id})
	}
	return nil
}

// RecordSendFailure increments the failure counter. When the counter
// reaches offlineThreshold on a device not yet offline, the device is
// marked offline and device_offline is emitted.
func (s *Store) RecordSendFailure(ctx context.Context, id, payloadHash string, offlineThreshold int) error {
	now := timeNow()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var failureCount, offline int
	err = tx.QueryRowContext(ctx,
		"SELECT failure_count, offline FROM devices WHERE id = ?", id,
	).Scan(&failureCount, &offline)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("store: reading device failure state: %w", err)
	}

	failureCount++
	wentOffline := offline == 0 && offlineThreshold > 0 && failureCount >= offlineThreshold

	newOffline := offline
	if wentOffline {
		newOffline = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET
			failure_count = ?,
			offline = ?,
			last_failure_at = ?,
			updated_at = ?
		WHERE id = ?`,
		failureCount, newOffline, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("store: recording send failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing send failure: %w", err)
	}

	if wentOffline {
		s.publish(bus.Event{
			Type:     bus.EventDeviceOffline,
			DeviceID: id,
			Payload:  map[string]any{"failure_count": failureCount},
		})
	}
	return nil
}

// RecordPollSuccess stores a liveness probe result and clears the poll
// failure counter.
func (s *Store) RecordPollSuccess(ctx context.Context, id string, state *PollState) error {
	now := timeNow()

	var stateJSON any
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("store: marshal poll state: %w", err)
		}
		stateJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
			poll_failure_count = 0,
			poll_last_success_at = ?,
			poll_state = COALESCE(?, poll_state),
			poll_state_updated_at = CASE WHEN ? IS NULL THEN poll_state_updated_at ELSE ? END,
			last_seen = ?,
			updated_at = ?
		WHERE id = ?`,
		now, stateJSON, stateJSON, now, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("store: recording poll success: %w", err)
	}
	return nil
}

// RecordPollFailure increments the poll failure counter; reaching
// offlineThreshold marks the device offline analogous to send failures.
func (s *Store) RecordPollFailure(ctx context.Context, id string, offlineThreshold int) error {
	now := timeNow()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var pollFailures, offline int
	err = tx.QueryRowContext(ctx,
		"SELECT poll_failure_count, offline FROM devices WHERE id = ?", id,
	).Scan(&pollFailures, &offline)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("store: reading poll failure state: %w", err)
	}

	pollFailures++
	wentOffline := offline == 0 && offlineThreshold > 0 && pollFailures >= offlineThreshold

	newOffline := offline
	if wentOffline {
		newOffline = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET
			poll_failure_count = ?,
			offline = ?,
			poll_last_failure_at = ?,
			updated_at = ?
		WHERE id = ?`,
		pollFailures, newOffline, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("store: recording poll failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing poll failure: %w", err)
	}

	if wentOffline {
		s.publish(bus.Event{Type: bus.EventDeviceOffline, DeviceID: id})
	}
	return nil
}

// publish emits an event when a bus is attached.
func (s *Store) publish(evt bus.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

// timeNow returns the canonical stored timestamp format.
func timeNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// parseTime parses a stored timestamp; zero time on failure.
func parseTime(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339, raw) //nolint:errcheck // Format is controlled
	return t
}

// parseNullTime parses an optional stored timestamp.
func parseNullTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableStringPtr maps a nil pointer to NULL.
func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullableBoolPtr maps a nil pointer to NULL, otherwise 0/1.
func nullableBoolPtr(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
