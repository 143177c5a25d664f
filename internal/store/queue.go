package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightwire/lightwire-core/internal/protocol"
)

// EnqueueState wraps one abstract state update into wire commands via the
// device's protocol handler and appends one FIFO row per command, in
// order, inside a single transaction. Per-command rows keep retries
// independent while the FIFO preserves command ordering.
func (s *Store) EnqueueState(ctx context.Context, update StateUpdate) (int, error) {
	if update.DeviceID == "" {
		return 0, validationErr("device_id", "state update requires a device id")
	}
	if update.State == nil || update.State.IsEmpty() {
		return 0, protocol.ErrEmptyState
	}

	device, err := s.Device(ctx, update.DeviceID)
	if err != nil {
		return 0, err
	}

	handler, err := s.protocols.Get(device.Protocol)
	if err != nil {
		return 0, err
	}
	commands, err := handler.Wrap(update.State)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	now := timeNow()
	for _, payload := range commands {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state (device_id, payload, context_id, created_at)
			VALUES (?, ?, ?, ?)`,
			update.DeviceID, payload, nullableString(update.ContextID), now,
		)
		if err != nil {
			return 0, fmt.Errorf("store: enqueueing state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: committing enqueue: %w", err)
	}
	return len(commands), nil
}

// NextState returns the oldest pending row for a device, or nil when the
// queue is empty. Rows are ordered by insertion id, so the queue is a
// strict FIFO per device.
func (s *Store) NextState(ctx context.Context, deviceID string) (*PendingState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, payload, context_id, created_at
		FROM state WHERE device_id = ? ORDER BY id LIMIT 1`,
		deviceID,
	)

	var (
		p         PendingState
		contextID sql.NullString
		createdAt string
	)
	err := row.Scan(&p.ID, &p.DeviceID, &p.Payload, &contextID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading next state: %w", err)
	}
	p.ContextID = contextID.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// DeleteState removes a delivered or superseded row.
func (s *Store) DeleteState(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM state WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: deleting state: %w", err)
	}
	return nil
}

// QuarantineState moves a pending row into the dead-letter table
// atomically: the dead letter is written and the queue row removed in one
// transaction, so a crash can duplicate work but never lose a record.
func (s *Store) QuarantineState(ctx context.Context, state *PendingState, payloadHash, reason, details string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stateCreated := state.CreatedAt.UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (state_id, device_id, payload, payload_hash,
			context_id, reason, details, state_created_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.DeviceID, state.Payload, payloadHash,
		nullableString(state.ContextID), reason, nullableString(details),
		stateCreated, timeNow(),
	)
	if err != nil {
		return fmt.Errorf("store: writing dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM state WHERE id = ?", state.ID); err != nil {
		return fmt.Errorf("store: removing quarantined state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing quarantine: %w", err)
	}
	return nil
}

// TrimQueue enforces a per-device depth bound. When the queue holds more
// than maxDepth rows, the oldest surplus rows are quarantined with reason
// queue_overflow so the newest states win. Returns the number trimmed.
func (s *Store) TrimQueue(ctx context.Context, deviceID string, maxDepth int) (int, error) {
	if maxDepth <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, payload, context_id, created_at
		FROM state WHERE device_id = ? ORDER BY id`,
		deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("store: querying queue for trim: %w", err)
	}

	var pending []*PendingState
	for rows.Next() {
		var (
			p         PendingState
			contextID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Payload, &contextID, &createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scanning queue row: %w", err)
		}
		p.ContextID = contextID.String
		p.CreatedAt = parseTime(createdAt)
		pending = append(pending, &p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("store: iterating queue rows: %w", err)
	}
	rows.Close()

	surplus := len(pending) - maxDepth
	if surplus <= 0 {
		return 0, nil
	}

	for _, p := range pending[:surplus] {
		err := s.QuarantineState(ctx, p, "", ReasonQueueOverflow,
			fmt.Sprintf("queue depth %d exceeded limit %d", len(pending), maxDepth))
		if err != nil {
			return 0, err
		}
	}
	return surplus, nil
}

// PendingDeviceIDs lists the devices that currently have queued states.
func (s *Store) PendingDeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT device_id FROM state ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("store: querying pending devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning pending device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating pending devices: %w", err)
	}
	return ids, nil
}

// QueueDepths reports the pending row count per device.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT device_id, COUNT(*) FROM state GROUP BY device_id")
	if err != nil {
		return nil, fmt.Errorf("store: querying queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var (
			id    string
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("store: scanning queue depth: %w", err)
		}
		depths[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating queue depths: %w", err)
	}
	return depths, nil
}

// DeadLetters returns quarantine records, newest first. deviceID filters
// to one device when non-empty; limit <= 0 means no limit.
func (s *Store) DeadLetters(ctx context.Context, deviceID string, limit int) ([]*DeadLetter, error) {
	query := `SELECT id, state_id, device_id, payload, payload_hash,
		context_id, reason, details, state_created_at, created_at
		FROM dead_letters`
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			dl             DeadLetter
			payloadHash    sql.NullString
			contextID      sql.NullString
			details        sql.NullString
			stateCreatedAt sql.NullString
			createdAt      string
		)
		err := rows.Scan(&dl.ID, &dl.StateID, &dl.DeviceID, &dl.Payload,
			&payloadHash, &contextID, &dl.Reason, &details,
			&stateCreatedAt, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: scanning dead letter: %w", err)
		}
		dl.PayloadHash = payloadHash.String
		dl.ContextID = contextID.String
		dl.Details = details.String
		dl.StateCreatedAt = parseNullTime(stateCreatedAt)
		dl.CreatedAt = parseTime(createdAt)
		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating dead letters: %w", err)
	}
	return letters, nil
}
