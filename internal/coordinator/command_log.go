package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openkumo/kumo-core/internal/infrastructure/database"
	"github.com/openkumo/kumo-core/internal/kumo"
)

// CommandLog records every command attempt in the command_log table.
// The log is an audit trail; write failures are reported to the caller
// but never block command delivery.
type CommandLog struct {
	db *database.DB
}

// NewCommandLog creates a CommandLog backed by the given database.
func NewCommandLog(db *database.DB) *CommandLog {
	return &CommandLog{db: db}
}

// CommandRecord is one row of the audit trail.
type CommandRecord struct {
	ID           int64         `json:"id"`
	DeviceSerial string        `json:"device_serial"`
	Attributes   kumo.Commands `json:"attributes"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	IssuedAt     time.Time     `json:"issued_at"`
}

// Record appends one command attempt to the log.
func (l *CommandLog) Record(ctx context.Context, serial string, attrs kumo.Commands, status, errMsg string, issuedAt time.Time) error {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encoding command attributes: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO command_log (device_serial, attributes, status, error, issued_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		serial,
		string(payload),
		status,
		nullable(errMsg),
		issuedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording command: %w", err)
	}
	return nil
}

// Recent returns the newest entries for one device, most recent first.
func (l *CommandLog) Recent(ctx context.Context, serial string, limit int) ([]CommandRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, device_serial, attributes, status, COALESCE(error, ''), issued_at
		FROM command_log
		WHERE device_serial = ?
		ORDER BY issued_at DESC, id DESC
		LIMIT ?
	`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var records []CommandRecord
	for rows.Next() {
		var r CommandRecord
		var payload, issuedAt string
		if err := rows.Scan(&r.ID, &r.DeviceSerial, &payload, &r.Status, &r.Error, &issuedAt); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Attributes); err != nil {
			return nil, fmt.Errorf("decoding command attributes: %w", err)
		}
		r.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt) //nolint:errcheck // Format is controlled
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}
	return records, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
