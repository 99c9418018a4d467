package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tgthr/fieldsync/internal/model"
)

// QueuedAudit is an audit record waiting for redelivery.
type QueuedAudit struct {
	ID         int64
	Record     model.AuditRecord
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// EnqueueAudit stores an audit record that could not be delivered.
func (db *DB) EnqueueAudit(ctx context.Context, rec *model.AuditRecord, cause string) (int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal audit record: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO audit_queue (record, attempts, last_error, enqueued_at)
	VALUES (?, 0, ?, ?)`,
		string(data), optString(cause), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue audit record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read audit queue id: %w", err)
	}
	return id, nil
}

// PendingAudit returns up to limit queued records, oldest first. A limit of
// zero or less returns everything.
func (db *DB) PendingAudit(ctx context.Context, limit int) ([]*QueuedAudit, error) {
	query := `SELECT id, record, attempts, last_error, enqueued_at FROM audit_queue ORDER BY id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit queue: %w", err)
	}
	defer rows.Close()

	var out []*QueuedAudit
	for rows.Next() {
		var q QueuedAudit
		var record, enqueuedAt string
		var lastError sql.NullString
		if err := rows.Scan(&q.ID, &record, &q.Attempts, &lastError, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit queue row: %w", err)
		}
		if err := json.Unmarshal([]byte(record), &q.Record); err != nil {
			return nil, fmt.Errorf("failed to decode queued audit %d: %w", q.ID, err)
		}
		q.LastError = lastError.String
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			q.EnqueuedAt = t
		}
		out = append(out, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit queue: %w", err)
	}
	return out, nil
}

// DeleteAudit removes a delivered record from the queue.
func (db *DB) DeleteAudit(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM audit_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete audit record %d: %w", id, err)
	}
	return nil
}

// RecordAuditAttempt increments the attempt counter of a queued record.
func (db *DB) RecordAuditAttempt(ctx context.Context, id int64, lastError string) error {
	_, err := db.conn.ExecContext(ctx, `
	UPDATE audit_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		optString(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to record audit attempt %d: %w", id, err)
	}
	return nil
}
