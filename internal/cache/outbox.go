package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tgthr/fieldsync/internal/model"
)

// InsertOutboxItem stores a locally originated record with synced = false.
// Re-inserting an existing local id is a no-op, so a resubmitted item keeps
// its original state.
func (db *DB) InsertOutboxItem(ctx context.Context, item *model.OutboxItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid outbox item: %w", err)
	}

	query := `
	INSERT INTO outbox (local_id, kind, payload, synced, attempts, created_at)
	VALUES (?, ?, ?, 0, 0, ?)
	ON CONFLICT(local_id) DO NOTHING
	`
	_, err := db.conn.ExecContext(ctx, query,
		item.LocalID, string(item.Kind), string(item.Payload),
		item.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert outbox item %s: %w", item.LocalID, err)
	}
	return nil
}

// GetOutboxItem retrieves an outbox item by local id.
// Returns sql.ErrNoRows (wrapped) if the item is not found.
func (db *DB) GetOutboxItem(ctx context.Context, localID string) (*model.OutboxItem, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT local_id, kind, payload, synced, remote_id, attempts, last_error, created_at, synced_at, derived_ids
	FROM outbox WHERE local_id = ?`, localID)
	item, err := scanOutboxItem(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox item %s: %w", localID, err)
	}
	return item, nil
}

// PendingOutbox returns unsynced items, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]*model.OutboxItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT local_id, kind, payload, synced, remote_id, attempts, last_error, created_at, synced_at, derived_ids
	FROM outbox WHERE synced = 0
	ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox: %w", err)
	}
	defer rows.Close()

	var items []*model.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return items, nil
}

// MarkOutboxSynced records a confirmed remote acknowledgement, with any ids
// the push derived, and bumps the cursor version in the same transaction.
func (db *DB) MarkOutboxSynced(ctx context.Context, localID, remoteID string, derived *model.DerivedIDs, at time.Time) error {
	var derivedJSON sql.NullString
	if !derived.Empty() {
		data, err := json.Marshal(derived)
		if err != nil {
			return fmt.Errorf("failed to encode derived ids for %s: %w", localID, err)
		}
		derivedJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	UPDATE outbox SET synced = 1, remote_id = ?, synced_at = ?, last_error = NULL, derived_ids = ?
	WHERE local_id = ?`,
		optString(remoteID), at.UTC().Format(time.RFC3339Nano), derivedJSON, localID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item %s synced: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to mark outbox item %s synced: %w", localID, sql.ErrNoRows)
	}

	if _, err := bumpCursorTx(ctx, tx, nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordOutboxAttempt increments the attempt counter and stores the failure.
func (db *DB) RecordOutboxAttempt(ctx context.Context, localID, lastError string) error {
	_, err := db.conn.ExecContext(ctx, `
	UPDATE outbox SET attempts = attempts + 1, last_error = ?
	WHERE local_id = ? AND synced = 0`,
		optString(lastError), localID)
	if err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", localID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxItem(s rowScanner) (*model.OutboxItem, error) {
	var item model.OutboxItem
	var kind, payload, createdAt string
	var synced int
	var remoteID, lastError, syncedAt, derived sql.NullString

	if err := s.Scan(&item.LocalID, &kind, &payload, &synced, &remoteID,
		&item.Attempts, &lastError, &createdAt, &syncedAt, &derived); err != nil {
		return nil, err
	}

	item.Kind = model.OutboxKind(kind)
	item.Payload = []byte(payload)
	item.Synced = synced != 0
	item.RemoteID = remoteID.String
	item.LastError = lastError.String
	item.SyncedAt = nullStringToTime(syncedAt)
	if derived.Valid && derived.String != "" {
		var d model.DerivedIDs
		if err := json.Unmarshal([]byte(derived.String), &d); err != nil {
			return nil, fmt.Errorf("failed to parse derived_ids: %w", err)
		}
		item.DerivedIDs = &d
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	item.CreatedAt = t
	return &item, nil
}
