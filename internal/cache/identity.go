package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LookupIdentity returns the local id previously recorded for a remote record.
func (db *DB) LookupIdentity(ctx context.Context, objectType, remoteID string) (string, bool, error) {
	var localID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT local_id FROM remote_identities WHERE object_type = ? AND remote_id = ?`,
		strings.ToLower(objectType), remoteID,
	).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up identity %s/%s: %w", objectType, remoteID, err)
	}
	return localID, true, nil
}

// RecordIdentity stores the local id chosen for a remote record. The first
// mapping wins; a later call for the same record is a no-op, so a local id
// never changes once assigned.
func (db *DB) RecordIdentity(ctx context.Context, objectType, remoteID, localID string) error {
	query := `
	INSERT INTO remote_identities (object_type, remote_id, local_id, recorded_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(object_type, remote_id) DO NOTHING
	`
	_, err := db.conn.ExecContext(ctx, query,
		strings.ToLower(objectType), remoteID, localID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record identity %s/%s: %w", objectType, remoteID, err)
	}
	return nil
}

// LookupRemoteID returns the remote id recorded for a local id of the given
// object type.
func (db *DB) LookupRemoteID(ctx context.Context, objectType, localID string) (string, bool, error) {
	var remoteID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT remote_id FROM remote_identities WHERE object_type = ? AND local_id = ? LIMIT 1`,
		strings.ToLower(objectType), localID,
	).Scan(&remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up remote id for %s %s: %w", objectType, localID, err)
	}
	return remoteID, true, nil
}
