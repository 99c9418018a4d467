package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tgthr/fieldsync/internal/model"
)

const (
	metaCursorVersion = "cursor_version"
	metaLastFullSync  = "last_full_sync"
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetMeta returns a meta value, or "" if the key is unset.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, db.conn, key)
}

// SetMeta writes a meta value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, db.conn, key, value)
}

// Cursor returns the sync cursor.
func (db *DB) Cursor(ctx context.Context) (model.SyncCursor, error) {
	var c model.SyncCursor

	v, err := db.GetMeta(ctx, metaCursorVersion)
	if err != nil {
		return c, err
	}
	if v != "" {
		if c.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return c, fmt.Errorf("failed to parse cursor version %q: %w", v, err)
		}
	}

	last, err := db.GetMeta(ctx, metaLastFullSync)
	if err != nil {
		return c, err
	}
	c.LastFullSync = nullStringToTime(sql.NullString{String: last, Valid: last != ""})
	return c, nil
}

// BumpCursor increments the cursor version and, if fullSyncAt is non-nil,
// records it as the last full sync time. It returns the new version.
func (db *DB) BumpCursor(ctx context.Context, fullSyncAt *time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	v, err := bumpCursorTx(ctx, tx, fullSyncAt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return v, nil
}

func bumpCursorTx(ctx context.Context, q execQuerier, fullSyncAt *time.Time) (int64, error) {
	var version int64
	cur, err := getMeta(ctx, q, metaCursorVersion)
	if err != nil {
		return 0, err
	}
	if cur != "" {
		if version, err = strconv.ParseInt(cur, 10, 64); err != nil {
			return 0, fmt.Errorf("failed to parse cursor version %q: %w", cur, err)
		}
	}
	version++

	if err := setMeta(ctx, q, metaCursorVersion, strconv.FormatInt(version, 10)); err != nil {
		return 0, err
	}
	if fullSyncAt != nil {
		if err := setMeta(ctx, q, metaLastFullSync, timeToNullString(fullSyncAt).String); err != nil {
			return 0, err
		}
	}
	return version, nil
}

func getMeta(ctx context.Context, q execQuerier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

func setMeta(ctx context.Context, q execQuerier, key, value string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}
