package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// salvage holds locally originated rows recovered from a broken cache file.
type salvage struct {
	outbox     []salvagedOutbox
	audit      []salvagedAudit
	identities []salvagedIdentity
}

type salvagedOutbox struct {
	localID, kind, payload, createdAt string
	attempts                          int
	lastError                         sql.NullString
}

type salvagedIdentity struct {
	objectType, remoteID, localID, recordedAt string
}

type salvagedAudit struct {
	record, enqueuedAt string
	attempts           int
	lastError          sql.NullString
}

// OpenOrRebuild opens the cache and initializes its schema. If the file
// cannot be opened or its schema cannot be applied, the file and its WAL
// side files are deleted and a fresh cache is built.
//
// Mirrored entities are disposable and come back on the next pull. Unsynced
// outbox rows, pending audit queue rows and the identity index are not, so
// they are read out of the old file (best effort) and written into the new
// one. Keeping the index means re-pulled records get their old local ids
// back and outbox items referring to them still resolve.
func OpenOrRebuild(ctx context.Context, path string, logger logrus.FieldLogger) (*DB, error) {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "cache")
	}

	db, err := Open(path)
	if err == nil {
		if err = db.InitSchemaContext(ctx); err == nil {
			return db, nil
		}
		_ = db.Close()
	}

	logger.WithError(err).WithField("path", path).Warn("cache unusable, rebuilding")

	saved := salvageRows(ctx, path, logger)

	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove %s: %w", p, rmErr)
		}
	}

	db, err = Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := db.restore(ctx, saved); err != nil {
		logger.WithError(err).Warn("failed to restore salvaged rows")
	} else if len(saved.outbox)+len(saved.audit)+len(saved.identities) > 0 {
		logger.WithFields(logrus.Fields{
			"outbox":     len(saved.outbox),
			"audit":      len(saved.audit),
			"identities": len(saved.identities),
		}).Info("restored pending rows into rebuilt cache")
	}
	return db, nil
}

// salvageRows reads pending rows from a cache file without applying the schema.
// Any failure just yields fewer rows.
func salvageRows(ctx context.Context, path string, logger logrus.FieldLogger) salvage {
	var s salvage

	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return s
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `
	SELECT local_id, kind, payload, attempts, last_error, created_at
	FROM outbox WHERE synced = 0`)
	if err != nil {
		logger.WithError(err).Debug("no outbox rows salvaged")
	} else {
		for rows.Next() {
			var o salvagedOutbox
			if err := rows.Scan(&o.localID, &o.kind, &o.payload, &o.attempts, &o.lastError, &o.createdAt); err != nil {
				continue
			}
			s.outbox = append(s.outbox, o)
		}
		rows.Close()
	}

	rows, err = conn.QueryContext(ctx, `SELECT record, attempts, last_error, enqueued_at FROM audit_queue`)
	if err != nil {
		logger.WithError(err).Debug("no audit rows salvaged")
	} else {
		for rows.Next() {
			var a salvagedAudit
			if err := rows.Scan(&a.record, &a.attempts, &a.lastError, &a.enqueuedAt); err != nil {
				continue
			}
			s.audit = append(s.audit, a)
		}
		rows.Close()
	}

	rows, err = conn.QueryContext(ctx, `SELECT object_type, remote_id, local_id, recorded_at FROM remote_identities`)
	if err != nil {
		logger.WithError(err).Debug("no identities salvaged")
	} else {
		for rows.Next() {
			var id salvagedIdentity
			if err := rows.Scan(&id.objectType, &id.remoteID, &id.localID, &id.recordedAt); err != nil {
				continue
			}
			s.identities = append(s.identities, id)
		}
		rows.Close()
	}
	return s
}

func (db *DB) restore(ctx context.Context, s salvage) error {
	if len(s.outbox) == 0 && len(s.audit) == 0 && len(s.identities) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, o := range s.outbox {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (local_id, kind, payload, synced, attempts, last_error, created_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(local_id) DO NOTHING`,
			o.localID, o.kind, o.payload, o.attempts, o.lastError, o.createdAt)
		if err != nil {
			return fmt.Errorf("failed to restore outbox item %s: %w", o.localID, err)
		}
	}
	for _, id := range s.identities {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO remote_identities (object_type, remote_id, local_id, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(object_type, remote_id) DO NOTHING`,
			id.objectType, id.remoteID, id.localID, id.recordedAt)
		if err != nil {
			return fmt.Errorf("failed to restore identity %s/%s: %w", id.objectType, id.remoteID, err)
		}
	}
	for _, a := range s.audit {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_queue (record, attempts, last_error, enqueued_at)
		VALUES (?, ?, ?, ?)`,
			a.record, a.attempts, a.lastError, a.enqueuedAt)
		if err != nil {
			return fmt.Errorf("failed to restore audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
