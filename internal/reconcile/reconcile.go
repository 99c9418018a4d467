// Package reconcile assigns stable local identifiers to remote records.
//
// Resolution order for each record:
//  1. the local identity index
//  2. the reconciliation key stored on the remote record, if it is a UUID
//  3. a freshly generated UUID
//
// The index is authoritative: once a remote record has a local id it keeps
// it, even if a key shows up on the remote later. The key only seeds the
// index on first sight. Whatever is chosen is written to the index before
// Reconcile returns, so the same remote record maps to the same local id on
// every pull even when the optional key write-back to the remote fails.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/remote"
)

// DefaultKeyField is the remote field carrying the local id.
const DefaultKeyField = "UUID__c"

// IdentityStore is the identity index.
type IdentityStore interface {
	LookupIdentity(ctx context.Context, objectType, remoteID string) (string, bool, error)
	RecordIdentity(ctx context.Context, objectType, remoteID, localID string) error
}

// Updater writes the key back to the remote record.
type Updater interface {
	Update(ctx context.Context, objectType, remoteID string, fields map[string]any) error
}

// Config controls reconciliation.
type Config struct {
	KeyField  string // defaults to DefaultKeyField
	WriteBack bool   // push generated keys to the remote
}

// Source says where a local id came from.
type Source string

const (
	SourceKey       Source = "key"
	SourceIndex     Source = "index"
	SourceGenerated Source = "generated"
)

// Mapping maps remote id to local id for one batch.
type Mapping map[string]string

// Reconciler resolves local ids.
type Reconciler struct {
	store   IdentityStore
	updater Updater
	cfg     Config
	logger  logrus.FieldLogger
}

// New creates a Reconciler. updater may be nil when write-back is disabled.
func New(store IdentityStore, updater Updater, cfg Config, logger logrus.FieldLogger) *Reconciler {
	if cfg.KeyField == "" {
		cfg.KeyField = DefaultKeyField
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "reconcile")
	}
	return &Reconciler{store: store, updater: updater, cfg: cfg, logger: logger}
}

// KeyField returns the remote field holding the reconciliation key.
func (r *Reconciler) KeyField() string {
	return r.cfg.KeyField
}

// Reconcile resolves a local id for every record with a remote id. Records
// without an Id are ignored. An identity index failure aborts the batch;
// write-back failures never do.
func (r *Reconciler) Reconcile(ctx context.Context, objectType string, records []remote.Record) (Mapping, error) {
	m := make(Mapping, len(records))
	var generated, written int

	for _, rec := range records {
		remoteID := rec.ID()
		if remoteID == "" {
			continue
		}
		if _, done := m[remoteID]; done {
			continue
		}

		localID, source, err := r.resolve(ctx, objectType, rec)
		if err != nil {
			return nil, err
		}
		if err := r.store.RecordIdentity(ctx, objectType, remoteID, localID); err != nil {
			return nil, fmt.Errorf("failed to record identity for %s %s: %w", objectType, remoteID, err)
		}
		m[remoteID] = localID

		if source == SourceGenerated {
			generated++
		}
		if r.shouldWriteBack(rec) {
			if r.writeBack(ctx, objectType, remoteID, localID) {
				written++
			}
		}
	}

	if generated > 0 || written > 0 {
		r.logger.WithFields(logrus.Fields{
			"object_type": objectType,
			"generated":   generated,
			"written":     written,
		}).Info("assigned local ids")
	}
	return m, nil
}

func (r *Reconciler) resolve(ctx context.Context, objectType string, rec remote.Record) (string, Source, error) {
	key := strings.TrimSpace(rec.String(r.cfg.KeyField))

	localID, found, err := r.store.LookupIdentity(ctx, objectType, rec.ID())
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve %s %s: %w", objectType, rec.ID(), err)
	}
	if found {
		if key != "" && key != localID {
			r.logger.WithFields(logrus.Fields{
				"object_type": objectType,
				"remote_id":   rec.ID(),
				"key":         key,
				"local_id":    localID,
			}).Warn("reconciliation key disagrees with identity index, keeping indexed id")
		}
		return localID, SourceIndex, nil
	}

	if key != "" {
		if _, err := uuid.Parse(key); err == nil {
			return key, SourceKey, nil
		}
		r.logger.WithFields(logrus.Fields{
			"object_type": objectType,
			"remote_id":   rec.ID(),
			"key":         key,
		}).Warn("ignoring malformed reconciliation key")
	}
	return uuid.NewString(), SourceGenerated, nil
}

// shouldWriteBack reports whether the remote record lacks a key. A malformed
// key is left alone rather than overwritten.
func (r *Reconciler) shouldWriteBack(rec remote.Record) bool {
	return r.cfg.WriteBack && r.updater != nil && strings.TrimSpace(rec.String(r.cfg.KeyField)) == ""
}

func (r *Reconciler) writeBack(ctx context.Context, objectType, remoteID, localID string) bool {
	err := r.updater.Update(ctx, objectType, remoteID, map[string]any{r.cfg.KeyField: localID})
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"object_type": objectType,
			"remote_id":   remoteID,
		}).Warn("key write-back failed")
		return false
	}
	return true
}
