package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tgthr/fieldsync/internal/audit"
	"github.com/tgthr/fieldsync/internal/outbox"
	fsync "github.com/tgthr/fieldsync/internal/sync"
)

func TestRenderCounts(t *testing.T) {
	out := RenderCounts(fsync.Counts{
		Programs:           1,
		Participants:       2,
		Enrollments:        2,
		ActiveEnrollments:  1,
		BenefitAssignments: 0,
		Dropped:            1,
	}, 1234567*time.Microsecond)

	assert.Contains(t, out, "Sync complete in 1.235s")
	assert.Contains(t, out, "Programs")
	assert.Contains(t, out, "2 (1 active)")
	assert.Contains(t, out, "Dropped")
}

func TestRenderStatus(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := RenderStatus(fsync.SyncStatus{
		Counts:        fsync.Counts{Programs: 3},
		PendingOutbox: 2,
		LastSyncTime:  &last,
		CursorVersion: 7,
		State:         fsync.StateIdle,
		Health:        fsync.HealthHealthy,
	}, "/tmp/cache.db")

	assert.Contains(t, out, "/tmp/cache.db")
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "idle")
	assert.Contains(t, out, "7")
	assert.Contains(t, out, "Pending outbox")
	assert.NotContains(t, out, "never")
	assert.NotContains(t, out, "Error")
}

func TestRenderStatus_NeverSyncedWithError(t *testing.T) {
	out := RenderStatus(fsync.SyncStatus{
		State:  fsync.StateFailed,
		Health: fsync.HealthError,
		Error:  "database is locked",
	}, "cache.db")

	assert.Contains(t, out, "never")
	assert.Contains(t, out, "database is locked")
}

func TestRenderRetry(t *testing.T) {
	assert.Contains(t, RenderRetry(outbox.RetrySummary{}), "Outbox is empty")

	out := RenderRetry(outbox.RetrySummary{
		Attempted: 2,
		Synced:    1,
		Failed:    1,
		Results: []outbox.Result{
			{LocalID: "L1", RemoteID: "R1", Synced: true},
			{LocalID: "L2", Warning: "remote unavailable"},
		},
	})
	assert.Contains(t, out, "Retried 2 item(s): 1 synced, 1 still pending")
	assert.Contains(t, out, "L1 -> R1")
	assert.Contains(t, out, "remote unavailable")
}

func TestRenderDrain(t *testing.T) {
	out := RenderDrain(audit.DrainSummary{Attempted: 3, Delivered: 2, Remaining: 1})
	assert.Contains(t, out, "Delivered 2 of 3 queued audit record(s), 1 remaining")
}
