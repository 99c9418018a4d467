package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgthr/fieldsync/internal/model"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cache.db")
}

// setupTestDB opens a fresh cache with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

// seedGraph stores one program, one participant and one enrollment.
func seedGraph(t *testing.T, db *DB, status, endDate string) (prog *model.Program, part *model.Participant, enr *model.Enrollment) {
	t.Helper()
	ctx := context.Background()
	prog = &model.Program{LocalID: model.NewLocalID(), RemoteID: "P1", Name: "Street Outreach"}
	part = &model.Participant{LocalID: model.NewLocalID(), RemoteID: "A1", FirstName: "Ada", LastName: "Lovelace"}
	enr = &model.Enrollment{
		LocalID:        model.NewLocalID(),
		RemoteID:       "E1",
		ProgramRef:     prog.LocalID,
		ParticipantRef: part.LocalID,
		Status:         status,
		EndDate:        endDate,
	}
	require.NoError(t, db.UpsertProgram(ctx, prog))
	require.NoError(t, db.UpsertParticipant(ctx, part))
	require.NoError(t, db.UpsertEnrollment(ctx, enr))
	return prog, part, enr
}

func TestInitSchema_CreatesTablesAndViews(t *testing.T) {
	db := setupTestDB(t)

	objects := []struct{ typ, name string }{
		{"table", "programs"},
		{"table", "participants"},
		{"table", "enrollments"},
		{"table", "benefit_assignments"},
		{"table", "remote_identities"},
		{"table", "outbox"},
		{"table", "audit_queue"},
		{"table", "meta"},
		{"view", "active_enrollments"},
		{"view", "active_benefit_assignments"},
	}
	for _, o := range objects {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, o.typ, o.name).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query %s %s: %v", o.typ, o.name, err)
		}
		if count != 1 {
			t.Errorf("%s %s does not exist", o.typ, o.name)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}

	var version int
	require.NoError(t, db.conn.QueryRow("PRAGMA user_version").Scan(&version))
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestInitSchema_RejectsNewerVersion(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.conn.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)

	err = db.InitSchema()
	if !errors.Is(err, ErrIncompatibleSchema) {
		t.Errorf("InitSchema() error = %v, want ErrIncompatibleSchema", err)
	}
}

func TestUpsert_ReplaceByLocalID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p := &model.Program{LocalID: model.NewLocalID(), RemoteID: "P1", Name: "Alpha"}
	require.NoError(t, db.UpsertProgram(ctx, p))
	require.NoError(t, db.UpsertProgram(ctx, p))

	p.Name = "Alpha Renamed"
	p.RemoteID = ""
	require.NoError(t, db.UpsertProgram(ctx, p))

	rows, err := db.FetchAll(ctx, `SELECT name, remote_id FROM programs`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alpha Renamed", rows[0]["name"])
	assert.Equal(t, "P1", rows[0]["remote_id"], "remote id must not be cleared")
}

func TestUpsertEnrollment_RequiresParents(t *testing.T) {
	db := setupTestDB(t)
	e := &model.Enrollment{
		LocalID:        model.NewLocalID(),
		ProgramRef:     model.NewLocalID(),
		ParticipantRef: model.NewLocalID(),
	}
	err := db.UpsertEnrollment(context.Background(), e)
	assert.Error(t, err, "foreign keys should reject dangling refs")
}

func TestActiveEnrollmentsView(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		endDate string
		active  bool
	}{
		{"active status", "Active", "2000-01-01", true},
		{"active status lower case", "active", "2000-01-01", true},
		{"open ended", "Exited", "", true},
		{"future end date", "Exited", "2999-12-31", true},
		{"ended in the past", "Exited", "2000-01-01", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			seedGraph(t, db, tt.status, tt.endDate)

			list, err := db.ListActiveEnrollments(context.Background())
			require.NoError(t, err)
			if got := len(list) == 1; got != tt.active {
				t.Errorf("active = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestActiveBenefitAssignmentsView(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, _, enr := seedGraph(t, db, "Active", "")

	require.NoError(t, db.UpsertBenefitAssignment(ctx, &model.BenefitAssignment{
		LocalID: model.NewLocalID(), EnrollmentRef: enr.LocalID, Name: "Bus pass", Status: "Active", Amount: 20,
	}))
	require.NoError(t, db.UpsertBenefitAssignment(ctx, &model.BenefitAssignment{
		LocalID: model.NewLocalID(), EnrollmentRef: enr.LocalID, Name: "Legacy",
	}))
	require.NoError(t, db.UpsertBenefitAssignment(ctx, &model.BenefitAssignment{
		LocalID: model.NewLocalID(), EnrollmentRef: enr.LocalID, Name: "Closed", Status: "Closed",
	}))

	c, err := db.Counts()
	require.NoError(t, err)
	assert.Equal(t, 3, c.BenefitAssignments)
	assert.Equal(t, 2, c.ActiveBenefits)
	assert.Equal(t, 1, c.ActiveEnrollments)
}

func TestIdentityIndex(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, found, err := db.LookupIdentity(ctx, "Program", "P1")
	require.NoError(t, err)
	assert.False(t, found)

	local := model.NewLocalID()
	require.NoError(t, db.RecordIdentity(ctx, "Program", "P1", local))
	require.NoError(t, db.RecordIdentity(ctx, "Program", "P1", local))
	// The first mapping wins.
	require.NoError(t, db.RecordIdentity(ctx, "Program", "P1", model.NewLocalID()))

	got, found, err := db.LookupIdentity(ctx, "program", "P1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, local, got)

	remoteID, found, err := db.LookupRemoteID(ctx, "Program", local)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "P1", remoteID)

	// Same remote id under another type is a different record.
	_, found, err = db.LookupIdentity(ctx, "Account", "P1")
	require.NoError(t, err)
	assert.False(t, found)
}

func newNote(t *testing.T) *model.OutboxItem {
	t.Helper()
	return &model.OutboxItem{
		LocalID:   model.NewLocalID(),
		Kind:      model.KindNote,
		Payload:   json.RawMessage(`{"notes":"checked in"}`),
		CreatedAt: time.Now(),
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := newNote(t)
	require.NoError(t, db.InsertOutboxItem(ctx, item))
	require.NoError(t, db.InsertOutboxItem(ctx, item), "reinsert is a no-op")

	pending, err := db.PendingOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Synced)
	assert.JSONEq(t, `{"notes":"checked in"}`, string(pending[0].Payload))

	require.NoError(t, db.RecordOutboxAttempt(ctx, item.LocalID, "GET /x -> 503"))
	got, err := db.GetOutboxItem(ctx, item.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "GET /x -> 503", got.LastError)

	before, err := db.Cursor(ctx)
	require.NoError(t, err)

	derived := &model.DerivedIDs{InteractionSummaryID: "IS-1", AccountID: "001A", BenefitAssignmentIDs: []string{"B1", "B2"}}
	require.NoError(t, db.MarkOutboxSynced(ctx, item.LocalID, "IS-1", derived, time.Now()))
	got, err = db.GetOutboxItem(ctx, item.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "IS-1", got.RemoteID)
	assert.NotNil(t, got.SyncedAt)
	assert.Empty(t, got.LastError)
	assert.Equal(t, derived, got.DerivedIDs)

	after, err := db.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)

	pending, err = db.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInitSchema_AddsDerivedIDsToVersion1(t *testing.T) {
	path := testDBPath(t)
	raw, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(`
	CREATE TABLE outbox (
		local_id TEXT PRIMARY KEY, kind TEXT NOT NULL, payload TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0, remote_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0, last_error TEXT,
		created_at TEXT NOT NULL, synced_at TEXT
	);
	PRAGMA user_version = 1;`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.InitSchema())
	// Idempotent on the migrated file.
	require.NoError(t, db.InitSchema())

	ctx := context.Background()
	item := &model.OutboxItem{LocalID: model.NewLocalID(), Kind: model.KindIntake, Payload: []byte(`{}`), CreatedAt: time.Now()}
	require.NoError(t, db.InsertOutboxItem(ctx, item))
	require.NoError(t, db.MarkOutboxSynced(ctx, item.LocalID, "E1", &model.DerivedIDs{EnrollmentID: "E1"}, time.Now()))

	got, err := db.GetOutboxItem(ctx, item.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got.DerivedIDs)
	assert.Equal(t, "E1", got.DerivedIDs.EnrollmentID)
}

func TestGetOutboxItem_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetOutboxItem(context.Background(), model.NewLocalID())
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestAuditQueue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := &model.AuditRecord{
		ActionType: "ACCESS_PERSON",
		EventType:  "Access",
		Status:     "SUCCESS",
		Timestamp:  time.Now().UTC(),
		Context:    map[string]any{"path": "/api/person/1"},
	}
	id, err := db.EnqueueAudit(ctx, rec, "remote down")
	require.NoError(t, err)

	queued, err := db.PendingAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, id, queued[0].ID)
	assert.Equal(t, "ACCESS_PERSON", queued[0].Record.ActionType)
	assert.Equal(t, "remote down", queued[0].LastError)

	require.NoError(t, db.RecordAuditAttempt(ctx, id, "still down"))
	queued, err = db.PendingAudit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, queued[0].Attempts)

	require.NoError(t, db.DeleteAudit(ctx, id))
	queued, err = db.PendingAudit(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestCursor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c, err := db.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Version)
	assert.Nil(t, c.LastFullSync)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, err := db.BumpCursor(ctx, &now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	c, err = db.Cursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, c.LastFullSync)
	assert.True(t, now.Equal(*c.LastFullSync))
}

func TestExecuteAndFetchAll(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	n, err := db.Execute(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, "k", "v")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := db.FetchAll(ctx, `SELECT key, value, NULL AS missing FROM meta WHERE key = ?`, "k")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "v", rows[0]["value"])
	assert.Nil(t, rows[0]["missing"])
}

func TestOpenOrRebuild_HealthyFileIsKept(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := OpenOrRebuild(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, db.SetMeta(ctx, "marker", "kept"))
	require.NoError(t, db.Close())

	db, err = OpenOrRebuild(ctx, path, nil)
	require.NoError(t, err)
	defer db.Close()
	v, err := db.GetMeta(ctx, "marker")
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
}

func TestOpenOrRebuild_PreservesPendingRows(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	// An older, incompatible layout: programs lacks the columns the indexes
	// need, but outbox and audit_queue hold rows that must survive.
	raw, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(`
	CREATE TABLE programs (id TEXT PRIMARY KEY);
	CREATE TABLE outbox (
		local_id TEXT PRIMARY KEY, kind TEXT NOT NULL, payload TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0, remote_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0, last_error TEXT,
		created_at TEXT NOT NULL, synced_at TEXT
	);
	CREATE TABLE audit_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT, record TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0, last_error TEXT, enqueued_at TEXT NOT NULL
	);
	CREATE TABLE remote_identities (
		object_type TEXT NOT NULL, remote_id TEXT NOT NULL, local_id TEXT NOT NULL,
		recorded_at TEXT NOT NULL, PRIMARY KEY (object_type, remote_id)
	);`)
	require.NoError(t, err)

	pendingID := model.NewLocalID()
	created := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = raw.Exec(`INSERT INTO outbox (local_id, kind, payload, synced, attempts, created_at) VALUES (?, 'note', '{}', 0, 2, ?)`, pendingID, created)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO outbox (local_id, kind, payload, synced, created_at) VALUES (?, 'note', '{}', 1, ?)`, model.NewLocalID(), created)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO audit_queue (record, enqueued_at) VALUES (?, ?)`, `{"action_type":"SYNC_DATA","event_type":"Access","status":"SUCCESS","timestamp_utc":"2026-01-01T00:00:00Z"}`, created)
	require.NoError(t, err)
	participant := model.NewLocalID()
	_, err = raw.Exec(`INSERT INTO remote_identities (object_type, remote_id, local_id, recorded_at) VALUES ('account', 'A1', ?, ?)`, participant, created)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := OpenOrRebuild(ctx, path, nil)
	require.NoError(t, err)
	defer db.Close()

	pending, err := db.PendingOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the unsynced row is carried over")
	assert.Equal(t, pendingID, pending[0].LocalID)
	assert.Equal(t, 2, pending[0].Attempts)

	queued, err := db.PendingAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "SYNC_DATA", queued[0].Record.ActionType)

	// A1 keeps its local id, so notes referring to it can still push.
	got, found, err := db.LookupIdentity(ctx, "Account", "A1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, participant, got)
	remoteID, found, err := db.LookupRemoteID(ctx, "Account", participant)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "A1", remoteID)

	// The rebuilt file has the full schema.
	_, err = db.Counts()
	assert.NoError(t, err)
}

func TestOpenOrRebuild_GarbageFile(t *testing.T) {
	path := testDBPath(t)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 128), 0644))

	db, err := OpenOrRebuild(context.Background(), path, nil)
	require.NoError(t, err)
	defer db.Close()

	c, err := db.Counts()
	require.NoError(t, err)
	assert.Equal(t, Counts{}, c)
}
