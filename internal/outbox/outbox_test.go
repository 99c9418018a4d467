package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tgthr/fieldsync/internal/cache"
	"github.com/tgthr/fieldsync/internal/model"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) FindByKey(ctx context.Context, objectType, keyField, key string) (string, bool, error) {
	args := m.Called(ctx, objectType, keyField, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockRemote) Create(ctx context.Context, objectType string, fields map[string]any) (string, error) {
	args := m.Called(ctx, objectType, fields)
	return args.String(0), args.Error(1)
}

func (m *mockRemote) CallProcedure(ctx context.Context, name string, payload any) (map[string]any, error) {
	args := m.Called(ctx, name, payload)
	out, _ := args.Get(0).(map[string]any)
	return out, args.Error(1)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setupTestDB(t *testing.T) *cache.DB {
	t.Helper()
	database, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return database
}

func noteItem(t *testing.T, p NotePayload) *model.OutboxItem {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &model.OutboxItem{Kind: model.KindNote, Payload: raw}
}

func TestSubmit_NotePushed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	r := &mockRemote{}

	var notified []Result
	p := New(db, r, Config{Notify: func(res Result) { notified = append(notified, res) }}, quietLogger())

	item := noteItem(t, NotePayload{Body: "checked in"})
	r.On("FindByKey", mock.Anything, DefaultNoteObject, DefaultKeyField, mock.AnythingOfType("string")).
		Return("", false, nil).Once()
	r.On("Create", mock.Anything, DefaultNoteObject, mock.MatchedBy(func(f map[string]any) bool {
		return f["MeetingNotes"] == "checked in" && f["Name"] == "Field note" && f[DefaultKeyField] != ""
	})).Return("IS1", nil).Once()

	res, err := p.Submit(ctx, item)
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Equal(t, "IS1", res.RemoteID)
	assert.Empty(t, res.Warning)
	assert.NotEmpty(t, item.LocalID, "Submit should assign a local id")

	stored, err := db.GetOutboxItem(ctx, item.LocalID)
	require.NoError(t, err)
	assert.True(t, stored.Synced)
	assert.Equal(t, "IS1", stored.RemoteID)
	require.NotNil(t, stored.SyncedAt)

	require.Len(t, notified, 1)
	assert.Equal(t, res, notified[0])
	r.AssertExpectations(t)
}

func TestSubmit_IdempotentWhenRemoteAlreadyHasRecord(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	r := &mockRemote{}
	p := New(db, r, Config{}, quietLogger())

	item := noteItem(t, NotePayload{Body: "x"})
	item.LocalID = model.NewLocalID()

	// The acknowledgement of an earlier create was lost.
	r.On("FindByKey", mock.Anything, DefaultNoteObject, DefaultKeyField, item.LocalID).
		Return("IS-EXISTING", true, nil).Once()

	res, err := p.Submit(ctx, item)
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Equal(t, "IS-EXISTING", res.RemoteID)
	r.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	r.AssertExpectations(t)
}

func TestSubmit_FailureThenRetry(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	r := &mockRemote{}
	p := New(db, r, Config{}, quietLogger())

	item := noteItem(t, NotePayload{Body: "offline"})

	r.On("FindByKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", false, errors.New("network unreachable")).Once()

	res, err := p.Submit(ctx, item)
	require.NoError(t, err, "remote failure must not surface as an error")
	assert.False(t, res.Synced)
	assert.Contains(t, res.Warning, "network unreachable")

	stored, err := db.GetOutboxItem(ctx, item.LocalID)
	require.NoError(t, err)
	assert.False(t, stored.Synced)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "network unreachable")

	r.On("FindByKey", mock.Anything, mock.Anything, mock.Anything, item.LocalID).
		Return("", false, nil).Once()
	r.On("Create", mock.Anything, DefaultNoteObject, mock.Anything).Return("IS2", nil).Once()

	sum, err := p.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 0, sum.Failed)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, "IS2", sum.Results[0].RemoteID)

	pending, err := db.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Nothing left to push.
	sum, err = p.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Attempted)
	r.AssertExpectations(t)
}

func TestSubmit_ResubmitSyncedItemIsNoop(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	r := &mockRemote{}
	p := New(db, r, Config{}, quietLogger())

	item := noteItem(t, NotePayload{Body: "once"})
	r.On("FindByKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", false, nil).Once()
	r.On("Create", mock.Anything, mock.Anything, mock.Anything).Return("IS3", nil).Once()

	_, err := p.Submit(ctx, item)
	require.NoError(t, err)

	again, err := p.Submit(ctx, item)
	require.NoError(t, err)
	assert.True(t, again.Synced)
	assert.Equal(t, "IS3", again.RemoteID)
	r.AssertNumberOfCalls(t, "Create", 1)
}

func TestSubmit_NoteResolvesParticipant(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	r := &mockRemote{}
	p := New(db, r, Config{}, quietLogger())

	participant := model.NewLocalID()
	item := noteItem(t, NotePayload{ParticipantRef: participant, Subject: "Visit", Body: "b"})

	r.On("FindByKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", false, nil)

	// Unknown participant: the note waits.
	res, err := p.Submit(ctx, item)
	require.NoError(t, err)
	assert.False(t, res.Synced)
	assert.Contains(t, res.Warning, participant)

	require.NoError(t, db.RecordIdentity(ctx, "Account", "A7", participant))
	r.On("Create", mock.Anything, DefaultNoteObject, mock.MatchedBy(func(f map[string]any) bool {
		return f["AccountId"] == "A7" && f["Name"] == "Visit"
	})).Return("IS4", nil).Once()

	sum, err := p.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)
	r.AssertExpectations(t)
}

func TestSubmit_Composite(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	r := &mockRemote{}
	p := New(db, r, Config{}, quietLogger())

	item := &model.OutboxItem{
		Kind:    model.KindEncounter,
		Payload: json.RawMessage(`{"participant":{"firstName":"Jo"},"services":[{"code":"MEAL"}]}`),
	}

	r.On("FindByKey", mock.Anything, DefaultNoteObject, DefaultKeyField, mock.Anything).Return("", false, nil)
	r.On("CallProcedure", mock.Anything, DefaultProcedure, mock.MatchedBy(func(v any) bool {
		m, ok := v.(map[string]any)
		return ok && m["encounterUuid"] != "" && m["kind"] == "encounter" && m["services"] != nil
	})).Return(map[string]any{"success": false, "message": "validation failed"}, nil).Once()

	res, err := p.Submit(ctx, item)
	require.NoError(t, err)
	assert.False(t, res.Synced)
	assert.Contains(t, res.Warning, "validation failed")

	r.On("CallProcedure", mock.Anything, DefaultProcedure, mock.Anything).
		Return(map[string]any{"success": true, "enrollmentId": "E5", "interactionSummaryId": "IS5"}, nil).Once()

	sum, err := p.RetryPending(ctx)
	require.NoError(t, err)
	require.Len(t, sum.Results, 1)
	assert.True(t, sum.Results[0].Synced)
	assert.Equal(t, "IS5", sum.Results[0].RemoteID)
	r.AssertExpectations(t)
}

func TestSubmit_IntakeKeepsDerivedIDs(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	r := &mockRemote{}
	p := New(db, r, Config{}, quietLogger())

	person := model.NewLocalID()
	intake := &model.OutboxItem{
		Kind:    model.KindIntake,
		Payload: json.RawMessage(`{"personUuid":"` + person + `","participant":{"firstName":"Jo"}}`),
	}
	r.On("FindByKey", mock.Anything, mock.Anything, DefaultKeyField, mock.Anything).Return("", false, nil)
	r.On("CallProcedure", mock.Anything, DefaultProcedure, mock.Anything).Return(map[string]any{
		"success":              true,
		"accountId":            "001NEW",
		"enrollmentId":         "E9",
		"interactionSummaryId": "IS9",
		"taskId":               "T9",
		"benefitAssignmentIds": []any{"B1", "B2"},
	}, nil).Once()

	res, err := p.Submit(ctx, intake)
	require.NoError(t, err)
	require.True(t, res.Synced)
	assert.Equal(t, "IS9", res.RemoteID)
	want := &model.DerivedIDs{
		InteractionSummaryID: "IS9",
		AccountID:            "001NEW",
		EnrollmentID:         "E9",
		TaskID:               "T9",
		BenefitAssignmentIDs: []string{"B1", "B2"},
	}
	assert.Equal(t, want, res.DerivedIDs)

	stored, err := p.Get(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, want, stored.DerivedIDs)

	// A note about the new participant pushes without waiting for a pull.
	r.On("Create", mock.Anything, DefaultNoteObject, mock.MatchedBy(func(f map[string]any) bool {
		return f["AccountId"] == "001NEW"
	})).Return("IS10", nil).Once()
	note, err := p.Submit(ctx, noteItem(t, NotePayload{ParticipantRef: person, Body: "follow-up"}))
	require.NoError(t, err)
	assert.True(t, note.Synced)
	r.AssertExpectations(t)
}

func TestPushComposite_NoRecordID(t *testing.T) {
	db := setupTestDB(t)
	r := &mockRemote{}
	p := New(db, r, Config{}, quietLogger())

	r.On("CallProcedure", mock.Anything, DefaultProcedure, mock.Anything).
		Return(map[string]any{"success": true}, nil)

	_, _, err := p.pushComposite(context.Background(), &model.OutboxItem{
		LocalID: model.NewLocalID(),
		Kind:    model.KindIntake,
		Payload: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned no record id")
}

func TestSubmit_InvalidItemIsStorageError(t *testing.T) {
	db := setupTestDB(t)
	p := New(db, &mockRemote{}, Config{}, quietLogger())

	_, err := p.Submit(context.Background(), &model.OutboxItem{Kind: "fax", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
}

func TestGet(t *testing.T) {
	db := setupTestDB(t)
	p := New(db, &mockRemote{}, Config{}, quietLogger())

	item, err := p.Get(context.Background(), model.NewLocalID())
	require.NoError(t, err)
	assert.Nil(t, item)
}
