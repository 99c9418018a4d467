// Package outbox pushes locally originated records to the remote system.
//
// Every item is written to the local cache first. A push attempt follows
// immediately; if it fails the item stays unsynced and RetryPending picks it
// up later. Pushes are idempotent: before creating anything the remote is
// searched for a record already carrying the item's local id in its
// reconciliation key, so a retry after a lost acknowledgement never creates a
// duplicate.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/cache"
	"github.com/tgthr/fieldsync/internal/metrics"
	"github.com/tgthr/fieldsync/internal/model"
)

const (
	// DefaultNoteObject is the remote type a note becomes.
	DefaultNoteObject = "InteractionSummary"

	// DefaultProcedure ingests an encounter or intake with all dependent
	// records in one request.
	DefaultProcedure = "ProgramEnrollmentService/ingestEncounter"

	// DefaultKeyField holds the local id on the remote record.
	DefaultKeyField = "UUID__c"

	participantObject = "Account"
)

// Remote is the subset of the remote client the outbox needs.
type Remote interface {
	FindByKey(ctx context.Context, objectType, keyField, key string) (string, bool, error)
	Create(ctx context.Context, objectType string, fields map[string]any) (string, error)
	CallProcedure(ctx context.Context, name string, payload any) (map[string]any, error)
}

// Config controls pushing.
type Config struct {
	NoteObject string
	Procedure  string
	KeyField   string

	// CompositeKeyObject is searched for an existing record before the
	// composite procedure is called. The procedure stamps the encounter's
	// local id on the interaction summary it creates. Defaults to NoteObject.
	CompositeKeyObject string

	Metrics *metrics.Metrics

	// Notify, if set, is called after every push attempt.
	Notify func(Result)
}

// Result is the outcome of submitting or retrying one item.
type Result struct {
	LocalID    string            `json:"local_id"`
	RemoteID   string            `json:"remote_id,omitempty"`
	Synced     bool              `json:"synced"`
	Warning    string            `json:"warning,omitempty"`
	DerivedIDs *model.DerivedIDs `json:"derived_ids,omitempty"`
}

// RetrySummary is the outcome of RetryPending.
type RetrySummary struct {
	Attempted int      `json:"attempted"`
	Synced    int      `json:"synced"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// NotePayload is the payload of a KindNote item.
type NotePayload struct {
	ParticipantRef string `json:"participant_ref,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body"`
	OccurredAt     string `json:"occurred_at,omitempty"`
}

// Pusher submits and retries outbox items.
type Pusher struct {
	db     *cache.DB
	remote Remote
	cfg    Config
	logger logrus.FieldLogger

	// pushMu serializes pushes so Submit and RetryPending never race on
	// the same item.
	pushMu sync.Mutex
}

// New creates a Pusher. If logger is nil, the standard logrus logger is used.
func New(database *cache.DB, r Remote, cfg Config, logger logrus.FieldLogger) *Pusher {
	if cfg.NoteObject == "" {
		cfg.NoteObject = DefaultNoteObject
	}
	if cfg.Procedure == "" {
		cfg.Procedure = DefaultProcedure
	}
	if cfg.KeyField == "" {
		cfg.KeyField = DefaultKeyField
	}
	if cfg.CompositeKeyObject == "" {
		cfg.CompositeKeyObject = cfg.NoteObject
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "outbox")
	}
	return &Pusher{db: database, remote: r, cfg: cfg, logger: logger}
}

// Submit stores item locally and attempts to push it.
//
// The only error returned is a local storage failure. A remote failure
// yields Result{Synced: false, Warning: ...} and the item waits for
// RetryPending.
func (p *Pusher) Submit(ctx context.Context, item *model.OutboxItem) (Result, error) {
	if item.LocalID == "" {
		item.LocalID = model.NewLocalID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := p.db.InsertOutboxItem(ctx, item); err != nil {
		return Result{LocalID: item.LocalID}, err
	}
	return p.attempt(ctx, item.LocalID)
}

// RetryPending re-attempts every unsynced item, oldest first.
func (p *Pusher) RetryPending(ctx context.Context) (RetrySummary, error) {
	var sum RetrySummary

	pending, err := p.db.PendingOutbox(ctx)
	if err != nil {
		return sum, err
	}

	for _, item := range pending {
		res, err := p.attempt(ctx, item.LocalID)
		if err != nil {
			return sum, err
		}
		sum.Attempted++
		if res.Synced {
			sum.Synced++
		} else {
			sum.Failed++
		}
		sum.Results = append(sum.Results, res)
	}

	p.cfg.Metrics.SetOutboxPending(sum.Failed)
	if sum.Attempted > 0 {
		p.logger.WithFields(logrus.Fields{
			"attempted": sum.Attempted,
			"synced":    sum.Synced,
			"failed":    sum.Failed,
		}).Info("outbox retry complete")
	}
	return sum, nil
}

// attempt pushes one stored item unless it is already synced.
func (p *Pusher) attempt(ctx context.Context, localID string) (Result, error) {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	item, err := p.db.GetOutboxItem(ctx, localID)
	if err != nil {
		return Result{LocalID: localID}, err
	}
	if item.Synced {
		return Result{LocalID: localID, RemoteID: item.RemoteID, Synced: true, DerivedIDs: item.DerivedIDs}, nil
	}

	log := p.logger.WithFields(logrus.Fields{"local_id": localID, "kind": item.Kind})

	remoteID, derived, pushErr := p.push(ctx, item)
	p.cfg.Metrics.ObservePush(string(item.Kind), pushErr == nil)

	var res Result
	if pushErr != nil {
		log.WithError(pushErr).Warn("push failed, will retry")
		if err := p.db.RecordOutboxAttempt(ctx, localID, pushErr.Error()); err != nil {
			return Result{LocalID: localID}, err
		}
		res = Result{LocalID: localID, Synced: false, Warning: pushErr.Error()}
	} else {
		if err := p.db.MarkOutboxSynced(ctx, localID, remoteID, derived, time.Now()); err != nil {
			return Result{LocalID: localID, RemoteID: remoteID}, err
		}
		p.recordParticipant(ctx, item, derived, log)
		log.WithField("remote_id", remoteID).Info("pushed")
		res = Result{LocalID: localID, RemoteID: remoteID, Synced: true, DerivedIDs: derived}
	}

	if p.cfg.Notify != nil {
		p.cfg.Notify(res)
	}
	return res, nil
}

func (p *Pusher) push(ctx context.Context, item *model.OutboxItem) (string, *model.DerivedIDs, error) {
	keyObject := p.cfg.NoteObject
	if item.Kind.IsComposite() {
		keyObject = p.cfg.CompositeKeyObject
	}

	existing, found, err := p.remote.FindByKey(ctx, keyObject, p.cfg.KeyField, item.LocalID)
	if err != nil {
		return "", nil, err
	}
	if found {
		p.logger.WithFields(logrus.Fields{
			"local_id":  item.LocalID,
			"remote_id": existing,
		}).Info("remote record already exists, not re-creating")
		return existing, nil, nil
	}

	if item.Kind.IsComposite() {
		return p.pushComposite(ctx, item)
	}
	id, err := p.pushNote(ctx, item)
	return id, nil, err
}

func (p *Pusher) pushNote(ctx context.Context, item *model.OutboxItem) (string, error) {
	var note NotePayload
	if err := json.Unmarshal(item.Payload, &note); err != nil {
		return "", fmt.Errorf("invalid note payload: %w", err)
	}

	fields := map[string]any{
		p.cfg.KeyField: item.LocalID,
		"Name":         note.Subject,
		"MeetingNotes": note.Body,
	}
	if fields["Name"] == "" {
		fields["Name"] = "Field note"
	}
	if note.OccurredAt != "" {
		fields["StartDate"] = note.OccurredAt
	}

	if note.ParticipantRef != "" {
		accountID, ok, err := p.db.LookupRemoteID(ctx, participantObject, note.ParticipantRef)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("participant %s has no remote counterpart yet", note.ParticipantRef)
		}
		fields["AccountId"] = accountID
	}

	return p.remote.Create(ctx, p.cfg.NoteObject, fields)
}

// pushComposite sends the whole payload as one procedure call. Anything but
// an explicit success is a total failure; a retry re-sends everything.
func (p *Pusher) pushComposite(ctx context.Context, item *model.OutboxItem) (string, *model.DerivedIDs, error) {
	payload := map[string]any{}
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return "", nil, fmt.Errorf("invalid %s payload: %w", item.Kind, err)
	}
	payload["encounterUuid"] = item.LocalID
	payload["kind"] = string(item.Kind)

	out, err := p.remote.CallProcedure(ctx, p.cfg.Procedure, payload)
	if err != nil {
		return "", nil, err
	}
	if ok, _ := out["success"].(bool); !ok {
		msg, _ := out["message"].(string)
		if msg == "" {
			msg = "no success flag in response"
		}
		return "", nil, fmt.Errorf("%s reported failure: %s", p.cfg.Procedure, msg)
	}

	derived := derivedIDs(out)
	for _, id := range []string{derived.InteractionSummaryID, derived.EnrollmentID, derived.AccountID} {
		if id != "" {
			return id, derived, nil
		}
	}
	return "", nil, errors.New(p.cfg.Procedure + " returned no record id")
}

// derivedIDs collects the ids a composite procedure response carries.
func derivedIDs(out map[string]any) *model.DerivedIDs {
	str := func(k string) string {
		v, _ := out[k].(string)
		return strings.TrimSpace(v)
	}
	d := &model.DerivedIDs{
		InteractionSummaryID: str("interactionSummaryId"),
		AccountID:            str("accountId"),
		EnrollmentID:         str("enrollmentId"),
		TaskID:               str("taskId"),
	}
	if list, ok := out["benefitAssignmentIds"].([]any); ok {
		for _, v := range list {
			if id, _ := v.(string); strings.TrimSpace(id) != "" {
				d.BenefitAssignmentIDs = append(d.BenefitAssignmentIDs, strings.TrimSpace(id))
			}
		}
	}
	return d
}

// recordParticipant maps the person account a composite push created to the
// payload's personUuid, so notes about that participant can push before the
// next pull. A failure here does not undo the acknowledged push.
func (p *Pusher) recordParticipant(ctx context.Context, item *model.OutboxItem, derived *model.DerivedIDs, log logrus.FieldLogger) {
	if derived == nil || derived.AccountID == "" {
		return
	}
	var body struct {
		PersonUUID string `json:"personUuid"`
	}
	if err := json.Unmarshal(item.Payload, &body); err != nil || body.PersonUUID == "" {
		return
	}
	if _, err := uuid.Parse(body.PersonUUID); err != nil {
		log.WithField("person_uuid", body.PersonUUID).Warn("personUuid is not a UUID, not recording participant identity")
		return
	}
	if err := p.db.RecordIdentity(ctx, participantObject, derived.AccountID, body.PersonUUID); err != nil {
		log.WithError(err).Warn("failed to record participant identity")
	}
}

// Get returns a stored item, or nil if the local id is unknown.
func (p *Pusher) Get(ctx context.Context, localID string) (*model.OutboxItem, error) {
	item, err := p.db.GetOutboxItem(ctx, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}
