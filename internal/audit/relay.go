// Package audit records every protected-data access in the remote audit
// trail.
//
// A Relay classifies a request, builds a redacted AuditRecord and writes it
// to the remote audit object. Delivery failures never reach the caller: the
// record is parked in the local audit queue and Drain re-sends it later. If
// even the queue write fails, the record is logged at error level so it can
// be recovered from the log stream.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/cache"
	"github.com/tgthr/fieldsync/internal/metrics"
	"github.com/tgthr/fieldsync/internal/model"
)

const (
	// DefaultObject is the remote audit object type.
	DefaultObject = "Audit_Log__c"

	// DefaultApplication tags records written by this service.
	DefaultApplication = "PWA"

	// DefaultDrainBatch bounds how many queued records one Drain sends.
	DefaultDrainBatch = 100
)

// Remote field length limits.
const (
	maxShortField   = 255
	maxDescription  = 32768
	maxAuditJSON    = 131000
	personAccountID = "001"
)

// Creator writes one remote record.
type Creator interface {
	Create(ctx context.Context, objectType string, fields map[string]any) (string, error)
}

// Queue is the durable local store for undelivered records.
type Queue interface {
	EnqueueAudit(ctx context.Context, rec *model.AuditRecord, cause string) (int64, error)
	PendingAudit(ctx context.Context, limit int) ([]*cache.QueuedAudit, error)
	DeleteAudit(ctx context.Context, id int64) error
	RecordAuditAttempt(ctx context.Context, id int64, lastError string) error
}

// Delivery reports what happened to one audit record.
type Delivery string

const (
	Skipped   Delivery = "skipped"
	Delivered Delivery = "delivered"
	Queued    Delivery = "queued"
	Lost      Delivery = "lost"
)

// WriteFailure is a failed remote audit write. It is logged, never returned
// to the caller of RecordAccess.
type WriteFailure struct {
	ActionType string
	Err        error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("audit write for %s failed: %v", e.ActionType, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// AccessContext describes one protected-data operation.
type AccessContext struct {
	Method     string
	Path       string
	UserRef    string
	EntityRefs []string
	SourceIP   string
	RequestID  string
	Query      map[string]string
	Extra      map[string]any
}

// Outcome is the result of the operation being audited.
type Outcome struct {
	Status   int
	Duration time.Duration
	Error    string
}

// Config controls a Relay.
type Config struct {
	Object      string
	Application string
	DrainBatch  int
	Classifier  *Classifier
	Redactor    Redactor
	Metrics     *metrics.Metrics

	// OnQueued, if set, is called when a record falls back to the queue.
	OnQueued func(*model.AuditRecord)
}

// DrainSummary is the outcome of Drain.
type DrainSummary struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Remaining int `json:"remaining"`
}

// Relay writes audit records.
type Relay struct {
	remote Creator
	queue  Queue
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time
}

// New creates a Relay. If logger is nil, the standard logrus logger is used.
func New(remote Creator, queue Queue, cfg Config, logger logrus.FieldLogger) *Relay {
	if cfg.Object == "" {
		cfg.Object = DefaultObject
	}
	if cfg.Application == "" {
		cfg.Application = DefaultApplication
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(DefaultRules())
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "audit")
	}
	return &Relay{remote: remote, queue: queue, cfg: cfg, logger: logger, now: time.Now}
}

// Classifier returns the classifier in use.
func (r *Relay) Classifier() *Classifier {
	return r.cfg.Classifier
}

// RecordAccess audits one operation. It never fails from the caller's point
// of view; the returned Delivery is informational.
func (r *Relay) RecordAccess(ctx context.Context, ac AccessContext, out Outcome) Delivery {
	action, ok := r.cfg.Classifier.Classify(ac.Method, ac.Path)
	if !ok {
		return Skipped
	}

	rec := r.build(action, ac, out)
	d := r.deliver(context.WithoutCancel(ctx), rec)
	r.cfg.Metrics.ObserveAudit(string(d))
	return d
}

// Record audits an operation that did not come through HTTP, such as a sync
// cycle started from the CLI. Classification is skipped.
func (r *Relay) Record(ctx context.Context, rec *model.AuditRecord) Delivery {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	if rec.Application == "" {
		rec.Application = r.cfg.Application
	}
	rec.Context = r.cfg.Redactor.RedactMap(rec.Context)
	d := r.deliver(context.WithoutCancel(ctx), rec)
	r.cfg.Metrics.ObserveAudit(string(d))
	return d
}

func (r *Relay) build(action string, ac AccessContext, out Outcome) *model.AuditRecord {
	ms := float64(out.Duration.Microseconds()) / 1000

	details := fmt.Sprintf("%s %s - %s (%d)", ac.Method, ac.Path, StatusText(out.Status), out.Status)
	if len(ac.EntityRefs) > 0 {
		details += fmt.Sprintf(" - %d entities accessed", len(ac.EntityRefs))
	}
	details += fmt.Sprintf(" - %.0fms", ms)

	entities := ac.EntityRefs
	if entities == nil {
		entities = []string{}
	}
	structured := map[string]any{
		"request_id":        ac.RequestID,
		"method":            ac.Method,
		"path":              ac.Path,
		"status_code":       out.Status,
		"duration_ms":       float64(int64(ms*100+0.5)) / 100,
		"entity_count":      len(ac.EntityRefs),
		"entities_accessed": entities,
	}
	if len(ac.Query) > 0 {
		structured["query_params"] = ac.Query
	}
	if out.Error != "" {
		structured["error"] = out.Error
		structured["error_type"] = "FAILED_ACCESS_ATTEMPT"
	}
	for k, v := range ac.Extra {
		if _, taken := structured[k]; !taken {
			structured[k] = v
		}
	}

	rec := &model.AuditRecord{
		ActionType:          action,
		UserRef:             ac.UserRef,
		EventType:           EventType(out.Status),
		SourceIP:            ac.SourceIP,
		Status:              StatusText(out.Status),
		Timestamp:           r.now().UTC(),
		Description:         details,
		Application:         r.cfg.Application,
		ComplianceReference: ac.RequestID,
		Context:             r.cfg.Redactor.RedactMap(structured),
	}
	if len(ac.EntityRefs) > 0 {
		rec.EntityRef = ac.EntityRefs[0]
	}
	return rec
}

func (r *Relay) deliver(ctx context.Context, rec *model.AuditRecord) Delivery {
	err := r.send(ctx, rec)
	if err == nil {
		return Delivered
	}

	log := r.logger.WithFields(logrus.Fields{
		"action": rec.ActionType,
		"entity": rec.EntityRef,
	})
	log.WithError(err).Warn("audit write failed, queueing locally")

	if r.queue == nil {
		r.logLost(rec, err)
		return Lost
	}
	if _, qerr := r.queue.EnqueueAudit(ctx, rec, err.Error()); qerr != nil {
		r.logLost(rec, qerr)
		return Lost
	}
	if r.cfg.OnQueued != nil {
		r.cfg.OnQueued(rec)
	}
	return Queued
}

// logLost writes the whole record to the log, the last place it can survive.
func (r *Relay) logLost(rec *model.AuditRecord, err error) {
	data, _ := json.Marshal(rec)
	r.logger.WithError(err).WithField("record", string(data)).Error("audit record could not be delivered or queued")
}

func (r *Relay) send(ctx context.Context, rec *model.AuditRecord) error {
	if r.remote == nil {
		return &WriteFailure{ActionType: rec.ActionType, Err: fmt.Errorf("no remote configured")}
	}
	if _, err := r.remote.Create(ctx, r.cfg.Object, RemoteFields(rec)); err != nil {
		return &WriteFailure{ActionType: rec.ActionType, Err: err}
	}
	return nil
}

// Drain re-sends queued records, oldest first. It stops at the first
// failure, since the remote is most likely still unavailable.
func (r *Relay) Drain(ctx context.Context) (DrainSummary, error) {
	var sum DrainSummary
	if r.queue == nil {
		return sum, nil
	}

	pending, err := r.queue.PendingAudit(ctx, r.cfg.DrainBatch)
	if err != nil {
		return sum, err
	}

	for _, q := range pending {
		sum.Attempted++
		if err := r.send(ctx, &q.Record); err != nil {
			r.logger.WithError(err).WithField("queue_id", q.ID).Warn("audit redelivery failed")
			if aerr := r.queue.RecordAuditAttempt(ctx, q.ID, err.Error()); aerr != nil {
				return sum, aerr
			}
			break
		}
		if err := r.queue.DeleteAudit(ctx, q.ID); err != nil {
			return sum, err
		}
		sum.Delivered++
		r.cfg.Metrics.ObserveAudit("redelivered")
	}

	rest, err := r.queue.PendingAudit(ctx, 0)
	if err != nil {
		return sum, err
	}
	sum.Remaining = len(rest)
	r.cfg.Metrics.SetAuditQueueDepth(sum.Remaining)

	if sum.Attempted > 0 {
		r.logger.WithFields(logrus.Fields{
			"delivered": sum.Delivered,
			"remaining": sum.Remaining,
		}).Info("audit queue drained")
	}
	return sum, nil
}

// RemoteFields maps an audit record to the remote object's fields.
func RemoteFields(rec *model.AuditRecord) map[string]any {
	action := rec.ActionType
	if action == "" {
		action = "UNKNOWN"
	}
	fields := map[string]any{
		"Action__c":                 truncate(action, maxShortField),
		"Description__c":            truncate(rec.Description, maxDescription),
		"Application__c":            truncate(rec.Application, maxShortField),
		"Created_by_Integration__c": true,
		"Timestamp__c":              rec.Timestamp.UTC().Format(time.RFC3339),
	}

	if rec.EntityRef != "" {
		if strings.HasPrefix(rec.EntityRef, personAccountID) {
			fields["Record_Id__c"] = rec.EntityRef
		} else {
			fields["UUID__c"] = rec.EntityRef
		}
	}
	if rec.UserRef != "" {
		fields["User__c"] = rec.UserRef
	}
	if rec.EventType != "" {
		fields["Event_Type__c"] = truncate(rec.EventType, maxShortField)
	}
	if rec.SourceIP != "" {
		fields["Source_IP__c"] = truncate(rec.SourceIP, maxShortField)
	}
	if rec.ComplianceReference != "" {
		fields["Compliance_Reference__c"] = truncate(rec.ComplianceReference, maxShortField)
	}
	if rec.Status != "" {
		fields["Status__c"] = truncate(rec.Status, maxShortField)
	}
	if len(rec.Context) > 0 {
		data, err := json.Marshal(rec.Context)
		if err != nil {
			data = []byte(`{"error":"serialization_failed"}`)
		}
		fields["Audit_JSON__c"] = truncate(string(data), maxAuditJSON)
	}
	return fields
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
