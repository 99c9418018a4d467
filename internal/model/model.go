// Package model provides the entities mirrored between the remote system of
// record and the local cache, plus the locally originated records that wait
// in the outbox for push.
//
// Every mirrored entity carries two identifiers:
//   - LocalID: a UUID assigned exactly once, at first local observation
//   - RemoteID: the identifier assigned by the remote system, empty until a
//     remote counterpart exists and never cleared afterwards
//
// References between entities (Enrollment.ProgramRef and friends) always hold
// LocalIDs so that local joins stay stable across resyncs.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Program is a service program offered by the organisation.
type Program struct {
	LocalID      string `json:"local_id"`
	RemoteID     string `json:"remote_id,omitempty"`
	Name         string `json:"name"`
	LastModified string `json:"last_modified,omitempty"`
}

// Validate checks if the Program has valid field values.
func (p *Program) Validate() error {
	if err := validateLocalID(p.LocalID); err != nil {
		return err
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Participant is a person receiving services.
type Participant struct {
	LocalID       string `json:"local_id"`
	RemoteID      string `json:"remote_id,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	PreferredName string `json:"preferred_name,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	DateOfBirth   string `json:"date_of_birth,omitempty"` // YYYY-MM-DD
	LastModified  string `json:"last_modified,omitempty"`
}

// Validate checks if the Participant has valid field values.
func (p *Participant) Validate() error {
	return validateLocalID(p.LocalID)
}

// Enrollment links a Participant to a Program.
type Enrollment struct {
	LocalID        string `json:"local_id"`
	RemoteID       string `json:"remote_id,omitempty"`
	ProgramRef     string `json:"program_ref"`     // Program.LocalID
	ParticipantRef string `json:"participant_ref"` // Participant.LocalID
	StartDate      string `json:"start_date,omitempty"`
	EndDate        string `json:"end_date,omitempty"` // empty = open ended
	Status         string `json:"status,omitempty"`
	EnteredHMIS    bool   `json:"entered_hmis"`
	ExitedHMIS     bool   `json:"exited_hmis"`
	LastModified   string `json:"last_modified,omitempty"`
}

// Validate checks if the Enrollment has valid field values.
func (e *Enrollment) Validate() error {
	if err := validateLocalID(e.LocalID); err != nil {
		return err
	}
	if e.ProgramRef == "" {
		return fmt.Errorf("program_ref is required")
	}
	if e.ParticipantRef == "" {
		return fmt.Errorf("participant_ref is required")
	}
	return nil
}

// BenefitAssignment is a benefit attached to an Enrollment.
type BenefitAssignment struct {
	LocalID       string  `json:"local_id"`
	RemoteID      string  `json:"remote_id,omitempty"`
	EnrollmentRef string  `json:"enrollment_ref"` // Enrollment.LocalID
	Name          string  `json:"name,omitempty"`
	Status        string  `json:"status,omitempty"`
	Frequency     string  `json:"frequency,omitempty"`
	Amount        float64 `json:"amount"`
	Balance       float64 `json:"balance"`
	LastModified  string  `json:"last_modified,omitempty"`
}

// Validate checks if the BenefitAssignment has valid field values.
func (b *BenefitAssignment) Validate() error {
	if err := validateLocalID(b.LocalID); err != nil {
		return err
	}
	if b.EnrollmentRef == "" {
		return fmt.Errorf("enrollment_ref is required")
	}
	return nil
}

// OutboxKind identifies what a locally originated record turns into remotely.
type OutboxKind string

const (
	// KindNote is a free text note, pushed as a single remote record.
	KindNote OutboxKind = "note"

	// KindEncounter is a field encounter, pushed through the composite procedure.
	KindEncounter OutboxKind = "encounter"

	// KindIntake is a full intake, pushed through the composite procedure.
	KindIntake OutboxKind = "intake"
)

// IsComposite reports whether items of this kind are pushed as one request
// to the remote composite procedure.
func (k OutboxKind) IsComposite() bool {
	return k == KindEncounter || k == KindIntake
}

// Valid reports whether k is a known kind.
func (k OutboxKind) Valid() bool {
	switch k {
	case KindNote, KindEncounter, KindIntake:
		return true
	}
	return false
}

// OutboxItem is a locally originated record awaiting push.
//
// Synced flips to true only after a confirmed remote acknowledgement.
type OutboxItem struct {
	LocalID   string          `json:"local_id"`
	Kind      OutboxKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Synced    bool            `json:"synced"`
	RemoteID  string          `json:"remote_id,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SyncedAt  *time.Time      `json:"synced_at,omitempty"`

	// DerivedIDs lists every remote record a composite push created.
	DerivedIDs *DerivedIDs `json:"derived_ids,omitempty"`
}

// DerivedIDs are the remote ids returned by the composite procedure.
type DerivedIDs struct {
	InteractionSummaryID string   `json:"interactionSummaryId,omitempty"`
	AccountID            string   `json:"accountId,omitempty"`
	EnrollmentID         string   `json:"enrollmentId,omitempty"`
	TaskID               string   `json:"taskId,omitempty"`
	BenefitAssignmentIDs []string `json:"benefitAssignmentIds,omitempty"`
}

// Empty reports whether no id is set.
func (d *DerivedIDs) Empty() bool {
	return d == nil || (d.InteractionSummaryID == "" && d.AccountID == "" &&
		d.EnrollmentID == "" && d.TaskID == "" && len(d.BenefitAssignmentIDs) == 0)
}

// Validate checks if the OutboxItem has valid field values.
func (o *OutboxItem) Validate() error {
	if err := validateLocalID(o.LocalID); err != nil {
		return err
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("unknown outbox kind %q", o.Kind)
	}
	if len(o.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(o.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// AuditRecord is a write-once compliance record for a protected-data access.
type AuditRecord struct {
	ActionType          string         `json:"action_type"`
	EntityRef           string         `json:"entity_ref,omitempty"`
	UserRef             string         `json:"user_ref,omitempty"`
	EventType           string         `json:"event_type"`
	SourceIP            string         `json:"source_ip,omitempty"`
	Status              string         `json:"status"`
	Timestamp           time.Time      `json:"timestamp_utc"`
	Description         string         `json:"description,omitempty"`
	Application         string         `json:"application,omitempty"`
	ComplianceReference string         `json:"compliance_reference,omitempty"`
	Context             map[string]any `json:"context,omitempty"` // already redacted
}

// SyncCursor is the single-row bookkeeping record for pull and push.
type SyncCursor struct {
	Version      int64      `json:"version"`
	LastFullSync *time.Time `json:"last_full_sync,omitempty"`
}

// NewLocalID returns a fresh local identifier.
func NewLocalID() string {
	return uuid.NewString()
}

func validateLocalID(id string) error {
	if id == "" {
		return fmt.Errorf("local_id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("local_id %q is not a UUID: %w", id, err)
	}
	return nil
}
