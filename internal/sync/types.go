package sync

import (
	"errors"
	"fmt"
	"time"
)

// ErrSyncInProgress is returned when a full sync is already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// State is a position in the pull cycle.
type State string

const (
	StateIdle                 State = "idle"
	StateFetchingPrograms     State = "fetching_programs"
	StateFetchingEnrollments  State = "fetching_enrollments"
	StateFetchingParticipants State = "fetching_participants"
	StateFetchingBenefits     State = "fetching_benefits"
	StateUpserting            State = "upserting"
	StateFailed               State = "failed"
)

// Counts summarizes the cache after a cycle. Dropped counts rows skipped in
// that cycle for a missing parent.
type Counts struct {
	Programs           int `json:"programs"`
	Participants       int `json:"participants"`
	Enrollments        int `json:"enrollments"`
	BenefitAssignments int `json:"benefit_assignments"`
	Dropped            int `json:"dropped"`
	ActiveEnrollments  int `json:"active_enrollments"`
}

// Health values reported by Status.
const (
	HealthHealthy = "healthy"
	HealthError   = "error"
)

// SyncStatus is the payload of a status request.
type SyncStatus struct {
	Counts        Counts     `json:"counts"`
	PendingOutbox int        `json:"pending_outbox"`
	PendingAudit  int        `json:"pending_audit"`
	LastSyncTime  *time.Time `json:"last_sync_time"`
	CursorVersion int64      `json:"cursor_version"`
	State         State      `json:"state"`
	Health        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
}

// ReconciliationGap describes a child record whose parent was not resolved.
type ReconciliationGap struct {
	Entity   string // e.g. ProgramEnrollment
	RemoteID string
	Missing  string // e.g. "program P9"
}

func (g *ReconciliationGap) Error() string {
	return fmt.Sprintf("reconciliation gap: %s %s references unresolved %s", g.Entity, g.RemoteID, g.Missing)
}
