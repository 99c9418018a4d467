package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tgthr/fieldsync/internal/model"
)

// UpsertProgram inserts or replaces a program by local id.
//
// A previously known remote id is never cleared by an upsert that lacks one.
func (db *DB) UpsertProgram(ctx context.Context, p *model.Program) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid program: %w", err)
	}

	query := `
	INSERT INTO programs (local_id, remote_id, name, last_modified)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		remote_id = COALESCE(excluded.remote_id, remote_id),
		name = excluded.name,
		last_modified = excluded.last_modified
	`
	_, err := db.conn.ExecContext(ctx, query,
		p.LocalID, optString(p.RemoteID), p.Name, optString(p.LastModified))
	if err != nil {
		return fmt.Errorf("failed to upsert program %s: %w", p.LocalID, err)
	}
	return nil
}

// UpsertParticipant inserts or replaces a participant by local id.
func (db *DB) UpsertParticipant(ctx context.Context, p *model.Participant) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid participant: %w", err)
	}

	query := `
	INSERT INTO participants (
		local_id, remote_id, first_name, last_name, preferred_name,
		email, phone, date_of_birth, last_modified
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		remote_id = COALESCE(excluded.remote_id, remote_id),
		first_name = excluded.first_name,
		last_name = excluded.last_name,
		preferred_name = excluded.preferred_name,
		email = excluded.email,
		phone = excluded.phone,
		date_of_birth = excluded.date_of_birth,
		last_modified = excluded.last_modified
	`
	_, err := db.conn.ExecContext(ctx, query,
		p.LocalID,
		optString(p.RemoteID),
		optString(p.FirstName),
		optString(p.LastName),
		optString(p.PreferredName),
		optString(p.Email),
		optString(p.Phone),
		optString(p.DateOfBirth),
		optString(p.LastModified),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert participant %s: %w", p.LocalID, err)
	}
	return nil
}

// UpsertEnrollment inserts or replaces an enrollment by local id. The program
// and participant it references must already be stored.
func (db *DB) UpsertEnrollment(ctx context.Context, e *model.Enrollment) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid enrollment: %w", err)
	}

	query := `
	INSERT INTO enrollments (
		local_id, remote_id, program_ref, participant_ref, start_date,
		end_date, status, entered_hmis, exited_hmis, last_modified
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		remote_id = COALESCE(excluded.remote_id, remote_id),
		program_ref = excluded.program_ref,
		participant_ref = excluded.participant_ref,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		status = excluded.status,
		entered_hmis = excluded.entered_hmis,
		exited_hmis = excluded.exited_hmis,
		last_modified = excluded.last_modified
	`
	_, err := db.conn.ExecContext(ctx, query,
		e.LocalID,
		optString(e.RemoteID),
		e.ProgramRef,
		e.ParticipantRef,
		optString(e.StartDate),
		optString(e.EndDate),
		optString(e.Status),
		boolToInt(e.EnteredHMIS),
		boolToInt(e.ExitedHMIS),
		optString(e.LastModified),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert enrollment %s: %w", e.LocalID, err)
	}
	return nil
}

// UpsertBenefitAssignment inserts or replaces a benefit assignment by local id.
func (db *DB) UpsertBenefitAssignment(ctx context.Context, b *model.BenefitAssignment) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid benefit assignment: %w", err)
	}

	query := `
	INSERT INTO benefit_assignments (
		local_id, remote_id, enrollment_ref, name, status,
		frequency, amount, balance, last_modified
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		remote_id = COALESCE(excluded.remote_id, remote_id),
		enrollment_ref = excluded.enrollment_ref,
		name = excluded.name,
		status = excluded.status,
		frequency = excluded.frequency,
		amount = excluded.amount,
		balance = excluded.balance,
		last_modified = excluded.last_modified
	`
	_, err := db.conn.ExecContext(ctx, query,
		b.LocalID,
		optString(b.RemoteID),
		b.EnrollmentRef,
		optString(b.Name),
		optString(b.Status),
		optString(b.Frequency),
		b.Amount,
		b.Balance,
		optString(b.LastModified),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert benefit assignment %s: %w", b.LocalID, err)
	}
	return nil
}

// Counts is a snapshot of table and view sizes.
type Counts struct {
	Programs           int `json:"programs"`
	Participants       int `json:"participants"`
	Enrollments        int `json:"enrollments"`
	BenefitAssignments int `json:"benefit_assignments"`
	ActiveEnrollments  int `json:"active_enrollments"`
	ActiveBenefits     int `json:"active_benefit_assignments"`
	PendingOutbox      int `json:"pending_outbox"`
	PendingAudit       int `json:"pending_audit"`
}

// Counts returns row counts for every table and view.
func (db *DB) Counts() (Counts, error) {
	return db.CountsContext(context.Background())
}

// CountsContext returns row counts with context support.
func (db *DB) CountsContext(ctx context.Context) (Counts, error) {
	var c Counts
	targets := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM programs", &c.Programs},
		{"SELECT COUNT(*) FROM participants", &c.Participants},
		{"SELECT COUNT(*) FROM enrollments", &c.Enrollments},
		{"SELECT COUNT(*) FROM benefit_assignments", &c.BenefitAssignments},
		{"SELECT COUNT(*) FROM active_enrollments", &c.ActiveEnrollments},
		{"SELECT COUNT(*) FROM active_benefit_assignments", &c.ActiveBenefits},
		{"SELECT COUNT(*) FROM outbox WHERE synced = 0", &c.PendingOutbox},
		{"SELECT COUNT(*) FROM audit_queue", &c.PendingAudit},
	}
	for _, t := range targets {
		if err := db.conn.QueryRowContext(ctx, t.query).Scan(t.dest); err != nil {
			return Counts{}, fmt.Errorf("failed to count (%s): %w", t.query, err)
		}
	}
	return c, nil
}

// ActiveEnrollment is one row of the active_enrollments view.
type ActiveEnrollment struct {
	LocalID        string `json:"local_id"`
	RemoteID       string `json:"remote_id,omitempty"`
	ProgramRef     string `json:"program_ref"`
	ProgramName    string `json:"program_name"`
	ParticipantRef string `json:"participant_ref"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	StartDate      string `json:"start_date,omitempty"`
	EndDate        string `json:"end_date,omitempty"`
	Status         string `json:"status,omitempty"`
}

// ListActiveEnrollments reads the active_enrollments view ordered by program
// then participant name.
func (db *DB) ListActiveEnrollments(ctx context.Context) ([]*ActiveEnrollment, error) {
	query := `
	SELECT local_id, remote_id, program_ref, program_name, participant_ref,
	       first_name, last_name, start_date, end_date, status
	FROM active_enrollments
	ORDER BY program_name, last_name, first_name
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active enrollments: %w", err)
	}
	defer rows.Close()

	var out []*ActiveEnrollment
	for rows.Next() {
		var a ActiveEnrollment
		var remoteID, first, last, start, end, status sql.NullString
		if err := rows.Scan(&a.LocalID, &remoteID, &a.ProgramRef, &a.ProgramName,
			&a.ParticipantRef, &first, &last, &start, &end, &status); err != nil {
			return nil, fmt.Errorf("failed to scan active enrollment: %w", err)
		}
		a.RemoteID = remoteID.String
		a.FirstName = first.String
		a.LastName = last.String
		a.StartDate = start.String
		a.EndDate = end.String
		a.Status = status.String
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active enrollments: %w", err)
	}
	return out, nil
}

// GetEnrollment retrieves an enrollment by local id.
// Returns sql.ErrNoRows (wrapped) if it is not stored.
func (db *DB) GetEnrollment(ctx context.Context, localID string) (*model.Enrollment, error) {
	query := `
	SELECT local_id, remote_id, program_ref, participant_ref, start_date,
	       end_date, status, entered_hmis, exited_hmis, last_modified
	FROM enrollments WHERE local_id = ?
	`
	var e model.Enrollment
	var remoteID, start, end, status, lastMod sql.NullString
	var entered, exited int
	err := db.conn.QueryRowContext(ctx, query, localID).Scan(
		&e.LocalID, &remoteID, &e.ProgramRef, &e.ParticipantRef, &start,
		&end, &status, &entered, &exited, &lastMod)
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment %s: %w", localID, err)
	}
	e.RemoteID = remoteID.String
	e.StartDate = start.String
	e.EndDate = end.String
	e.Status = status.String
	e.EnteredHMIS = entered != 0
	e.ExitedHMIS = exited != 0
	e.LastModified = lastMod.String
	return &e, nil
}
