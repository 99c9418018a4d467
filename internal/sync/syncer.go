package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/cache"
	"github.com/tgthr/fieldsync/internal/metrics"
	"github.com/tgthr/fieldsync/internal/model"
	"github.com/tgthr/fieldsync/internal/reconcile"
	"github.com/tgthr/fieldsync/internal/remote"
)

// Querier runs remote queries.
type Querier interface {
	Query(ctx context.Context, soql string) ([]remote.Record, error)
}

// Config controls the pull cycle.
type Config struct {
	// ProgramPrefixes restricts programs to names starting with any entry.
	// Empty means every program.
	ProgramPrefixes []string

	// SkipBenefits disables the benefit assignment fetch.
	SkipBenefits bool

	// LockPath is the cross-process lock file. Defaults to
	// "<cache path>.sync.lock".
	LockPath string

	Metrics *metrics.Metrics
}

// syncer implements the Syncer interface.
type syncer struct {
	db         *cache.DB
	remote     Querier
	reconciler *reconcile.Reconciler
	cfg        Config
	logger     logrus.FieldLogger
	fileLock   *flock.Flock

	running gosync.Mutex

	mu       gosync.Mutex
	state    State
	lastErr  error
	prefixes []string
}

// New creates a Syncer.
//
// The database must have its schema initialized. If logger is nil, the
// standard logrus logger is used with a component field.
func New(database *cache.DB, q Querier, rec *reconcile.Reconciler, cfg Config, logger logrus.FieldLogger) Syncer {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "sync")
	}
	if cfg.LockPath == "" {
		cfg.LockPath = database.Path() + ".sync.lock"
	}
	return &syncer{
		db:         database,
		remote:     q,
		reconciler: rec,
		cfg:        cfg,
		logger:     logger,
		fileLock:   flock.New(cfg.LockPath),
		state:      StateIdle,
		prefixes:   append([]string(nil), cfg.ProgramPrefixes...),
	}
}

// State implements Syncer.State.
func (s *syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetProgramPrefixes implements Syncer.SetProgramPrefixes.
func (s *syncer) SetProgramPrefixes(prefixes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes = append([]string(nil), prefixes...)
}

func (s *syncer) programPrefixes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prefixes...)
}

func (s *syncer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *syncer) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		s.state = StateFailed
	} else {
		s.state = StateIdle
	}
}

// FullSync implements Syncer.FullSync.
func (s *syncer) FullSync(ctx context.Context) (Counts, error) {
	if !s.running.TryLock() {
		return Counts{}, ErrSyncInProgress
	}
	defer s.running.Unlock()

	locked, err := s.fileLock.TryLock()
	if err != nil {
		return Counts{}, fmt.Errorf("failed to acquire sync lock %s: %w", s.cfg.LockPath, err)
	}
	if !locked {
		return Counts{}, ErrSyncInProgress
	}
	defer func() {
		if err := s.fileLock.Unlock(); err != nil {
			s.logger.WithError(err).Warn("failed to release sync lock")
		}
	}()

	// The trigger (an HTTP request, a ticker) may go away mid-cycle.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	s.logger.Info("starting full sync")

	counts, err := s.runCycle(ctx)
	s.cfg.Metrics.ObserveSync(err == nil, time.Since(start))
	s.finish(err)
	if err != nil {
		s.logger.WithError(err).Error("full sync failed")
		return counts, err
	}

	s.logger.WithFields(logrus.Fields{
		"programs":            counts.Programs,
		"participants":        counts.Participants,
		"enrollments":         counts.Enrollments,
		"benefit_assignments": counts.BenefitAssignments,
		"active_enrollments":  counts.ActiveEnrollments,
		"dropped":             counts.Dropped,
		"duration":            time.Since(start).Round(time.Millisecond),
	}).Info("full sync complete")
	return counts, nil
}

// fetched holds the remote rows gathered before any local write.
type fetched struct {
	programs    []remote.Record
	enrollments []remote.Record
	accounts    []remote.Record
	benefits    []remote.Record
}

func (s *syncer) runCycle(ctx context.Context) (Counts, error) {
	f, err := s.fetch(ctx)
	if err != nil {
		return Counts{}, err
	}

	s.setState(StateUpserting)
	dropped, err := s.upsert(ctx, f)
	if err != nil {
		return Counts{Dropped: dropped}, err
	}
	s.cfg.Metrics.AddDropped(dropped)

	now := time.Now().UTC()
	if _, err := s.db.BumpCursor(ctx, &now); err != nil {
		return Counts{Dropped: dropped}, fmt.Errorf("failed to advance cursor: %w", err)
	}

	c, err := s.db.CountsContext(ctx)
	if err != nil {
		return Counts{Dropped: dropped}, fmt.Errorf("failed to count cache rows: %w", err)
	}
	return Counts{
		Programs:           c.Programs,
		Participants:       c.Participants,
		Enrollments:        c.Enrollments,
		BenefitAssignments: c.BenefitAssignments,
		Dropped:            dropped,
		ActiveEnrollments:  c.ActiveEnrollments,
	}, nil
}

func (s *syncer) fetch(ctx context.Context) (*fetched, error) {
	var f fetched
	var err error

	s.setState(StateFetchingPrograms)
	q := remote.Select(programFields...).
		From(ObjectProgram).
		Where(remote.AnyPrefix("Name", s.programPrefixes()...)).
		OrderBy("Name")
	if f.programs, err = s.remote.Query(ctx, q.String()); err != nil {
		return nil, fmt.Errorf("failed to fetch programs: %w", err)
	}
	programIDs := ids(f.programs, "Id")
	s.logger.WithField("count", len(f.programs)).Debug("fetched programs")

	s.setState(StateFetchingEnrollments)
	if len(programIDs) > 0 {
		q = remote.Select(enrollmentFields...).
			From(ObjectEnrollment).
			Where(remote.In("ProgramId", programIDs...)).
			Where(remote.Or(
				remote.Eq("Status", "Active"),
				remote.Eq("EndDate", nil),
				remote.Gte("EndDate", remote.Today),
			)).
			OrderBy("LastModifiedDate DESC")
		if f.enrollments, err = s.remote.Query(ctx, q.String()); err != nil {
			return nil, fmt.Errorf("failed to fetch enrollments: %w", err)
		}
	}
	s.logger.WithField("count", len(f.enrollments)).Debug("fetched enrollments")

	s.setState(StateFetchingParticipants)
	if accountIDs := ids(f.enrollments, "AccountId"); len(accountIDs) > 0 {
		q = remote.Select(accountFields...).
			From(ObjectAccount).
			Where(remote.Eq("IsPersonAccount", true)).
			Where(remote.In("Id", accountIDs...))
		if f.accounts, err = s.remote.Query(ctx, q.String()); err != nil {
			return nil, fmt.Errorf("failed to fetch participants: %w", err)
		}
	}
	s.logger.WithField("count", len(f.accounts)).Debug("fetched participants")

	if !s.cfg.SkipBenefits {
		s.setState(StateFetchingBenefits)
		if enrollmentIDs := ids(f.enrollments, "Id"); len(enrollmentIDs) > 0 {
			q = remote.Select(benefitFields...).
				From(ObjectBenefit).
				Where(remote.In("ProgramEnrollmentId", enrollmentIDs...))
			if f.benefits, err = s.remote.Query(ctx, q.String()); err != nil {
				return nil, fmt.Errorf("failed to fetch benefit assignments: %w", err)
			}
		}
		s.logger.WithField("count", len(f.benefits)).Debug("fetched benefit assignments")
	}

	return &f, nil
}

// upsert reconciles and writes the fetched rows parents first. It returns
// the number of rows dropped for a missing parent.
func (s *syncer) upsert(ctx context.Context, f *fetched) (int, error) {
	var dropped int

	programMap, err := s.reconciler.Reconcile(ctx, ObjectProgram, f.programs)
	if err != nil {
		return dropped, err
	}
	for _, r := range f.programs {
		p := &model.Program{
			LocalID:      programMap[r.ID()],
			RemoteID:     r.ID(),
			Name:         r.String("Name"),
			LastModified: r.String("LastModifiedDate"),
		}
		if err := s.db.UpsertProgram(ctx, p); err != nil {
			return dropped, err
		}
	}
	s.cfg.Metrics.AddSynced("programs", len(programMap))

	var people []remote.Record
	for _, r := range f.accounts {
		if r.Bool("IsPersonAccount") {
			people = append(people, r)
		}
	}
	accountMap, err := s.reconciler.Reconcile(ctx, ObjectAccount, people)
	if err != nil {
		return dropped, err
	}
	for _, r := range people {
		p := &model.Participant{
			LocalID:      accountMap[r.ID()],
			RemoteID:     r.ID(),
			FirstName:    r.String("PersonFirstName"),
			LastName:     r.String("PersonLastName"),
			Email:        r.String("PersonEmail"),
			Phone:        r.String("Phone"),
			DateOfBirth:  r.String("PersonBirthdate"),
			LastModified: r.String("LastModifiedDate"),
		}
		if err := s.db.UpsertParticipant(ctx, p); err != nil {
			return dropped, err
		}
	}
	s.cfg.Metrics.AddSynced("participants", len(accountMap))

	var enrollments []remote.Record
	for _, r := range f.enrollments {
		if _, ok := programMap[r.String("ProgramId")]; !ok {
			s.gap(&ReconciliationGap{Entity: ObjectEnrollment, RemoteID: r.ID(), Missing: "program " + r.String("ProgramId")})
			dropped++
			continue
		}
		if _, ok := accountMap[r.String("AccountId")]; !ok {
			s.gap(&ReconciliationGap{Entity: ObjectEnrollment, RemoteID: r.ID(), Missing: "participant " + r.String("AccountId")})
			dropped++
			continue
		}
		enrollments = append(enrollments, r)
	}
	enrollmentMap, err := s.reconciler.Reconcile(ctx, ObjectEnrollment, enrollments)
	if err != nil {
		return dropped, err
	}
	for _, r := range enrollments {
		e := &model.Enrollment{
			LocalID:        enrollmentMap[r.ID()],
			RemoteID:       r.ID(),
			ProgramRef:     programMap[r.String("ProgramId")],
			ParticipantRef: accountMap[r.String("AccountId")],
			StartDate:      r.String("StartDate"),
			EndDate:        r.String("EndDate"),
			Status:         r.String("Status"),
			EnteredHMIS:    r.Bool("Entered_into_HMIS__c"),
			ExitedHMIS:     r.Bool("Exited_from_HMIS__c"),
			LastModified:   r.String("LastModifiedDate"),
		}
		if err := s.db.UpsertEnrollment(ctx, e); err != nil {
			return dropped, err
		}
	}
	s.cfg.Metrics.AddSynced("enrollments", len(enrollmentMap))

	var benefits []remote.Record
	for _, r := range f.benefits {
		if _, ok := enrollmentMap[r.String("ProgramEnrollmentId")]; !ok {
			s.gap(&ReconciliationGap{Entity: ObjectBenefit, RemoteID: r.ID(), Missing: "enrollment " + r.String("ProgramEnrollmentId")})
			dropped++
			continue
		}
		benefits = append(benefits, r)
	}
	benefitMap, err := s.reconciler.Reconcile(ctx, ObjectBenefit, benefits)
	if err != nil {
		return dropped, err
	}
	for _, r := range benefits {
		b := &model.BenefitAssignment{
			LocalID:       benefitMap[r.ID()],
			RemoteID:      r.ID(),
			EnrollmentRef: enrollmentMap[r.String("ProgramEnrollmentId")],
			Name:          r.String("Name"),
			Status:        r.String("Status"),
			Frequency:     r.String("Frequency"),
			Amount:        r.Float("Amount__c"),
			Balance:       r.Float("Balance__c"),
			LastModified:  r.String("LastModifiedDate"),
		}
		if err := s.db.UpsertBenefitAssignment(ctx, b); err != nil {
			return dropped, err
		}
	}
	s.cfg.Metrics.AddSynced("benefit_assignments", len(benefitMap))

	return dropped, nil
}

func (s *syncer) gap(g *ReconciliationGap) {
	s.logger.WithFields(logrus.Fields{
		"entity":    g.Entity,
		"remote_id": g.RemoteID,
		"missing":   g.Missing,
	}).Warn(g.Error())
}

// Status implements Syncer.Status.
func (s *syncer) Status(ctx context.Context) SyncStatus {
	st := SyncStatus{State: s.State(), Health: HealthHealthy}

	s.mu.Lock()
	if s.lastErr != nil {
		st.Health = HealthError
		st.Error = s.lastErr.Error()
	}
	s.mu.Unlock()

	c, err := s.db.CountsContext(ctx)
	if err != nil {
		st.Health = HealthError
		st.Error = err.Error()
		return st
	}
	st.Counts = Counts{
		Programs:           c.Programs,
		Participants:       c.Participants,
		Enrollments:        c.Enrollments,
		BenefitAssignments: c.BenefitAssignments,
		ActiveEnrollments:  c.ActiveEnrollments,
	}
	st.PendingOutbox = c.PendingOutbox
	st.PendingAudit = c.PendingAudit

	cur, err := s.db.Cursor(ctx)
	if err != nil {
		st.Health = HealthError
		st.Error = err.Error()
		return st
	}
	st.LastSyncTime = cur.LastFullSync
	st.CursorVersion = cur.Version
	return st
}

// ids collects distinct non-empty values of field in first-seen order.
func ids(records []remote.Record, field string) []string {
	seen := make(map[string]struct{}, len(records))
	var out []string
	for _, r := range records {
		v := r.String(field)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
