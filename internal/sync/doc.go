// Package sync provides the pull engine that mirrors remote records into the
// local cache.
//
// Overview
//
// A full sync cycle walks the remote hierarchy top-down and writes it
// bottom-up:
//
//	Remote
//	  ├── Program            (name prefix allow-list)
//	  ├── ProgramEnrollment  (program in fetched set, active)
//	  ├── Account            (person accounts referenced by enrollments)
//	  └── BenefitAssignment  (enrollment in fetched set)
//	                 ↓
//	            Reconciler     remote id → local id
//	                 ↓
//	            Local cache    programs, participants, enrollments, benefits
//
// Usage
//
//	syncer := sync.New(database, client, reconciler, sync.Config{
//	    ProgramPrefixes: []string{"Street", "Drop-In"},
//	}, nil)
//
//	counts, err := syncer.FullSync(ctx)
//	if errors.Is(err, sync.ErrSyncInProgress) {
//	    // another cycle is running in this or another process
//	}
//
// Error Handling
//
// The cycle is resilient to bad rows and strict about remote failures:
//
//   - An enrollment or benefit whose parent was not fetched is logged as a
//     reconciliation gap, counted in Counts.Dropped and skipped
//   - Auth and remote errors abort the cycle; rows already written stay
//   - The cursor version only advances on a completed cycle
//
// Concurrency
//
// Only one cycle runs at a time per cache file. Entry takes an in-process
// mutex and an advisory lock on "<cache>.sync.lock"; an overlapping trigger
// fails fast with ErrSyncInProgress. Once started, a cycle is not cancelled
// by its trigger going away; each remote call is bounded by the client
// timeout instead.
package sync
