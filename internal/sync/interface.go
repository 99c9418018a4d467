package sync

import "context"

// Syncer keeps the local cache in step with the remote system of record.
type Syncer interface {
	// FullSync runs one complete pull cycle.
	//
	// Returns ErrSyncInProgress without doing any work if another cycle
	// holds the guard. On success the cursor version is incremented and the
	// last sync time recorded.
	FullSync(ctx context.Context) (Counts, error)

	// Status reports cache counts and the outcome of the most recent cycle.
	// It never fails; a cache error is reported through Health and Error.
	Status(ctx context.Context) SyncStatus

	// State returns the current position in the cycle state machine.
	State() State

	// SetProgramPrefixes replaces the program name allow-list used by the
	// next cycle.
	SetProgramPrefixes(prefixes []string)
}
