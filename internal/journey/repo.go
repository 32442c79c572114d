package journey

import (
	"context"
	"errors"
	"time"
)

// ErrConflict reports a conditional update that found the row no longer in
// the expected prior state. Another run already resolved it; callers treat
// this as a benign no-op.
var ErrConflict = errors.New("row not in expected prior state")

// ErrNotFound reports a missing instance or group journey.
var ErrNotFound = errors.New("not found")

// Repository is the persistence surface the reconciler acts through. Every
// mutating operation is conditional on an expected prior status so that two
// racing reconciler runs cannot double-transition a row.
type Repository interface {
	// FindStaleActive returns up to limit ACTIVE instances whose last
	// activity signal (location update, or updated_at when none exists)
	// is before cutoff.
	FindStaleActive(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error)

	// FindStalePaused returns up to limit PAUSED instances not touched
	// since cutoff.
	FindStalePaused(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error)

	// FinalizeInstance applies a terminal patch if the instance still has
	// the expected status; returns ErrConflict otherwise.
	FinalizeInstance(ctx context.Context, id, expectedStatus string, patch InstancePatch) error

	// CountNonTerminal counts instances of the group still ACTIVE or PAUSED.
	CountNonTerminal(ctx context.Context, groupJourneyID string) (int, error)

	// GroupStatus returns the group journey's current status.
	GroupStatus(ctx context.Context, groupJourneyID string) (string, error)

	// CompleteGroup transitions the group to COMPLETED if it is still
	// ACTIVE; returns ErrConflict otherwise.
	CompleteGroup(ctx context.Context, groupJourneyID string, at time.Time) error
}
