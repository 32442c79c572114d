package journey

import "time"

// Instance statuses. COMPLETED and CANCELLED are terminal; a terminal
// instance is immutable.
const (
	InstanceActive    = "ACTIVE"
	InstancePaused    = "PAUSED"
	InstanceCompleted = "COMPLETED"
	InstanceCancelled = "CANCELLED"
)

// Group journey statuses.
const (
	GroupActive    = "ACTIVE"
	GroupCompleted = "COMPLETED"
	GroupCancelled = "CANCELLED"
)

// Instance is one participant's live tracking session within a group journey.
// Location updates mutate it externally; this package only finalizes it.
type Instance struct {
	ID             string
	GroupJourneyID string
	UserID         string
	Status         string
	StartTime      time.Time
	EndTime        *time.Time
	TotalDistance  float64 // meters
	TotalTime      int64   // seconds
	// LastLocationUpdate is nil for instances that never received a single
	// location ping; staleness then falls back to UpdatedAt.
	LastLocationUpdate *time.Time
	UpdatedAt          time.Time
}

// TerminalInstance reports whether status is terminal for an instance.
func TerminalInstance(status string) bool {
	return status == InstanceCompleted || status == InstanceCancelled
}

// StaleSince returns the instance's last activity signal.
func (i *Instance) StaleSince() time.Time {
	if i.LastLocationUpdate != nil {
		return *i.LastLocationUpdate
	}
	return i.UpdatedAt
}

// GroupJourney is the parent aggregate. It may only move to COMPLETED once
// zero of its instances remain ACTIVE or PAUSED.
type GroupJourney struct {
	ID          string
	Status      string
	CompletedAt *time.Time
}

// InstancePatch is the terminal transition applied to a stale instance.
type InstancePatch struct {
	Status    string
	EndTime   time.Time
	TotalTime int64
}
