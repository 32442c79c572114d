package journey

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository used in development mode and
// tests. Conditional updates are serialized by a single mutex, which gives
// the same check-then-act atomicity the SQL implementation gets from
// conditional UPDATEs.
type MemoryRepository struct {
	mu        sync.Mutex
	instances map[string]*Instance
	groups    map[string]*GroupJourney
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[string]*Instance),
		groups:    make(map[string]*GroupJourney),
	}
}

// PutInstance inserts or replaces an instance.
func (r *MemoryRepository) PutInstance(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *inst
	r.instances[inst.ID] = &c
}

// PutGroup inserts or replaces a group journey.
func (r *MemoryRepository) PutGroup(g *GroupJourney) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *g
	r.groups[g.ID] = &c
}

// Instance returns a copy of the instance.
func (r *MemoryRepository) Instance(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	c := *inst
	return &c, true
}

// Group returns a copy of the group journey.
func (r *MemoryRepository) Group(id string) (*GroupJourney, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, false
	}
	c := *g
	return &c, true
}

func (r *MemoryRepository) FindStaleActive(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	return r.findStale(InstanceActive, cutoff, limit, func(i *Instance) time.Time {
		return i.StaleSince()
	})
}

func (r *MemoryRepository) FindStalePaused(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	return r.findStale(InstancePaused, cutoff, limit, func(i *Instance) time.Time {
		return i.UpdatedAt
	})
}

func (r *MemoryRepository) findStale(status string, cutoff time.Time, limit int, signal func(*Instance) time.Time) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Instance
	for _, inst := range r.instances {
		if inst.Status == status && signal(inst).Before(cutoff) {
			c := *inst
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FinalizeInstance(ctx context.Context, id, expectedStatus string, patch InstancePatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.Status != expectedStatus {
		return ErrConflict
	}
	end := patch.EndTime
	inst.Status = patch.Status
	inst.EndTime = &end
	inst.TotalTime = patch.TotalTime
	inst.UpdatedAt = patch.EndTime
	return nil
}

func (r *MemoryRepository) CountNonTerminal(ctx context.Context, groupJourneyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, inst := range r.instances {
		if inst.GroupJourneyID == groupJourneyID && !TerminalInstance(inst.Status) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) GroupStatus(ctx context.Context, groupJourneyID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupJourneyID]
	if !ok {
		return "", ErrNotFound
	}
	return g.Status, nil
}

func (r *MemoryRepository) CompleteGroup(ctx context.Context, groupJourneyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupJourneyID]
	if !ok {
		return ErrNotFound
	}
	if g.Status != GroupActive {
		return ErrConflict
	}
	g.Status = GroupCompleted
	g.CompletedAt = &at
	return nil
}
