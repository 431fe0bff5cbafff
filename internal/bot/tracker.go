package bot

import "sync"

// SummaryTracker marks groups with a summary generation in flight so the
// auto-summary trigger never runs twice concurrently for one group.
type SummaryTracker struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewSummaryTracker() *SummaryTracker {
	return &SummaryTracker{active: make(map[string]bool)}
}

// TryAcquire marks the group as in progress. It returns false if a run is
// already active; the caller must not start another.
func (t *SummaryTracker) TryAcquire(groupJID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active[groupJID] {
		return false
	}
	t.active[groupJID] = true
	return true
}

func (t *SummaryTracker) Release(groupJID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, groupJID)
}
