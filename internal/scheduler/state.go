package scheduler

import (
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"

	"konveksi/backend/internal/domain"
)

// State is the scheduler's process-wide authority that is not part of the
// work order rows: the operator-chosen order of normal approved orders and
// the remaining line time of orders that were preempted.
//
// State is not safe for concurrent use; the owner serialises access and
// works on a Clone that replaces the live value only after commit.
type State struct {
	preference []string
	paused     map[string]time.Duration
}

type Snapshot struct {
	Preference []string         `json:"preference"`
	PausedMS   map[string]int64 `json:"paused_ms"`
}

func NewState() *State {
	return &State{paused: make(map[string]time.Duration)}
}

func FromSnapshot(snap Snapshot) *State {
	st := NewState()
	st.preference = lo.Uniq(lo.Compact(snap.Preference))
	for id, ms := range snap.PausedMS {
		if id == "" || ms < 0 {
			continue
		}
		st.paused[id] = time.Duration(ms) * time.Millisecond
	}
	return st
}

func (s *State) Snapshot() Snapshot {
	paused := make(map[string]int64, len(s.paused))
	for id, d := range s.paused {
		paused[id] = d.Milliseconds()
	}
	return Snapshot{Preference: slices.Clone(s.preference), PausedMS: paused}
}

func (s *State) Clone() *State {
	return &State{
		preference: slices.Clone(s.preference),
		paused:     maps.Clone(s.paused),
	}
}

func (s *State) Preference() []string {
	return slices.Clone(s.preference)
}

func (s *State) Paused(orderID string) (time.Duration, bool) {
	d, ok := s.paused[orderID]
	return d, ok
}

func (s *State) Pause(orderID string, remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	s.paused[orderID] = remaining
}

// TakePaused returns and clears the paused remaining time for the order.
func (s *State) TakePaused(orderID string) (time.Duration, bool) {
	d, ok := s.paused[orderID]
	if ok {
		delete(s.paused, orderID)
	}
	return d, ok
}

func (s *State) ClearPaused(orderID string) {
	delete(s.paused, orderID)
}

// Enqueue appends a normal order to the preference if it is not there yet.
func (s *State) Enqueue(orderID string) {
	if lo.Contains(s.preference, orderID) {
		return
	}
	s.preference = append(s.preference, orderID)
}

// PushFront places the order at the head of the preference.
func (s *State) PushFront(orderID string) {
	s.Remove(orderID)
	s.preference = append([]string{orderID}, s.preference...)
}

func (s *State) Remove(orderID string) {
	s.preference = lo.Without(s.preference, orderID)
}

// Rebuild prunes ids that are no longer approved normal orders and appends
// approved normal orders that are missing, in creation order.
func (s *State) Rebuild(approved []domain.WorkOrder) {
	normal := SortByCreation(lo.Reject(approved, func(o domain.WorkOrder, _ int) bool { return o.Expedite }))
	present := lo.SliceToMap(normal, func(o domain.WorkOrder) (string, struct{}) { return o.ID, struct{}{} })

	kept := lo.Filter(s.preference, func(id string, _ int) bool {
		_, ok := present[id]
		return ok
	})
	for _, o := range normal {
		if !lo.Contains(kept, o.ID) {
			kept = append(kept, o.ID)
		}
	}
	s.preference = kept
}

// Move swaps the order with its neighbour. It reports false when the order is
// not in the preference or already sits at the requested edge.
func (s *State) Move(orderID string, dir domain.MoveDirection) bool {
	idx := slices.Index(s.preference, orderID)
	if idx < 0 {
		return false
	}
	target := idx - 1
	if dir == domain.MoveDown {
		target = idx + 1
	}
	if target < 0 || target >= len(s.preference) {
		return false
	}
	s.preference[idx], s.preference[target] = s.preference[target], s.preference[idx]
	return true
}

// Forget drops every trace of an order that reached a terminal state.
func (s *State) Forget(orderID string) {
	s.ClearPaused(orderID)
	s.Remove(orderID)
}
