// Package itemstore holds the in-memory table pipeline items render from.
// It is written by pollers and the reconciliation sweeper, and read by any
// number of consumers.
package itemstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// ChangeFunc is notified after a write changed an item. It runs on the
// writer's goroutine after the store lock is released.
type ChangeFunc func(prev, curr tasks.ItemRecord)

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// Store is safe for concurrent use. All writes are serialized, which keeps the
// monotonic terminal-state guarantee intact when pollers and the sweeper race
// on the same item.
type Store struct {
	mu        sync.RWMutex
	items     map[tasks.ItemID]tasks.ItemRecord
	listeners []ChangeFunc

	timeProvider timeProvider
}

// New creates an empty store.
func New() *Store {
	return &Store{
		items:        make(map[tasks.ItemID]tasks.ItemRecord),
		timeProvider: realTimeProvider{},
	}
}

// OnChange registers fn for every subsequent change.
func (s *Store) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Get returns the record for id, or the implicit idle default.
func (s *Store) Get(id tasks.ItemID) tasks.ItemRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.items[id]; ok {
		return cloneRecord(rec)
	}
	return tasks.DefaultItemRecord(id)
}

// Set merges upd into the record for id. Fields absent from the update are
// kept. A write that would move an item out of completed, or from failed back
// to running or idle, is rejected with tasks.ErrTerminalState. It reports
// whether anything changed.
func (s *Store) Set(id tasks.ItemID, upd tasks.ItemUpdate) (bool, error) {
	return s.SetIf(id, upd, nil)
}

// SetIf is Set guarded by cond, which sees the current record under the write
// lock. When cond returns false nothing is written and no error is returned.
func (s *Store) SetIf(id tasks.ItemID, upd tasks.ItemUpdate, cond func(tasks.ItemRecord) bool) (bool, error) {
	s.mu.Lock()
	prev, ok := s.items[id]
	if !ok {
		prev = tasks.DefaultItemRecord(id)
	}
	if cond != nil && !cond(cloneRecord(prev)) {
		s.mu.Unlock()
		return false, nil
	}

	if upd.State != nil {
		if err := prev.State.ValidateTransition(*upd.State); err != nil {
			s.mu.Unlock()
			if prev.State.IsTerminal() {
				return false, fmt.Errorf("%w: %s is %s: %w", tasks.ErrTerminalState, id, prev.State, err)
			}
			return false, err
		}
	} else if prev.State == tasks.ItemStateCompleted {
		// Completed items are frozen; late progress from a superseded job is dropped.
		s.mu.Unlock()
		return false, nil
	}

	curr := cloneRecord(prev)
	if !upd.Apply(&curr) {
		s.mu.Unlock()
		return false, nil
	}
	curr.UpdatedAt = s.timeProvider.Now()
	s.items[id] = curr
	listeners := s.listeners
	s.mu.Unlock()

	s.notify(listeners, prev, curr)
	return true, nil
}

// Reset clears any state for id and applies upd on top of the idle default.
// It is the only way out of a terminal state.
func (s *Store) Reset(id tasks.ItemID, upd tasks.ItemUpdate) bool {
	s.mu.Lock()
	prev, ok := s.items[id]
	if !ok {
		prev = tasks.DefaultItemRecord(id)
	}
	curr := tasks.DefaultItemRecord(id)
	upd.Apply(&curr)

	if ok && recordsEqual(prev, curr) {
		s.mu.Unlock()
		return false
	}
	curr.UpdatedAt = s.timeProvider.Now()
	s.items[id] = curr
	listeners := s.listeners
	s.mu.Unlock()

	s.notify(listeners, prev, curr)
	return true
}

// Snapshot returns every tracked record ordered by item id.
func (s *Store) Snapshot() []tasks.ItemRecord {
	s.mu.RLock()
	out := make([]tasks.ItemRecord, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// CountInState returns how many tracked items are in state.
func (s *Store) CountInState(state tasks.ItemState) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.items {
		if rec.State == state {
			n++
		}
	}
	return n
}

// IDsInState returns the ids of tracked items in state, ordered.
func (s *Store) IDsInState(state tasks.ItemState) []tasks.ItemID {
	s.mu.RLock()
	ids := make([]tasks.ItemID, 0, len(s.items))
	for id, rec := range s.items {
		if rec.State == state {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) notify(listeners []ChangeFunc, prev, curr tasks.ItemRecord) {
	for _, fn := range listeners {
		fn(cloneRecord(prev), cloneRecord(curr))
	}
}

func cloneRecord(rec tasks.ItemRecord) tasks.ItemRecord {
	rec.Result = rec.Result.Clone()
	return rec
}

func recordsEqual(a, b tasks.ItemRecord) bool {
	if !tasks.EqualResults(a.Result, b.Result) {
		return false
	}
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	a.Result, b.Result = nil, nil
	return a == b
}
