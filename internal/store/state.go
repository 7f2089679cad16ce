package store

import (
	"slices"
	"strings"
	"time"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
)

func sortLocks(l []model.PipelineLockState) {
	slices.SortFunc(l, func(a, b model.PipelineLockState) int {
		return strings.Compare(key(a.PipelineName), key(b.PipelineName))
	})
}

// LockState returns the lock row for name. Pipelines that were never locked have none.
func (s *Store) LockState(name string) (model.PipelineLockState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[key(name)]
	return l, ok
}

// SaveLockState writes the lock row and makes it durable when tx commits.
func (s *Store) SaveLockState(tx *txn.Tx, state model.PipelineLockState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(state.PipelineName)
	restore(tx, &s.mu, s.locks, k)
	s.locks[k] = state
	tx.OnCommit(s.persistLocks)
}

// LockedPipelines returns every lock row with Locked set, ordered by name.
func (s *Store) LockedPipelines() []model.PipelineLockState {
	s.mu.RLock()
	var out []model.PipelineLockState
	for _, l := range s.locks {
		if l.Locked {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()
	sortLocks(out)
	return out
}

func (s *Store) PauseInfo(name string) PauseInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pauses[key(name)]
}

func (s *Store) SetPaused(tx *txn.Tx, name string, info PauseInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(name)
	restore(tx, &s.mu, s.pauses, k)
	if info.Paused {
		s.pauses[k] = info
	} else {
		delete(s.pauses, k)
	}
	tx.OnCommit(s.persistPauses)
}

// RecordModifications merges newly seen modifications of a material, keeping
// newest first and dropping revisions already known.
func (s *Store) RecordModifications(fingerprint string, mods ...model.Modification) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.modifications[fingerprint]
	known := make(map[string]bool, len(existing))
	for _, m := range existing {
		known[m.Revision] = true
	}
	added := 0
	for _, m := range mods {
		if m.Revision == "" || known[m.Revision] {
			continue
		}
		known[m.Revision] = true
		if m.ModifiedAt.IsZero() {
			m.ModifiedAt = time.Now()
		}
		existing = append(existing, m)
		added++
	}
	slices.SortStableFunc(existing, func(a, b model.Modification) int {
		return b.ModifiedAt.Compare(a.ModifiedAt)
	})
	s.modifications[fingerprint] = existing
	return added
}

// Modifications returns the recorded modifications of a material, newest first.
func (s *Store) Modifications(fingerprint string) []model.Modification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.modifications[fingerprint])
}
