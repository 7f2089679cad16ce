// Package pipelinelock keeps lockable pipelines to one running instance and
// tells listeners about lock changes once they are committed.
package pipelinelock

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/lock"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
)

var ErrLockedByOtherRun = errors.New("pipeline is locked by another run")

// Event describes a committed lock change.
type Event struct {
	PipelineName string
	Locked       bool
	LockedBy     model.StageIdentifier
}

type Listener interface {
	LockStatusChanged(Event) error
}

type ListenerFunc func(Event) error

func (f ListenerFunc) LockStatusChanged(e Event) error { return f(e) }

// Store persists lock rows.
type Store interface {
	LockState(name string) (model.PipelineLockState, bool)
	SaveLockState(tx *txn.Tx, state model.PipelineLockState)
	LockedPipelines() []model.PipelineLockState
}

// ConfigSource returns the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

type Manager struct {
	store   Store
	config  ConfigSource
	txm     *txn.Manager
	mutexes *lock.MutexMap
	logger  *logging.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func NewManager(store Store, cfg ConfigSource, txm *txn.Manager, mutexes *lock.MutexMap, logger *logging.Logger) *Manager {
	return &Manager{store: store, config: cfg, txm: txm, mutexes: mutexes, logger: logger}
}

func (m *Manager) RegisterListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func mutexKey(name string) string {
	return "pipeline-lock:" + name
}

// LockIfNeeded locks the pipeline for the run owning stage when the pipeline
// is lockable. Locking again from the same run is a no-op.
func (m *Manager) LockIfNeeded(tx *txn.Tx, stage model.StageIdentifier) error {
	name := stage.Name
	if !m.config.Current().IsLockable(name) {
		return nil
	}
	return m.mutexes.With(mutexKey(name), func() error {
		if cur, ok := m.store.LockState(name); ok && cur.Locked {
			if cur.LockedBy.Pipeline().SameRun(stage.Pipeline()) {
				return nil
			}
			return fmt.Errorf("%w: %s is locked by %s", ErrLockedByOtherRun, name, cur.LockedBy.Pipeline())
		}
		state := model.PipelineLockState{PipelineName: name, LockedBy: stage, Locked: true}
		m.store.SaveLockState(tx, state)
		m.logger.Infof("lock pipeline=%s by=%s", name, stage)
		tx.AfterCommit(func() { m.notify(Event{PipelineName: name, Locked: true, LockedBy: stage}) })
		return nil
	})
}

// Unlock releases the pipeline. Unlocking an unlocked pipeline does nothing.
func (m *Manager) Unlock(tx *txn.Tx, name string) error {
	return m.mutexes.With(mutexKey(name), func() error {
		cur, ok := m.store.LockState(name)
		if !ok || !cur.Locked {
			return nil
		}
		m.store.SaveLockState(tx, model.PipelineLockState{PipelineName: cur.PipelineName, Locked: false})
		m.logger.Infof("unlock pipeline=%s was=%s", name, cur.LockedBy)
		tx.AfterCommit(func() { m.notify(Event{PipelineName: cur.PipelineName, Locked: false, LockedBy: cur.LockedBy}) })
		return nil
	})
}

// CanScheduleStageInPipeline is true when the pipeline is unlocked or locked
// by the same run.
func (m *Manager) CanScheduleStageInPipeline(p model.PipelineIdentifier) bool {
	cur, ok := m.store.LockState(p.Name)
	if !ok || !cur.Locked {
		return true
	}
	return cur.LockedBy.Pipeline().SameRun(p)
}

// LockedBy returns the stage holding the lock, if any.
func (m *Manager) LockedBy(name string) (model.StageIdentifier, bool) {
	cur, ok := m.store.LockState(name)
	if !ok || !cur.Locked {
		return model.StageIdentifier{}, false
	}
	return cur.LockedBy, true
}

// UnlockIfNecessary releases the lock held by the stage's run once the stage
// has completed and the run is done with the pipeline: after the last stage,
// or under unlock_when_finished when the next stage needs manual approval or
// the stage did not pass.
func (m *Manager) UnlockIfNecessary(tx *txn.Tx, stage *model.StageInstance) error {
	if !model.IsStageCompleted(stage.State) {
		return nil
	}
	id := stage.Identifier
	cfg, ok := m.config.Current().PipelineConfigNamed(id.Name)
	if !ok || !cfg.IsLockable() {
		return nil
	}
	if cur, ok := m.store.LockState(id.Name); !ok || !cur.Locked || !cur.LockedBy.Pipeline().SameRun(id.Pipeline()) {
		return nil
	}

	unlock := cfg.IsLastStage(id.StageName)
	if !unlock && cfg.IsUnlockableWhenFinished() {
		next, hasNext := cfg.NextStage(id.StageName)
		unlock = stage.State != model.StagePassed || (hasNext && next.IsManual())
	}
	if !unlock {
		return nil
	}
	return m.Unlock(tx, id.Name)
}

// Guard runs fn while holding whatever serializes scheduling for pipeline.
type Guard func(pipeline string, fn func() error) error

// ReconcileWithConfig unlocks every locked pipeline that was removed from the
// configuration or is no longer lockable. Each unlock commits on its own under
// guard, which may be nil.
func (m *Manager) ReconcileWithConfig(ctx context.Context, snap *config.Snapshot, guard Guard) error {
	if guard == nil {
		guard = func(_ string, fn func() error) error { return fn() }
	}
	var errs []error
	for _, l := range m.store.LockedPipelines() {
		if snap.HasPipelineNamed(l.PipelineName) && snap.IsLockable(l.PipelineName) {
			continue
		}
		name := l.PipelineName
		err := guard(name, func() error {
			return m.txm.Do(ctx, func(_ context.Context, tx *txn.Tx) error {
				return m.Unlock(tx, name)
			})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("unlock %s: %w", name, err))
			continue
		}
		m.logger.Infof("reconcile unlocked pipeline=%s", name)
	}
	return errors.Join(errs...)
}

func (m *Manager) notify(e Event) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		m.callListener(l, e)
	}
}

func (m *Manager) callListener(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("lock listener panic pipeline=%s: %v\n%s", e.PipelineName, r, debug.Stack())
		}
	}()
	if err := l.LockStatusChanged(e); err != nil {
		m.logger.Errorf("lock listener failed pipeline=%s locked=%v: %v", e.PipelineName, e.Locked, err)
	}
}
