// Package txn provides a unit of work with undo, commit and after-commit hooks.
package txn

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/msageha/conveyor/internal/logging"
)

// Tx collects the effects of one unit of work. Writers register an undo for
// every in-memory mutation and may register commit steps that make the change
// durable. AfterCommit hooks run only once every commit step succeeded.
type Tx struct {
	mu          sync.Mutex
	undo        []func()
	onCommit    []func() error
	afterCommit []func()
}

func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, fn)
}

// OnCommit registers a durability step. An error aborts the commit and rolls back.
func (t *Tx) OnCommit(fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

func (t *Tx) AfterCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *Tx) rollback() {
	t.mu.Lock()
	undo := t.undo
	t.undo, t.onCommit, t.afterCommit = nil, nil, nil
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (t *Tx) commit() ([]func(), error) {
	t.mu.Lock()
	steps := t.onCommit
	t.mu.Unlock()

	for _, step := range steps {
		if err := step(); err != nil {
			t.rollback()
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	hooks := t.afterCommit
	t.undo, t.onCommit, t.afterCommit = nil, nil, nil
	return hooks, nil
}

type Manager struct {
	logger *logging.Logger
}

func NewManager(logger *logging.Logger) *Manager {
	return &Manager{logger: logger}
}

type txKey struct{}

// FromContext returns the transaction bound to ctx by Do, if any.
func FromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}

// Do runs fn inside a transaction. If ctx already carries one, fn joins it and
// the outermost Do commits. A returned error or panic rolls back every recorded
// mutation and drops all hooks.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	if tx, ok := FromContext(ctx); ok {
		return fn(ctx, tx)
	}

	tx := &Tx{}
	inner := context.WithValue(ctx, txKey{}, tx)

	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			m.logger.Errorf("panic in transaction: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("transaction panicked: %v", r)
		}
	}()

	if err := fn(inner, tx); err != nil {
		tx.rollback()
		return err
	}

	hooks, err := tx.commit()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, h := range hooks {
		m.runHook(h)
	}
	return nil
}

func (m *Manager) runHook(h func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("panic in after-commit hook: %v\n%s", r, debug.Stack())
		}
	}()
	h()
}
