// Package job owns job instance state transitions. Every committed transition
// is reported to the registered listeners synchronously and in order.
package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/msageha/conveyor/internal/events"
	"github.com/msageha/conveyor/internal/health"
	"github.com/msageha/conveyor/internal/lock"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
)

var ErrJobNotFound = errors.New("job not found")

// Store is the persistence surface the tracker writes through.
type Store interface {
	Job(buildID int64) (*model.JobInstance, bool)
	UpdateJob(tx *txn.Tx, j *model.JobInstance)
	CreateJob(tx *txn.Tx, id model.JobIdentifier, at time.Time, rerun bool) *model.JobInstance
	Plan(jobID int64) (*model.JobPlan, bool)
	SavePlan(tx *txn.Tx, plan *model.JobPlan)
	DeletePlan(tx *txn.Tx, jobID int64)
}

// Listener observes committed job transitions.
type Listener interface {
	JobStatusChanged(j *model.JobInstance) error
}

type ListenerFunc func(j *model.JobInstance) error

func (f ListenerFunc) JobStatusChanged(j *model.JobInstance) error { return f(j) }

// Publisher sends messages to asynchronous consumers.
type Publisher interface {
	Publish(eventType events.EventType, data map[string]interface{})
}

type Tracker struct {
	store   Store
	txm     *txn.Manager
	health  *health.Service
	bus     Publisher
	mutexes *lock.MutexMap
	logger  *logging.Logger
	now     func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func NewTracker(store Store, txm *txn.Manager, hs *health.Service, bus Publisher, mutexes *lock.MutexMap, logger *logging.Logger) *Tracker {
	return &Tracker{
		store:   store,
		txm:     txm,
		health:  hs,
		bus:     bus,
		mutexes: mutexes,
		logger:  logger,
		now:     time.Now,
	}
}

func (t *Tracker) RegisterListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func stageMutexKey(id model.JobIdentifier) string {
	return "job-state:" + id.Stage().String()
}

// transition moves a job to state `to` inside the caller's transaction (or a
// new one). skip, when it returns true, turns the call into a no-op with no
// write and no notification.
func (t *Tracker) transition(ctx context.Context, buildID int64, to model.JobState, skip func(*model.JobInstance) bool, mutate func(*model.JobInstance)) (*model.JobInstance, bool, error) {
	var (
		updated *model.JobInstance
		changed bool
	)
	err := t.txm.Do(ctx, func(_ context.Context, tx *txn.Tx) error {
		current, ok := t.store.Job(buildID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrJobNotFound, buildID)
		}
		return t.mutexes.With(stageMutexKey(current.Identifier), func() error {
			// re-read under the stage mutex; a concurrent transition may have landed
			j, _ := t.store.Job(buildID)
			if skip != nil && skip(j) {
				updated = j
				return nil
			}
			if err := model.ValidateJobTransition(j.State, to); err != nil {
				return fmt.Errorf("job %s: %w", j.Identifier, err)
			}
			from := j.State
			if mutate != nil {
				mutate(j)
			}
			j.ChangeState(to, t.now())
			t.store.UpdateJob(tx, j)
			updated, changed = j, true

			t.logger.Infof("job %s %s -> %s result=%s", j.Identifier, from, to, j.Result)
			notified := j.Clone()
			tx.AfterCommit(func() { t.notify(notified) })
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return updated, changed, nil
}

// Create stores a new Scheduled job together with its plan. The plan's JobID
// and Identifier are filled from the created job.
func (t *Tracker) Create(ctx context.Context, id model.JobIdentifier, rerun bool, plan *model.JobPlan) (*model.JobInstance, error) {
	var created *model.JobInstance
	err := t.txm.Do(ctx, func(_ context.Context, tx *txn.Tx) error {
		created = t.store.CreateJob(tx, id, t.now(), rerun)
		if plan != nil {
			plan.JobID = created.ID()
			plan.Identifier = created.Identifier
			t.store.SavePlan(tx, plan)
		}
		notified := created.Clone()
		tx.AfterCommit(func() { t.notify(notified) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Assign hands a scheduled job to an agent.
func (t *Tracker) Assign(ctx context.Context, buildID int64, agentUUID string) (*model.JobInstance, error) {
	j, _, err := t.transition(ctx, buildID, model.JobAssigned, nil, func(j *model.JobInstance) {
		j.AgentUUID = agentUUID
	})
	return j, err
}

func (t *Tracker) ReportBuilding(ctx context.Context, buildID int64) (*model.JobInstance, error) {
	j, _, err := t.transition(ctx, buildID, model.JobBuilding, nil, nil)
	return j, err
}

// Completing records the result the agent reported while it uploads artifacts.
func (t *Tracker) Completing(ctx context.Context, buildID int64, result model.JobResult) (*model.JobInstance, error) {
	if !model.ValidJobResult(result) {
		return nil, fmt.Errorf("invalid job result %q", result)
	}
	j, _, err := t.transition(ctx, buildID, model.JobCompleting, nil, func(j *model.JobInstance) {
		j.Result = result
	})
	return j, err
}

// Complete finishes the job. An Unknown result keeps the one reported while completing.
func (t *Tracker) Complete(ctx context.Context, buildID int64, result model.JobResult) (*model.JobInstance, error) {
	if !model.ValidJobResult(result) {
		return nil, fmt.Errorf("invalid job result %q", result)
	}
	j, _, err := t.transition(ctx, buildID, model.JobCompleted, nil, func(j *model.JobInstance) {
		if result != model.ResultUnknown {
			j.Result = result
		}
		if j.Result == model.ResultUnknown {
			j.Result = model.ResultFailed
		}
	})
	if err != nil {
		return nil, err
	}
	t.afterCommit(ctx, func() { t.clearJobHealth(j.Identifier) })
	return j, nil
}

// Cancel cancels a job that has not finished. Cancelling a terminal job does
// nothing and reports changed=false. An agent working on the job is told to
// stop through the job result topic.
func (t *Tracker) Cancel(ctx context.Context, buildID int64) (*model.JobInstance, bool, error) {
	var wasOnAgent bool
	j, changed, err := t.transition(ctx, buildID, model.JobCancelled,
		func(j *model.JobInstance) bool { return j.IsTerminal() },
		func(j *model.JobInstance) {
			wasOnAgent = model.IsActiveOnAgent(j.State)
			j.Result = model.ResultCancelled
		})
	if err != nil || !changed {
		return j, changed, err
	}
	t.afterCommit(ctx, func() { t.afterCancel(j, wasOnAgent) })
	return j, true, nil
}

// afterCommit runs fn once the transaction carried by ctx commits, or right
// away when there is none.
func (t *Tracker) afterCommit(ctx context.Context, fn func()) {
	if tx, ok := txn.FromContext(ctx); ok {
		tx.AfterCommit(fn)
		return
	}
	fn()
}

func (t *Tracker) afterCancel(j *model.JobInstance, wasOnAgent bool) {
	t.clearJobHealth(j.Identifier)
	if !wasOnAgent {
		return
	}
	t.bus.Publish(events.EventJobResult, map[string]interface{}{
		"job_id":     j.Identifier.String(),
		"build_id":   strconv.FormatInt(j.ID(), 10),
		"pipeline":   j.Identifier.Name,
		"agent_uuid": j.AgentUUID,
		"result":     string(model.ResultCancelled),
	})
}

// Fail completes a job with a Failed result. Dispatch uses it when a job can
// never be handed to an agent.
func (t *Tracker) Fail(ctx context.Context, buildID int64) (*model.JobInstance, error) {
	j, _, err := t.transition(ctx, buildID, model.JobCompleted, nil, func(j *model.JobInstance) {
		j.Result = model.ResultFailed
	})
	return j, err
}

// Reschedule retires the job and creates a fresh Scheduled copy with a new
// build id and a copy of the old plan.
func (t *Tracker) Reschedule(ctx context.Context, buildID int64) (*model.JobInstance, error) {
	var fresh *model.JobInstance
	err := t.txm.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
		old, _, err := t.transition(ctx, buildID, model.JobRescheduled, nil, nil)
		if err != nil {
			return err
		}
		id := old.Identifier
		id.BuildID = 0
		fresh = t.store.CreateJob(tx, id, t.now(), old.Rerun)

		if plan, ok := t.store.Plan(buildID); ok {
			next := plan.Clone()
			next.JobID = fresh.ID()
			next.Identifier = fresh.Identifier
			t.store.DeletePlan(tx, buildID)
			t.store.SavePlan(tx, next)
		}
		t.logger.Infof("job %s rescheduled as build %d", old.Identifier, fresh.ID())

		scope := old.Identifier
		created := fresh.Clone()
		tx.AfterCommit(func() {
			t.clearJobHealth(scope)
			t.notify(created)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func (t *Tracker) clearJobHealth(id model.JobIdentifier) {
	if t.health == nil {
		return
	}
	t.health.RemoveByScope(health.ForJob(id.Name, id.StageName, id.JobName))
}

func (t *Tracker) notify(j *model.JobInstance) {
	t.mu.RLock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.RUnlock()
	for _, l := range listeners {
		t.callListener(l, j)
	}
	t.bus.Publish(events.EventJobStatusChanged, map[string]interface{}{
		"job_id":   j.Identifier.String(),
		"pipeline": j.Identifier.Name,
		"state":    string(j.State),
		"result":   string(j.Result),
	})
}

func (t *Tracker) callListener(l Listener, j *model.JobInstance) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorf("job listener panic job=%s: %v\n%s", j.Identifier, r, debug.Stack())
		}
	}()
	if err := l.JobStatusChanged(j.Clone()); err != nil {
		t.logger.Errorf("job listener failed job=%s state=%s: %v", j.Identifier, j.State, err)
	}
}
