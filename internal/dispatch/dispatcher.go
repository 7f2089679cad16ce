// Package dispatch keeps the pool of job plans waiting for an agent and hands
// each plan to at most one agent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/console"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/metrics"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/secrets"
)

const defaultNegotiationTimeout = 5 * time.Second

var (
	ErrNegotiationTimeout = errors.New("elastic agent negotiation timed out")
	ErrUnknownProfile     = errors.New("unknown elastic or cluster profile")
)

// Negotiator asks the elastic agent plugin whether an agent may take a job.
type Negotiator interface {
	ShouldAssignWork(ctx context.Context, agent model.Agent, environment string, profile config.ElasticProfile, cluster config.ClusterProfile, job model.JobIdentifier) (bool, error)
}

type NegotiatorFunc func(ctx context.Context, agent model.Agent, environment string, profile config.ElasticProfile, cluster config.ClusterProfile, job model.JobIdentifier) (bool, error)

func (f NegotiatorFunc) ShouldAssignWork(ctx context.Context, agent model.Agent, environment string, profile config.ElasticProfile, cluster config.ClusterProfile, job model.JobIdentifier) (bool, error) {
	return f(ctx, agent, environment, profile, cluster, job)
}

// Store is the durable source of scheduled plans and their build causes.
type Store interface {
	ScheduledPlans() []*model.JobPlan
	BuildCauseFor(name string, counter int) (*model.BuildCause, bool)
}

// JobStates moves jobs through their lifecycle.
type JobStates interface {
	Assign(ctx context.Context, buildID int64, agentUUID string) (*model.JobInstance, error)
	Fail(ctx context.Context, buildID int64) (*model.JobInstance, error)
	Cancel(ctx context.Context, buildID int64) (*model.JobInstance, bool, error)
}

type SecretResolver interface {
	Resolve(ctx context.Context, ref secrets.Referrer, params model.SecretParams) error
}

type ConfigSource interface {
	Current() *config.Snapshot
}

// Assignment is the work handed to an agent. Secret values are substituted.
type Assignment struct {
	ID          string                      `json:"assignment_id"`
	Plan        *model.JobPlan              `json:"plan"`
	Agent       model.Agent                 `json:"agent"`
	Materials   []model.MaterialRevision    `json:"materials"`
	Variables   []model.EnvironmentVariable `json:"-"`
	Environment string                      `json:"environment,omitempty"`
	AssignedAt  time.Time                   `json:"assigned_at"`
}

// Env returns the resolved variables by name.
func (a *Assignment) Env() map[string]string {
	env := make(map[string]string, len(a.Variables))
	for _, v := range a.Variables {
		env[v.Name] = v.Value
	}
	return env
}

type Dispatcher struct {
	store    Store
	config   ConfigSource
	jobs     JobStates
	secrets  SecretResolver
	console  console.Sink
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string
	refresh  singleflight.Group

	negotiator         Negotiator
	negotiationTimeout time.Duration
	maintenance        func() bool
	metrics            *metrics.Metrics

	mu        sync.Mutex
	pool      []*model.JobPlan
	delivered map[int64]bool
}

// NewDispatcher creates a Dispatcher with an empty pool.
func NewDispatcher(
	store Store,
	cfg ConfigSource,
	jobs JobStates,
	resolver SecretResolver,
	sink console.Sink,
	logger *logging.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:              store,
		config:             cfg,
		jobs:               jobs,
		secrets:            resolver,
		console:            sink,
		logger:             logger,
		now:                time.Now,
		newID:              uuid.NewString,
		negotiationTimeout: defaultNegotiationTimeout,
		maintenance:        func() bool { return false },
		delivered:          make(map[int64]bool),
	}
}

func (d *Dispatcher) SetNegotiator(n Negotiator, timeout time.Duration) {
	d.negotiator = n
	if timeout > 0 {
		d.negotiationTimeout = timeout
	}
}

// SetMaintenanceMode installs the check consulted before every match attempt.
func (d *Dispatcher) SetMaintenanceMode(fn func() bool) {
	d.maintenance = fn
}

func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Refresh reloads the pool from the store. Plans already pooled keep their
// identity; plans handed out or failed are never pooled again. Concurrent
// calls share one reload.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err, _ := d.refresh.Do("refresh", func() (interface{}, error) {
		fresh := d.store.ScheduledPlans()

		d.mu.Lock()
		defer d.mu.Unlock()

		existing := make(map[int64]*model.JobPlan, len(d.pool))
		for _, p := range d.pool {
			existing[p.JobID] = p
		}
		inStore := make(map[int64]bool, len(fresh))
		pool := make([]*model.JobPlan, 0, len(fresh))
		for _, p := range fresh {
			inStore[p.JobID] = true
			if d.delivered[p.JobID] {
				continue
			}
			if old, ok := existing[p.JobID]; ok {
				p = old
			}
			pool = append(pool, p)
		}
		for id := range d.delivered {
			if !inStore[id] {
				delete(d.delivered, id)
			}
		}
		d.pool = pool
		d.metrics.SetPoolSize(len(pool))
		return nil, nil
	})
	return err
}

// Add pools a freshly scheduled plan without waiting for the next refresh.
func (d *Dispatcher) Add(plan *model.JobPlan) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delivered[plan.JobID] || slices.ContainsFunc(d.pool, func(p *model.JobPlan) bool { return p.JobID == plan.JobID }) {
		return
	}
	d.pool = append(d.pool, plan)
	d.metrics.SetPoolSize(len(d.pool))
}

// Remove drops a plan from the pool, e.g. when its job was cancelled.
func (d *Dispatcher) Remove(jobID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(jobID)
}

func (d *Dispatcher) removeLocked(jobID int64) bool {
	i := slices.IndexFunc(d.pool, func(p *model.JobPlan) bool { return p.JobID == jobID })
	if i < 0 {
		return false
	}
	d.pool = slices.Delete(d.pool, i, i+1)
	d.delivered[jobID] = true
	d.metrics.SetPoolSize(len(d.pool))
	return true
}

// Pending returns the pooled plans in pool order.
func (d *Dispatcher) Pending() []*model.JobPlan {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.pool)
}

// OnConfigChange removes plans whose pipeline, stage or job no longer exists
// and cancels their jobs.
func (d *Dispatcher) OnConfigChange(ctx context.Context, snap *config.Snapshot) {
	d.mu.Lock()
	var stale []*model.JobPlan
	for _, p := range slices.Clone(d.pool) {
		id := p.Identifier
		if !snap.HasJob(id.Name, id.StageName, id.JobName) {
			d.removeLocked(p.JobID)
			stale = append(stale, p)
		}
	}
	d.mu.Unlock()

	for _, p := range stale {
		if _, _, err := d.jobs.Cancel(ctx, p.JobID); err != nil {
			d.logger.Errorf("cancel job %s removed from config: %v", p.Identifier, err)
			continue
		}
		d.logger.Infof("removed plan %s: job no longer in config", p.Identifier)
	}
}

type failedPlan struct {
	plan *model.JobPlan
	err  error
}

// AssignWork finds work for agent. It returns nil when nothing matches. A
// secret resolution failure fails the matched job and is returned.
func (d *Dispatcher) AssignWork(ctx context.Context, agent model.Agent) (*Assignment, error) {
	if d.maintenance() {
		return nil, nil
	}
	snap := d.config.Current()

	plan, failed := d.match(ctx, agent, snap)
	for _, f := range failed {
		d.failJob(ctx, f.plan, fmt.Sprintf("Error while assigning work to elastic agent %s: %v", agent.ElasticAgentID, f.err), "negotiation")
	}
	if plan == nil {
		return nil, nil
	}

	a, err := d.buildAssignment(ctx, agent, plan, snap)
	if err != nil {
		d.failJob(ctx, plan, fmt.Sprintf("Failed to resolve secrets for job %s: %v", plan.Identifier, err), "secrets")
		return nil, fmt.Errorf("assign %s to agent %s: %w", plan.Identifier, agent.UUID, err)
	}
	if _, err := d.jobs.Assign(ctx, plan.JobID, agent.UUID); err != nil {
		return nil, fmt.Errorf("assign %s to agent %s: %w", plan.Identifier, agent.UUID, err)
	}
	d.metrics.JobAssigned(plan.RequiresElasticAgent())
	d.logger.Infof("assigned %s to agent %s assignment=%s", plan.Identifier, agent.UUID, a.ID)
	return a, nil
}

// match selects and removes one plan for agent under the pool mutex. Plans
// whose negotiation failed are removed too and returned for failing.
func (d *Dispatcher) match(ctx context.Context, agent model.Agent, snap *config.Snapshot) (*model.JobPlan, []failedPlan) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var failed []failedPlan
	for _, plan := range slices.Clone(d.pool) {
		if !agent.InEnvironment(plan.EnvironmentName) || !agent.HasResources(plan.Resources) {
			continue
		}
		if !plan.RequiresElasticAgent() {
			if agent.IsElastic() {
				continue
			}
			d.removeLocked(plan.JobID)
			return plan, failed
		}
		if !agent.IsElastic() || d.negotiator == nil {
			continue
		}
		profile, cluster, ok := profilesFor(snap, plan)
		if !ok {
			d.removeLocked(plan.JobID)
			failed = append(failed, failedPlan{plan, fmt.Errorf("%w: %s", ErrUnknownProfile, plan.ElasticProfileID)})
			continue
		}
		if cluster.PluginID != agent.ElasticPluginID {
			continue
		}
		assign, err := d.negotiate(ctx, agent, plan, profile, cluster)
		if err != nil {
			d.removeLocked(plan.JobID)
			failed = append(failed, failedPlan{plan, err})
			continue
		}
		if assign {
			d.removeLocked(plan.JobID)
			return plan, failed
		}
	}
	return nil, failed
}

func profilesFor(snap *config.Snapshot, plan *model.JobPlan) (config.ElasticProfile, config.ClusterProfile, bool) {
	profile, ok := snap.ElasticProfile(plan.ElasticProfileID)
	if !ok {
		return config.ElasticProfile{}, config.ClusterProfile{}, false
	}
	clusterID := plan.ClusterProfileID
	if clusterID == "" {
		clusterID = profile.ClusterProfileID
	}
	cluster, ok := snap.ClusterProfile(clusterID)
	return profile, cluster, ok
}

// negotiate bounds the plugin call by the negotiation timeout even when the
// plugin ignores its context. A panic counts as a failure.
func (d *Dispatcher) negotiate(ctx context.Context, agent model.Agent, plan *model.JobPlan, profile config.ElasticProfile, cluster config.ClusterProfile) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.negotiationTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Errorf("negotiator panic for %s: %v\n%s", plan.Identifier, r, debug.Stack())
				ch <- result{err: fmt.Errorf("negotiator panic: %v", r)}
			}
		}()
		ok, err := d.negotiator.ShouldAssignWork(ctx, agent, plan.EnvironmentName, profile, cluster, plan.Identifier)
		ch <- result{ok, err}
	}()

	select {
	case r := <-ch:
		return r.ok, r.err
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %v", ErrNegotiationTimeout, ctx.Err())
	}
}

// failJob ends a plan that can never be handed out: console message, then a
// terminal Failed state. The plan is already out of the pool.
func (d *Dispatcher) failJob(ctx context.Context, plan *model.JobPlan, message, reason string) {
	d.metrics.DispatchFailed(reason)
	d.logger.Warnf("failing job %s: %s", plan.Identifier, message)
	if err := d.console.AppendToConsoleLog(plan.Identifier, message); err != nil {
		d.logger.Errorf("append console for %s: %v", plan.Identifier, err)
	}
	if _, err := d.jobs.Fail(ctx, plan.JobID); err != nil {
		d.logger.Errorf("fail job %s: %v", plan.Identifier, err)
	}
}
