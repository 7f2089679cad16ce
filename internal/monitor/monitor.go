// Package monitor watches active jobs for console silence, warns about jobs
// that look hung and cancels them once the pipeline's timeout passes.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/console"
	"github.com/msageha/conveyor/internal/health"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/metrics"
	"github.com/msageha/conveyor/internal/model"
)

type Store interface {
	JobsInState(states ...model.JobState) []*model.JobInstance
}

// Canceller cancels a job through the scheduling path so the stage result and
// the pipeline lock follow.
type Canceller interface {
	CancelJob(ctx context.Context, buildID int64) error
}

type ConfigSource interface {
	Current() *config.Snapshot
}

type entry struct {
	id       model.JobIdentifier
	last     time.Time
	assigned bool
	warned   bool
	// noted is set once the cancel message is in the console, so a retried
	// cancel does not repeat it.
	noted bool
}

type Monitor struct {
	config    ConfigSource
	health    *health.Service
	console   console.Sink
	canceller Canceller
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu   sync.Mutex
	jobs map[int64]*entry
}

func NewMonitor(
	cfg ConfigSource,
	hs *health.Service,
	sink console.Sink,
	canceller Canceller,
	logger *logging.Logger,
) *Monitor {
	return &Monitor{
		config:    cfg,
		health:    hs,
		console:   sink,
		canceller: canceller,
		logger:    logger,
		now:       time.Now,
		jobs:      make(map[int64]*entry),
	}
}

func (m *Monitor) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// Seed starts tracking every active job in the store. Console activity from
// before a restart is unknown, so every job counts as active now.
func (m *Monitor) Seed(s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, j := range s.JobsInState(model.JobScheduled, model.JobAssigned, model.JobBuilding, model.JobCompleting) {
		m.jobs[j.ID()] = &entry{id: j.Identifier, last: now, assigned: j.State != model.JobScheduled}
	}
	m.logger.Infof("tracking %d active jobs", len(m.jobs))
}

// ConsoleUpdatedFor records console activity for a tracked job.
func (m *Monitor) ConsoleUpdatedFor(id model.JobIdentifier) {
	m.mu.Lock()
	e, ok := m.jobs[id.BuildID]
	var clear bool
	if ok {
		e.last, e.noted = m.now(), false
		clear, e.warned = e.warned, false
	}
	m.mu.Unlock()
	if clear {
		m.health.RemoveByScope(health.ForJob(id.Name, id.StageName, id.JobName))
	}
}

// JobStatusChanged is registered as a job lifecycle listener. Every
// transition counts as activity; jobs leaving the active states are dropped.
func (m *Monitor) JobStatusChanged(j *model.JobInstance) error {
	id := j.Identifier
	m.mu.Lock()
	e, tracked := m.jobs[id.BuildID]
	var clear bool
	switch {
	case j.IsTerminal() || j.State == model.JobRescheduled:
		if tracked {
			delete(m.jobs, id.BuildID)
			clear = e.warned
		}
	case tracked:
		clear = e.warned
		e.last, e.assigned, e.warned, e.noted = m.now(), j.State != model.JobScheduled, false, false
	default:
		m.jobs[id.BuildID] = &entry{id: id, last: m.now(), assigned: j.State != model.JobScheduled}
	}
	m.mu.Unlock()
	if clear {
		m.health.RemoveByScope(health.ForJob(id.Name, id.StageName, id.JobName))
	}
	return nil
}

// Tracked reports how many jobs are being watched.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Sweep checks every tracked job once. A job whose cancel fails stays
// tracked and is cancelled again on the next sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	snap := m.config.Current()
	now := m.now()

	m.mu.Lock()
	var warn, kill []entry
	for _, e := range m.jobs {
		elapsed := now.Sub(e.last)
		if snap.CanCancelJobIfHung(e.id) && elapsed > snap.UnresponsiveJobTerminationThreshold(e.id) {
			kill = append(kill, *e)
			continue
		}
		if elapsed > snap.UnresponsiveJobWarningThreshold(e.id) {
			e.warned = true
			warn = append(warn, *e)
		}
	}
	m.mu.Unlock()

	for _, e := range warn {
		m.warn(e, now.Sub(e.last))
	}
	for _, e := range kill {
		m.cancel(ctx, e, snap.UnresponsiveJobTerminationThreshold(e.id))
	}
}

func (m *Monitor) warn(e entry, elapsed time.Duration) {
	id := e.id
	minutes := int(elapsed / time.Minute)
	var description string
	if e.assigned {
		description = fmt.Sprintf("Job %s is currently running but has not shown any console activity in the last %d minute(s). This job may be hung.", id.DisplayName(), minutes)
	} else {
		description = fmt.Sprintf("Job %s is currently running but it has not been assigned an agent in the last %d minute(s). This job may be hung.", id.DisplayName(), minutes)
	}
	m.health.Update(health.Warning(
		fmt.Sprintf("Job '%s' is not responding", id.DisplayName()),
		description,
		health.ForJob(id.Name, id.StageName, id.JobName),
	))
	m.metrics.UnresponsiveJob("warn")
	m.logger.Warnf("job %s silent for %s", id, elapsed.Truncate(time.Second))
}

func (m *Monitor) cancel(ctx context.Context, e entry, threshold time.Duration) {
	id := e.id
	if !e.noted {
		reason := "generated any console output"
		if !e.assigned {
			reason = "been assigned an agent"
		}
		text := fmt.Sprintf("Cancelled this job as it has not %s for more than %d minute(s)", reason, int(threshold/time.Minute))
		if err := m.console.AppendToConsoleLog(id, text); err != nil {
			m.logger.Errorf("append console for %s: %v", id, err)
		}
		m.mu.Lock()
		if cur, ok := m.jobs[id.BuildID]; ok {
			cur.noted = true
		}
		m.mu.Unlock()
	}
	if err := m.canceller.CancelJob(ctx, id.BuildID); err != nil {
		m.logger.Errorf("cancel hung job %s (will retry): %v", id, err)
		return
	}
	m.mu.Lock()
	delete(m.jobs, id.BuildID)
	m.mu.Unlock()
	m.metrics.UnresponsiveJob("cancel")
	m.logger.Warnf("cancelled hung job %s", id)
}

// Run sweeps on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
