// Package schedule turns triggers into pipeline runs. It produces build causes
// behind the scheduling gate, drains them into new runs, schedules and reruns
// stages, and finishes stages as their jobs complete.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conveyor/internal/buildcause"
	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/events"
	"github.com/msageha/conveyor/internal/gate"
	"github.com/msageha/conveyor/internal/health"
	"github.com/msageha/conveyor/internal/job"
	"github.com/msageha/conveyor/internal/lock"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/materials"
	"github.com/msageha/conveyor/internal/metrics"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pipelinelock"
	"github.com/msageha/conveyor/internal/store"
	"github.com/msageha/conveyor/internal/txn"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrUnsupportedState = errors.New("unsupported job status")
)

const (
	approvalSuccess = string(config.ApprovalSuccess)
	approvalManual  = string(config.ApprovalManual)
	changesUser     = "changes"
)

type ConfigSource interface {
	Current() *config.Snapshot
}

// Pool receives plans ready for dispatch and forgets plans whose job ended.
type Pool interface {
	Add(plan *model.JobPlan)
	Remove(jobID int64) bool
}

type Publisher interface {
	Publish(eventType events.EventType, data map[string]interface{})
}

// TriggerRequest asks for a new run of a pipeline from one call site.
type TriggerRequest struct {
	Pipeline  string
	Site      gate.CallSite
	User      string
	Variables map[string]string
}

type queued struct {
	pipeline   string
	cause      *model.BuildCause
	trackingID string
}

type Service struct {
	store     *store.Store
	config    ConfigSource
	txm       *txn.Manager
	mutexes   *lock.MutexMap
	resolver  *buildcause.Resolver
	materials *materials.Registry
	locks     *pipelinelock.Manager
	jobs      *job.Tracker
	health    *health.Service
	logger    *logging.Logger

	pool          Pool
	bus           Publisher
	metrics       *metrics.Metrics
	authorizer    gate.Authorizer
	disk          gate.DiskSpaceChecker
	minFreeDiskMB int64
	maintenance   func() bool
	triggers      *TriggerMonitor
	now           func() time.Time
	newID         func() string

	mu    sync.Mutex
	queue map[string]queued
	order []string
}

func NewService(
	st *store.Store,
	cfg ConfigSource,
	txm *txn.Manager,
	mutexes *lock.MutexMap,
	resolver *buildcause.Resolver,
	registry *materials.Registry,
	locks *pipelinelock.Manager,
	jobs *job.Tracker,
	hs *health.Service,
	logger *logging.Logger,
) *Service {
	return &Service{
		store:       st,
		config:      cfg,
		txm:         txm,
		mutexes:     mutexes,
		resolver:    resolver,
		materials:   registry,
		locks:       locks,
		jobs:        jobs,
		health:      hs,
		logger:      logger,
		authorizer:  gate.AllowAll{},
		maintenance: func() bool { return false },
		triggers:    NewTriggerMonitor(0),
		now:         time.Now,
		newID:       uuid.NewString,
		queue:       make(map[string]queued),
	}
}

func (s *Service) SetPool(p Pool) {
	s.pool = p
}

func (s *Service) SetEventBus(bus Publisher) {
	s.bus = bus
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetAuthorizer(a gate.Authorizer) {
	s.authorizer = a
}

// SetDiskSpace enables the disk space check. A minimum of zero disables it.
func (s *Service) SetDiskSpace(d gate.DiskSpaceChecker, minFreeMB int64) {
	s.disk = d
	s.minFreeDiskMB = minFreeMB
}

func (s *Service) SetMaintenanceMode(fn func() bool) {
	s.maintenance = fn
}

func (s *Service) SetTriggerMonitor(m *TriggerMonitor) {
	s.triggers = m
}

func scheduleKey(pipeline string) string {
	return "schedule:" + strings.ToLower(pipeline)
}

// ProduceBuildCause runs the call site's gate, resolves a build cause and
// queues it. A nil cause (nothing changed) is not an error.
func (s *Service) ProduceBuildCause(ctx context.Context, req TriggerRequest) gate.Result {
	ctx = WithTrackingID(ctx, s.newID())
	started := s.now()
	snap := s.config.Current()

	name, stage := req.Pipeline, ""
	cfg, ok := snap.PipelineConfigNamed(req.Pipeline)
	if ok {
		name = cfg.Name
		if first := cfg.FirstStage(); first != nil {
			stage = first.Name
		}
	}

	g := gate.For(req.Site)
	st := s.triggerState(snap, name, stage, req.User)
	if r := s.check(ctx, g, st); r.Failed() {
		return r
	}
	if g.Has(gate.CheckAboutToTrigger) && !s.triggers.MarkTriggered(name) {
		st.AboutToBeTriggered = true
		return s.check(ctx, g, st)
	}

	cause, err := s.resolve(ctx, snap, cfg, req)
	if err != nil {
		s.triggers.Clear(name)
		return s.resolutionFailed(ctx, name, err)
	}
	if cause == nil {
		s.triggers.Clear(name)
		r := gate.OK()
		r.Accept(http.StatusOK, fmt.Sprintf("No changes detected for pipeline %s", name))
		return r
	}

	s.health.RemoveByScope(health.ForPipeline(name))
	s.enqueue(queued{pipeline: name, cause: cause, trackingID: TrackingID(ctx)})
	s.metrics.BuildCauseProduced(name, string(cause.Trigger()))
	s.metrics.ObserveResolution(float64(s.now().Sub(started).Microseconds()) / 1000)
	s.publish(events.EventBuildCauseProduced, map[string]interface{}{
		"pipeline":    name,
		"trigger":     string(cause.Trigger()),
		"approver":    cause.Approver(),
		"tracking_id": TrackingID(ctx),
	})
	s.logger.Infof("build cause queued pipeline=%s trigger=%s tracking=%s", name, cause.Trigger(), TrackingID(ctx))

	r := gate.OK()
	r.Accept(http.StatusAccepted, fmt.Sprintf("Request to schedule pipeline %s accepted", name))
	return r
}

func (s *Service) resolve(ctx context.Context, snap *config.Snapshot, cfg *config.PipelineConfig, req TriggerRequest) (*model.BuildCause, error) {
	graph, err := buildcause.BuildGraph(snap, cfg.Name)
	if err != nil {
		return nil, err
	}
	previous, _ := s.store.LastBuildCause(cfg.Name)
	revs, err := s.materials.Revisions(ctx, cfg.Materials, previous)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, buildcause.Request{
		Pipeline:  cfg.Name,
		Revisions: revs,
		FanIn:     cfg.FanInEnabled(),
		Graph:     graph,
		Trigger:   triggerKind(req.Site, cfg),
		Approver:  approver(req),
		Variables: req.Variables,
	})
}

func triggerKind(site gate.CallSite, cfg *config.PipelineConfig) model.TriggerKind {
	switch site {
	case gate.ManualTrigger:
		return model.TriggerManual
	case gate.TimerTrigger:
		if cfg.Timer != nil && cfg.Timer.OnlyOnChanges {
			return model.TriggerModification
		}
		return model.TriggerForced
	default:
		return model.TriggerModification
	}
}

func approver(req TriggerRequest) string {
	switch {
	case req.Site == gate.TimerTrigger:
		return gate.TimerUser
	case req.Site == gate.ManualTrigger && req.User != "":
		return req.User
	default:
		return changesUser
	}
}

// resolutionFailed turns a resolver error into a pipeline error health state
// and a failed result.
func (s *Service) resolutionFailed(ctx context.Context, pipeline string, err error) gate.Result {
	code := http.StatusUnprocessableEntity
	var msg string
	switch {
	case errors.Is(err, buildcause.ErrNoCompatibleUpstreamRevisions):
		msg = fmt.Sprintf("Error while scheduling pipeline: %s as no compatible revisions were identified.", pipeline)
	case errors.Is(err, buildcause.ErrNoModificationsFound):
		msg = fmt.Sprintf("Error while scheduling pipeline: %s as no modifications were found.", pipeline)
	default:
		code = http.StatusInternalServerError
		msg = fmt.Sprintf("Error while scheduling pipeline: %s", pipeline)
	}
	s.health.Update(health.Error(msg, err.Error(), health.ForPipeline(pipeline)))
	s.logger.Errorf("resolve pipeline=%s tracking=%s: %v", pipeline, TrackingID(ctx), err)
	return gate.Failure(code, msg, err.Error())
}

// check runs g and records a rejection.
func (s *Service) check(ctx context.Context, g gate.Gate, st gate.State) gate.Result {
	r := g.Run(st)
	if !r.Failed() {
		return r
	}
	s.metrics.GateRejected(string(g.Site()), r.Code)
	s.publish(events.EventSchedulingRejected, map[string]interface{}{
		"pipeline":    st.Pipeline,
		"stage":       st.Stage,
		"call_site":   string(g.Site()),
		"code":        r.Code,
		"message":     r.Message,
		"tracking_id": TrackingID(ctx),
	})
	s.logger.Infof("%s rejected pipeline=%s stage=%s tracking=%s: %s", g.Site(), st.Pipeline, st.Stage, TrackingID(ctx), r.Message)
	return r
}

func (s *Service) baseState(snap *config.Snapshot, pipeline, stage, user string) gate.State {
	st := gate.State{
		Pipeline:        pipeline,
		Stage:           stage,
		User:            user,
		MaintenanceMode: s.maintenance(),
		MinFreeDiskMB:   s.minFreeDiskMB,
		FreeDiskMB:      s.minFreeDiskMB,
	}
	if cfg, ok := snap.PipelineConfigNamed(pipeline); ok {
		st.PipelineExists = true
		if stage != "" {
			_, st.StageExists = cfg.Stage(stage)
		}
	}
	st.Authorized = s.authorizer.CanOperateStage(user, pipeline, stage)

	pause := s.store.PauseInfo(pipeline)
	st.Paused, st.PausedBy, st.PauseCause = pause.Paused, pause.PausedBy, pause.Cause

	if s.disk != nil && s.minFreeDiskMB > 0 {
		free, err := s.disk.FreeDiskMB()
		if err != nil {
			s.logger.Warnf("read free disk space: %v", err)
		} else {
			st.FreeDiskMB = free
		}
	}
	return st
}

// triggerState is the gate state of a request for a new run.
func (s *Service) triggerState(snap *config.Snapshot, pipeline, stage, user string) gate.State {
	st := s.baseState(snap, pipeline, stage, user)
	if owner, locked := s.locks.LockedBy(pipeline); locked {
		st.LockedByOtherRun = true
		st.LockOwner = owner.Pipeline().String()
	}
	if stage != "" {
		if active := s.store.ActiveStages(pipeline, stage); len(active) > 0 {
			st.StageActive = true
			st.ActiveStage = active[0].Identifier.StageName
		}
	}
	st.AboutToBeTriggered = s.triggers.IsTriggered(pipeline)
	return st
}

// runState is the gate state of a request to run a stage of an existing run.
func (s *Service) runState(snap *config.Snapshot, p model.PipelineIdentifier, stage, user string) gate.State {
	st := s.baseState(snap, p.Name, stage, user)
	if !s.locks.CanScheduleStageInPipeline(p) {
		owner, _ := s.locks.LockedBy(p.Name)
		st.LockedByOtherRun = true
		st.LockOwner = owner.Pipeline().String()
	}
	for _, a := range s.store.ActiveStages(p.Name, "") {
		if a.Identifier.Counter == p.Counter {
			st.StageActive = true
			st.ActiveStage = a.Identifier.StageName
			break
		}
	}
	cfg, ok := snap.PipelineConfigNamed(p.Name)
	if !ok {
		return st
	}
	if prev, ok := cfg.PreviousStage(stage); ok {
		st.PreviousStage = prev.Name
		st.PreviousStageResult = "not run"
		if latest, ok := s.store.LatestStage(p, prev.Name); ok {
			st.PreviousStageResult = string(latest.State)
			st.PreviousStagePassed = latest.State == model.StagePassed
		}
	}
	return st
}

func (s *Service) enqueue(q queued) {
	k := strings.ToLower(q.pipeline)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[k]; !ok {
		s.order = append(s.order, k)
	}
	s.queue[k] = q
}

func (s *Service) drain() []queued {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queued, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.queue[k])
	}
	s.queue = make(map[string]queued)
	s.order = nil
	return out
}

// Queued lists pipelines with a build cause waiting to be scheduled.
func (s *Service) Queued() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.queue[k].pipeline)
	}
	return out
}

// ScheduleFromQueue creates a run for every queued build cause and returns
// how many were created. A failed cause is reported on the pipeline's health.
func (s *Service) ScheduleFromQueue(ctx context.Context) int {
	created := 0
	for _, q := range s.drain() {
		qctx := WithTrackingID(ctx, q.trackingID)
		if err := s.schedulePipeline(qctx, q); err != nil {
			s.logger.Errorf("schedule pipeline=%s tracking=%s: %v", q.pipeline, q.trackingID, err)
			s.health.Update(health.Error(fmt.Sprintf("Failed to schedule pipeline %s", q.pipeline), err.Error(), health.ForPipeline(q.pipeline)))
		} else {
			created++
		}
		s.triggers.Clear(q.pipeline)
	}
	return created
}

func (s *Service) schedulePipeline(ctx context.Context, q queued) error {
	var (
		run   *model.PipelineInstance
		plans []*model.JobPlan
	)
	err := s.mutexes.With(scheduleKey(q.pipeline), func() error {
		snap := s.config.Current()
		cfg, ok := snap.PipelineConfigNamed(q.pipeline)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPipelineNotFound, q.pipeline)
		}
		first := cfg.FirstStage()
		if first == nil {
			return fmt.Errorf("pipeline %s has no stages", cfg.Name)
		}
		return s.txm.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
			run = s.store.CreatePipeline(tx, cfg.Name, s.label(cfg, q.cause), q.cause, s.now())
			var err error
			plans, err = s.createStage(ctx, tx, snap, cfg, run, first, q.cause.Approver(), approvalSuccess, nil)
			return err
		})
	})
	if err != nil {
		return err
	}
	s.addToPool(plans)
	s.logger.Infof("scheduled pipeline=%s label=%s jobs=%d tracking=%s", run.Identifier, run.Identifier.Label, len(plans), TrackingID(ctx))
	return nil
}

// label renders the label template. ${COUNT} is the new counter; ${name} is
// the latest revision of the material with that name.
func (s *Service) label(cfg *config.PipelineConfig, cause *model.BuildCause) string {
	if cfg.LabelTemplate == "" {
		return ""
	}
	counter := 1
	if latest, ok := s.store.LatestPipeline(cfg.Name); ok {
		counter = latest.Identifier.Counter + 1
	}
	out := strings.ReplaceAll(cfg.LabelTemplate, "${COUNT}", fmt.Sprint(counter))
	for _, rev := range cause.MaterialRevisions().All() {
		if rev.Material.Name != "" {
			out = strings.ReplaceAll(out, "${"+rev.Material.Name+"}", rev.LatestRevision())
		}
	}
	return out
}

func (s *Service) addToPool(plans []*model.JobPlan) {
	if s.pool == nil {
		return
	}
	for _, p := range plans {
		s.pool.Add(p)
	}
}

func (s *Service) publish(t events.EventType, data map[string]interface{}) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

// OnConfigChange drops health states of removed pipelines and releases locks
// that the new configuration no longer allows.
func (s *Service) OnConfigChange(ctx context.Context, snap *config.Snapshot) error {
	s.health.PurgeMissingPipelines(snap.HasPipelineNamed)
	return s.locks.ReconcileWithConfig(ctx, snap, func(pipeline string, fn func() error) error {
		return s.mutexes.With(scheduleKey(pipeline), fn)
	})
}

// MaterialUpdated records modifications pushed for a material and triggers
// every pipeline that uses it.
func (s *Service) MaterialUpdated(ctx context.Context, fingerprint string, mods []model.Modification) map[string]gate.Result {
	if s.store.RecordModifications(fingerprint, mods...) == 0 {
		return nil
	}
	out := make(map[string]gate.Result)
	for _, p := range s.config.Current().Pipelines() {
		for _, m := range p.Materials {
			if m.Fingerprint() == fingerprint {
				out[p.Name] = s.ProduceBuildCause(ctx, TriggerRequest{Pipeline: p.Name, Site: gate.AutoTrigger, User: changesUser})
				break
			}
		}
	}
	return out
}
