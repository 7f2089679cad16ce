package schedule

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/buildcause"
	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/events"
	"github.com/msageha/conveyor/internal/gate"
	"github.com/msageha/conveyor/internal/health"
	"github.com/msageha/conveyor/internal/job"
	"github.com/msageha/conveyor/internal/lock"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/materials"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pipelinelock"
	"github.com/msageha/conveyor/internal/store"
	"github.com/msageha/conveyor/internal/txn"
)

const pipelines = `
pipelines:
  - name: up
    materials:
      - type: git
        url: https://example.com/up.git
    stages:
      - name: build
        jobs:
          - name: compile
            resources: [linux]
      - name: test
        environment_variables:
          - name: LEVEL
            value: stage
        jobs:
          - name: unit
            environment_variables:
              - name: LEVEL
                value: job
          - name: lint
      - name: deploy
        approval: manual
        jobs:
          - name: ship
  - name: down
    lock_behavior: lockOnFailure
    fan_in: false
    materials:
      - type: dependency
        pipeline: up
        stage: test
    stages:
      - name: only
        jobs:
          - name: run
`

type fakePool struct {
	mu      sync.Mutex
	added   []*model.JobPlan
	removed []int64
}

func (p *fakePool) Add(plan *model.JobPlan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, plan)
}

func (p *fakePool) Remove(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, id)
	return true
}

func (p *fakePool) jobNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, plan := range p.added {
		out = append(out, plan.Identifier.JobName)
	}
	return out
}

type capture struct {
	mu   sync.Mutex
	msgs map[events.EventType][]map[string]interface{}
}

func (c *capture) Publish(t events.EventType, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = make(map[events.EventType][]map[string]interface{})
	}
	c.msgs[t] = append(c.msgs[t], data)
}

type fixture struct {
	svc    *Service
	store  *store.Store
	locks  *pipelinelock.Manager
	health *health.Service
	pool   *fakePool
	bus    *capture
	snap   *config.Snapshot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	snap, err := config.Parse([]byte(pipelines))
	require.NoError(t, err)
	pub := config.NewPublisher(snap)
	logger := logging.Discard()
	st := store.New("")
	txm := txn.NewManager(logger)
	mutexes := lock.NewMutexMap()
	hs := health.NewService()
	locks := pipelinelock.NewManager(st, pub, txm, mutexes, logger)
	tracker := job.NewTracker(st, txm, hs, events.NewBus(100, logger), mutexes, logger)

	svc := NewService(st, pub, txm, mutexes, buildcause.NewResolver(st, logger, 10), materials.NewDefaultRegistry(st), locks, tracker, hs, logger)
	f := &fixture{svc: svc, store: st, locks: locks, health: hs, pool: &fakePool{}, bus: &capture{}, snap: snap}
	svc.SetPool(f.pool)
	svc.SetEventBus(f.bus)
	return f
}

func (f *fixture) commit(t *testing.T, revision string) {
	t.Helper()
	cfg, ok := f.snap.PipelineConfigNamed("up")
	require.True(t, ok)
	f.store.RecordModifications(cfg.Materials[0].Fingerprint(), model.Modification{Revision: revision, Author: "dev", ModifiedAt: time.Now()})
}

func (f *fixture) trigger(pipeline string) gate.Result {
	return f.svc.ProduceBuildCause(context.Background(), TriggerRequest{Pipeline: pipeline, Site: gate.ManualTrigger, User: "alice"})
}

func (f *fixture) scheduledJob(t *testing.T, pipeline, name string) *model.JobInstance {
	t.Helper()
	for _, j := range f.store.JobsInState(model.JobScheduled) {
		if j.Identifier.Name == pipeline && j.Identifier.JobName == name {
			return j
		}
	}
	t.Fatalf("no scheduled job %s/%s", pipeline, name)
	return nil
}

func (f *fixture) run(t *testing.T, pipeline, name string, result model.JobResult) {
	t.Helper()
	ctx := context.Background()
	j := f.scheduledJob(t, pipeline, name)
	_, err := f.svc.Assign(ctx, j.ID(), "agent-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateJobStatus(ctx, j.ID(), model.JobBuilding, model.ResultUnknown))
	require.NoError(t, f.svc.UpdateJobStatus(ctx, j.ID(), model.JobCompleted, result))
}

func (f *fixture) stageState(t *testing.T, pipeline string, counter int, stage string) model.StageState {
	t.Helper()
	st, ok := f.store.LatestStage(model.PipelineIdentifier{Name: pipeline, Counter: counter}, stage)
	require.True(t, ok)
	return st.State
}

func TestManualTriggerSchedulesFirstStage(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "abc")

	r := f.trigger("UP")
	require.False(t, r.Failed(), r.Message)
	assert.Equal(t, http.StatusAccepted, r.Code)
	assert.Equal(t, []string{"up"}, f.svc.Queued())

	assert.Equal(t, 1, f.svc.ScheduleFromQueue(context.Background()))
	assert.Empty(t, f.svc.Queued())

	run, ok := f.store.LatestPipeline("up")
	require.True(t, ok)
	assert.Equal(t, 1, run.Identifier.Counter)
	assert.Equal(t, "alice", run.BuildCause.Approver())
	assert.Equal(t, model.TriggerManual, run.BuildCause.Trigger())

	require.Equal(t, []string{"compile"}, f.pool.jobNames())
	plan := f.pool.added[0]
	assert.Equal(t, []string{"linux"}, plan.Resources)
	assert.Equal(t, 60, plan.TimeoutMin)
	stored, ok := f.store.Plan(plan.JobID)
	require.True(t, ok)
	assert.Same(t, plan, stored)
}

func TestManualTriggerIsDebounced(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "abc")

	require.False(t, f.trigger("up").Failed())
	r := f.trigger("up")
	require.True(t, r.Failed())
	assert.Equal(t, http.StatusConflict, r.Code)
	assert.Equal(t, "Pipeline already forced", r.Message)

	f.svc.ScheduleFromQueue(context.Background())
	r = f.trigger("up")
	require.True(t, r.Failed())
	assert.Contains(t, r.Description, "Stage [build] in pipeline [up] is still in progress")
}

func TestNoModificationsIsFatal(t *testing.T) {
	f := newFixture(t)

	r := f.trigger("up")
	require.True(t, r.Failed())
	assert.Equal(t, http.StatusUnprocessableEntity, r.Code)
	assert.Empty(t, f.svc.Queued())

	st, ok := f.health.Get(health.ForPipeline("up"))
	require.True(t, ok)
	assert.Equal(t, health.LevelError, st.Level)
	assert.Equal(t, "Error while scheduling pipeline: up as no modifications were found.", st.Message)

	f.commit(t, "abc")
	require.False(t, f.trigger("up").Failed(), "debounce mark is cleared after a failed resolution")
	_, ok = f.health.Get(health.ForPipeline("up"))
	assert.False(t, ok, "successful resolution clears the error")
}

func TestAutoTriggerWithoutChanges(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "abc")
	require.False(t, f.trigger("up").Failed())
	f.svc.ScheduleFromQueue(context.Background())
	f.run(t, "up", "compile", model.ResultPassed)

	r := f.svc.ProduceBuildCause(context.Background(), TriggerRequest{Pipeline: "up", Site: gate.AutoTrigger})
	require.False(t, r.Failed(), r.Message)
	assert.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, "No changes detected for pipeline up", r.Message)
	assert.Empty(t, f.svc.Queued())

	f.commit(t, "def")
	r = f.svc.ProduceBuildCause(context.Background(), TriggerRequest{Pipeline: "up", Site: gate.AutoTrigger})
	assert.Equal(t, http.StatusAccepted, r.Code)
}

func TestStagesFlowAndDownstreamLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "abc")
	require.False(t, f.trigger("up").Failed())
	f.svc.ScheduleFromQueue(ctx)

	f.run(t, "up", "compile", model.ResultPassed)
	assert.Equal(t, model.StagePassed, f.stageState(t, "up", 1, "build"))
	assert.Equal(t, []string{"compile", "unit", "lint"}, f.pool.jobNames())

	unit := f.pool.added[1]
	env := map[string]string{}
	for _, v := range unit.Variables {
		env[v.Name] = v.Value
	}
	assert.Equal(t, "job", env["LEVEL"])

	f.run(t, "up", "unit", model.ResultPassed)
	assert.Empty(t, f.svc.Queued(), "stage still building")
	f.run(t, "up", "lint", model.ResultPassed)
	assert.Equal(t, model.StagePassed, f.stageState(t, "up", 1, "test"))

	_, ok := f.store.LatestStage(model.PipelineIdentifier{Name: "up", Counter: 1}, "deploy")
	assert.False(t, ok, "manual stage waits for approval")
	assert.Equal(t, []string{"down"}, f.svc.Queued())

	require.Equal(t, 1, f.svc.ScheduleFromQueue(ctx))
	owner, locked := f.locks.LockedBy("down")
	require.True(t, locked)
	assert.Equal(t, "only", owner.StageName)

	f.run(t, "down", "run", model.ResultPassed)
	_, locked = f.locks.LockedBy("down")
	assert.False(t, locked)

	r := f.svc.ScheduleStage(ctx, model.PipelineIdentifier{Name: "up", Counter: 1}, "deploy", "alice")
	require.False(t, r.Failed(), r.Message)
	st, ok := f.store.LatestStage(model.PipelineIdentifier{Name: "up", Counter: 1}, "deploy")
	require.True(t, ok)
	assert.Equal(t, "manual", st.ApprovalType)
	assert.Equal(t, "alice", st.ApprovedBy)
}

func TestLockedPipelineRejectsNewRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "abc")
	f.trigger("up")
	f.svc.ScheduleFromQueue(ctx)
	f.run(t, "up", "compile", model.ResultPassed)
	f.run(t, "up", "unit", model.ResultPassed)
	f.run(t, "up", "lint", model.ResultPassed)
	f.svc.ScheduleFromQueue(ctx)

	r := f.svc.ProduceBuildCause(ctx, TriggerRequest{Pipeline: "down", Site: gate.ManualTrigger, User: "alice"})
	require.True(t, r.Failed())
	assert.Equal(t, http.StatusConflict, r.Code)
	assert.Contains(t, r.Description, "Pipeline down is locked by down/1")
}

func TestCancelCompletesStageAndUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "abc")
	f.trigger("up")
	f.svc.ScheduleFromQueue(ctx)
	f.run(t, "up", "compile", model.ResultPassed)
	f.run(t, "up", "unit", model.ResultPassed)
	f.run(t, "up", "lint", model.ResultPassed)
	f.svc.ScheduleFromQueue(ctx)

	j := f.scheduledJob(t, "down", "run")
	require.NoError(t, f.svc.CancelJob(ctx, j.ID()))
	assert.Equal(t, model.StageCancelled, f.stageState(t, "down", 1, "only"))
	_, locked := f.locks.LockedBy("down")
	assert.False(t, locked)
	assert.Contains(t, f.pool.removed, j.ID())

	_, changed, err := f.svc.Cancel(ctx, j.ID())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRerunJobsKeepsOtherOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "abc")
	f.trigger("up")
	f.svc.ScheduleFromQueue(ctx)
	f.run(t, "up", "compile", model.ResultPassed)
	f.run(t, "up", "unit", model.ResultFailed)
	f.run(t, "up", "lint", model.ResultPassed)
	require.Equal(t, model.StageFailed, f.stageState(t, "up", 1, "test"))

	p := model.PipelineIdentifier{Name: "up", Counter: 1}
	r := f.svc.ScheduleStage(ctx, p, "deploy", "alice")
	require.True(t, r.Failed())
	assert.Equal(t, "Cannot schedule deploy as the previous stage test has Failed!", r.Message)

	r = f.svc.RerunJobs(ctx, p, "test", []string{"nope"}, "alice")
	assert.Equal(t, http.StatusNotFound, r.Code)

	before := len(f.pool.added)
	r = f.svc.RerunJobs(ctx, p, "test", []string{"unit"}, "alice")
	require.False(t, r.Failed(), r.Message)
	require.Len(t, f.pool.added, before+1)
	assert.Equal(t, "unit", f.pool.added[before].Identifier.JobName)
	assert.Equal(t, 2, f.pool.added[before].Identifier.StageCounter)

	second := f.store.JobsForStage(model.StageIdentifier{PipelineIdentifier: p, StageName: "test", StageCounter: 2})
	require.Len(t, second, 2)
	assert.Equal(t, model.JobScheduled, second[0].State)
	assert.True(t, second[0].Rerun)
	assert.Equal(t, model.JobCompleted, second[1].State)
	assert.Equal(t, model.ResultPassed, second[1].Result)

	f.run(t, "up", "unit", model.ResultPassed)
	assert.Equal(t, model.StagePassed, f.stageState(t, "up", 1, "test"))
}

func TestRerunStageNeverRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "abc")
	f.trigger("up")
	f.svc.ScheduleFromQueue(ctx)
	f.run(t, "up", "compile", model.ResultPassed)
	f.run(t, "up", "unit", model.ResultPassed)
	f.run(t, "up", "lint", model.ResultPassed)

	r := f.svc.RerunStage(ctx, model.PipelineIdentifier{Name: "up", Counter: 1}, "deploy", "alice")
	require.True(t, r.Failed())
	assert.Equal(t, http.StatusNotFound, r.Code)

	r = f.svc.RerunStage(ctx, model.PipelineIdentifier{Name: "up", Counter: 9}, "build", "alice")
	require.True(t, r.Failed())
	assert.Equal(t, http.StatusNotFound, r.Code)

	r = f.svc.RerunStage(ctx, model.PipelineIdentifier{Name: "up", Counter: 1}, "build", "alice")
	require.False(t, r.Failed(), r.Message)
	st, ok := f.store.LatestStage(model.PipelineIdentifier{Name: "up", Counter: 1}, "build")
	require.True(t, ok)
	assert.Equal(t, 2, st.Identifier.StageCounter)
}

func TestPauseRejectsTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "abc")
	require.NoError(t, f.svc.Pause(ctx, "up", "alice", "maintenance"))

	r := f.trigger("up")
	require.True(t, r.Failed())
	assert.Equal(t, "Pipeline up is paused by alice: maintenance", r.Description)

	require.NoError(t, f.svc.Unpause(ctx, "up", "alice"))
	assert.False(t, f.trigger("up").Failed())

	assert.ErrorIs(t, f.svc.Pause(ctx, "ghost", "alice", ""), ErrPipelineNotFound)
}

func TestMaintenanceAndDiskSpace(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "abc")

	f.svc.SetMaintenanceMode(func() bool { return true })
	assert.Equal(t, http.StatusServiceUnavailable, f.trigger("up").Code)

	f.svc.SetMaintenanceMode(func() bool { return false })
	f.svc.SetDiskSpace(gate.FixedDiskSpace(10), 100)
	r := f.trigger("up")
	assert.Equal(t, "Not enough disk space", r.Message)
}

func TestRejectionsArePublishedWithTrackingID(t *testing.T) {
	f := newFixture(t)
	f.svc.newID = func() string { return "track-1" }
	f.commit(t, "abc")

	f.svc.SetAuthorizer(gate.NewOperators("bob"))
	r := f.trigger("up")
	require.True(t, r.Failed())
	assert.Equal(t, http.StatusForbidden, r.Code)
	require.Len(t, f.bus.msgs[events.EventSchedulingRejected], 1)
	assert.Equal(t, "track-1", f.bus.msgs[events.EventSchedulingRejected][0]["tracking_id"])

	f.svc.SetAuthorizer(gate.AllowAll{})
	require.False(t, f.trigger("up").Failed())
	require.Len(t, f.bus.msgs[events.EventBuildCauseProduced], 1)
	assert.Equal(t, "track-1", f.bus.msgs[events.EventBuildCauseProduced][0]["tracking_id"])
}

func TestRescheduleJobRepools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "abc")
	f.trigger("up")
	f.svc.ScheduleFromQueue(ctx)

	old := f.scheduledJob(t, "up", "compile")
	_, err := f.svc.Assign(ctx, old.ID(), "agent-1")
	require.NoError(t, err)

	fresh, err := f.svc.RescheduleJob(ctx, old.ID())
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Contains(t, f.pool.removed, old.ID())
	last := f.pool.added[len(f.pool.added)-1]
	assert.Equal(t, fresh.ID(), last.JobID)
}

func TestUpdateJobStatusRejectsUnsupported(t *testing.T) {
	f := newFixture(t)
	err := f.svc.UpdateJobStatus(context.Background(), 1, model.JobAssigned, model.ResultUnknown)
	assert.ErrorIs(t, err, ErrUnsupportedState)
	assert.ErrorIs(t, f.svc.CancelJob(context.Background(), 42), job.ErrJobNotFound)
}

func TestMaterialUpdatedTriggersUsers(t *testing.T) {
	f := newFixture(t)
	cfg, _ := f.snap.PipelineConfigNamed("up")
	fp := cfg.Materials[0].Fingerprint()

	results := f.svc.MaterialUpdated(context.Background(), fp, []model.Modification{{Revision: "abc", ModifiedAt: time.Now()}})
	require.Contains(t, results, "up")
	assert.Equal(t, http.StatusAccepted, results["up"].Code)

	assert.Nil(t, f.svc.MaterialUpdated(context.Background(), fp, []model.Modification{{Revision: "abc"}}), "known revision")
}

func TestTriggerMonitorWindow(t *testing.T) {
	m := NewTriggerMonitor(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	assert.True(t, m.MarkTriggered("P"))
	assert.False(t, m.MarkTriggered("p"))
	assert.True(t, m.IsTriggered("P"))

	now = now.Add(2 * time.Minute)
	assert.False(t, m.IsTriggered("P"))
	assert.True(t, m.MarkTriggered("P"))

	m.Clear("P")
	assert.False(t, m.IsTriggered("P"))
}

func TestLayerVariables(t *testing.T) {
	got := layerVariables(
		[]model.EnvironmentVariable{{Name: "A", Value: "1", Secure: true}, {Name: "B", Value: "2"}},
		[]model.EnvironmentVariable{{Name: "a", Value: "3"}},
	)
	assert.Equal(t, []model.EnvironmentVariable{{Name: "a", Value: "3", Secure: true}, {Name: "B", Value: "2"}}, got)
}
