package schedule

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/gate"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
)

// rerunSpec selects the jobs of a stage rerun. Jobs not selected keep the
// outcome of the previous stage run.
type rerunSpec struct {
	only     map[string]bool
	previous map[string]*model.JobInstance
}

func (r *rerunSpec) includes(job string) bool {
	return r.only == nil || r.only[strings.ToLower(job)]
}

func newRerunSpec(previous []*model.JobInstance, jobs []string) *rerunSpec {
	r := &rerunSpec{only: make(map[string]bool), previous: make(map[string]*model.JobInstance)}
	for _, j := range jobs {
		r.only[strings.ToLower(j)] = true
	}
	for _, j := range previous {
		if j.State != model.JobRescheduled {
			r.previous[strings.ToLower(j.Identifier.JobName)] = j
		}
	}
	return r
}

// createStage creates the next run of stage in run p, locks the pipeline when
// needed and creates a job and plan per job config. It returns the new plans.
func (s *Service) createStage(ctx context.Context, tx *txn.Tx, snap *config.Snapshot, cfg *config.PipelineConfig, p *model.PipelineInstance, stage *config.StageConfig, approvedBy, approvalType string, rerun *rerunSpec) ([]*model.JobPlan, error) {
	sid := model.StageIdentifier{
		PipelineIdentifier: p.Identifier,
		StageName:          stage.Name,
		StageCounter:       s.store.NextStageCounter(p.Identifier, stage.Name),
	}
	if err := s.locks.LockIfNeeded(tx, sid); err != nil {
		return nil, err
	}
	s.store.CreateStage(tx, sid, approvedBy, approvalType, s.now())

	var plans []*model.JobPlan
	for i := range stage.Jobs {
		jc := &stage.Jobs[i]
		jid := model.JobIdentifier{StageIdentifier: sid, JobName: jc.Name}
		if rerun != nil && !rerun.includes(jc.Name) {
			if prev, ok := rerun.previous[strings.ToLower(jc.Name)]; ok {
				s.copyJob(tx, jid, prev)
				continue
			}
		}
		plan := s.buildPlan(snap, cfg, stage, jc, p, jid)
		if _, err := s.jobs.Create(ctx, jid, rerun != nil, plan); err != nil {
			return nil, fmt.Errorf("create job %s: %w", jid, err)
		}
		plans = append(plans, plan)
	}
	s.logger.Infof("stage %s created approved_by=%s jobs=%d tracking=%s", sid, approvedBy, len(plans), TrackingID(ctx))
	return plans, nil
}

// copyJob carries a job that is not rerun into the new stage run with its old outcome.
func (s *Service) copyJob(tx *txn.Tx, id model.JobIdentifier, prev *model.JobInstance) {
	j := s.store.CreateJob(tx, id, prev.ScheduledAt, false)
	j.State = prev.State
	j.Result = prev.Result
	j.AgentUUID = prev.AgentUUID
	j.StateChangedAt = prev.StateChangedAt
	j.Transitions = slices.Clone(prev.Transitions)
	s.store.UpdateJob(tx, j)
}

func (s *Service) buildPlan(snap *config.Snapshot, cfg *config.PipelineConfig, stage *config.StageConfig, jc *config.JobConfig, p *model.PipelineInstance, id model.JobIdentifier) *model.JobPlan {
	plan := &model.JobPlan{
		Identifier:       id,
		Resources:        slices.Clone(jc.Resources),
		ElasticProfileID: jc.ElasticProfileID,
		ArtifactStores:   slices.Clone(jc.ArtifactStores),
		PipelineID:       p.ID,
		TimeoutMin:       int(snap.UnresponsiveJobTerminationThreshold(id) / time.Minute),
	}
	if jc.ElasticProfileID != "" {
		if ep, ok := snap.ElasticProfile(jc.ElasticProfileID); ok {
			plan.ClusterProfileID = ep.ClusterProfileID
		}
	}
	if env, ok := snap.EnvironmentFor(cfg.Name); ok {
		plan.EnvironmentName = env.Name
	}
	plan.Variables = layerVariables(cfg.Variables, stage.Variables, jc.Variables, triggerVariables(p.BuildCause))
	return plan
}

func triggerVariables(cause *model.BuildCause) []model.EnvironmentVariable {
	if cause == nil {
		return nil
	}
	vars := cause.Variables()
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]model.EnvironmentVariable, 0, len(names))
	for _, k := range names {
		out = append(out, model.EnvironmentVariable{Name: k, Value: vars[k], Secrets: model.ParseSecretParams(vars[k])})
	}
	return out
}

// layerVariables merges variable lists by name, later lists winning. A
// variable stays secure once any layer marks it secure.
func layerVariables(layers ...[]model.EnvironmentVariable) []model.EnvironmentVariable {
	var out []model.EnvironmentVariable
	index := make(map[string]int)
	for _, layer := range layers {
		for _, v := range layer {
			v.Secrets = v.Secrets.Clone()
			k := strings.ToLower(v.Name)
			if i, ok := index[k]; ok {
				v.Secure = v.Secure || out[i].Secure
				out[i] = v
				continue
			}
			index[k] = len(out)
			out = append(out, v)
		}
	}
	return out
}

// ScheduleStage runs stage in an existing pipeline run, e.g. on approval of
// a manual stage.
func (s *Service) ScheduleStage(ctx context.Context, p model.PipelineIdentifier, stage, user string) gate.Result {
	return s.scheduleInRun(ctx, gate.ScheduleStage, p, stage, user, nil)
}

// RerunStage runs every job of an already run stage again.
func (s *Service) RerunStage(ctx context.Context, p model.PipelineIdentifier, stage, user string) gate.Result {
	return s.scheduleInRun(ctx, gate.RerunStage, p, stage, user, nil)
}

// RerunJobs runs the named jobs of an already run stage again; the other jobs
// keep their previous outcome.
func (s *Service) RerunJobs(ctx context.Context, p model.PipelineIdentifier, stage string, jobs []string, user string) gate.Result {
	if len(jobs) == 0 {
		return gate.Failure(http.StatusBadRequest, "No jobs selected", fmt.Sprintf("Select at least one job of %s/%d/%s to rerun.", p.Name, p.Counter, stage))
	}
	return s.scheduleInRun(ctx, gate.RerunJobs, p, stage, user, jobs)
}

func (s *Service) scheduleInRun(ctx context.Context, site gate.CallSite, p model.PipelineIdentifier, stageName, user string, jobs []string) gate.Result {
	ctx = WithTrackingID(ctx, s.newID())
	var (
		result gate.Result
		plans  []*model.JobPlan
		sid    string
	)
	err := s.mutexes.With(scheduleKey(p.Name), func() error {
		snap := s.config.Current()
		result = s.check(ctx, gate.For(site), s.runState(snap, p, stageName, user))
		if result.Failed() {
			return nil
		}
		cfg, _ := snap.PipelineConfigNamed(p.Name)
		stage, ok := cfg.Stage(stageName)
		if !ok {
			result = gate.Failure(http.StatusNotFound, fmt.Sprintf("Stage '%s' not found in pipeline '%s'", stageName, p.Name),
				fmt.Sprintf("Stage '%s' does not exist in pipeline '%s'.", stageName, p.Name))
			return nil
		}
		run, ok := s.store.Pipeline(p.Name, p.Counter)
		if !ok {
			result = gate.Failure(http.StatusNotFound, fmt.Sprintf("Pipeline '%s/%d' not found", p.Name, p.Counter),
				fmt.Sprintf("Run %d of pipeline %s does not exist.", p.Counter, p.Name))
			return nil
		}

		approvalType := approvalSuccess
		if stage.IsManual() {
			approvalType = approvalManual
		}
		var rerun *rerunSpec
		if site == gate.RerunStage || site == gate.RerunJobs {
			latest, ok := s.store.LatestStage(run.Identifier, stage.Name)
			if !ok {
				result = gate.Failure(http.StatusNotFound, fmt.Sprintf("Stage '%s' has not run in %s", stage.Name, run.Identifier),
					fmt.Sprintf("Only stages that ran before can be rerun; %s has no run of %s.", run.Identifier, stage.Name))
				return nil
			}
			approvalType = approvalManual
			rerun = &rerunSpec{}
			if site == gate.RerunJobs {
				for _, name := range jobs {
					if _, ok := stage.Job(name); !ok {
						result = gate.Failure(http.StatusNotFound, fmt.Sprintf("Job '%s' not found", name),
							fmt.Sprintf("Stage %s of pipeline %s has no job %s.", stage.Name, run.Identifier.Name, name))
						return nil
					}
				}
				rerun = newRerunSpec(s.store.JobsForStage(latest.Identifier), jobs)
			}
		}

		sid = fmt.Sprintf("%s/%s", run.Identifier, stage.Name)
		return s.txm.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
			var err error
			plans, err = s.createStage(ctx, tx, snap, cfg, run, stage, user, approvalType, rerun)
			return err
		})
	})
	if err != nil {
		s.logger.Errorf("%s pipeline=%s stage=%s tracking=%s: %v", site, p, stageName, TrackingID(ctx), err)
		return gate.Failure(http.StatusInternalServerError, fmt.Sprintf("Failed to schedule stage %s/%d/%s", p.Name, p.Counter, stageName), err.Error())
	}
	if result.Failed() {
		return result
	}
	s.addToPool(plans)
	result.Accept(http.StatusAccepted, fmt.Sprintf("Request to schedule stage %s accepted", sid))
	return result
}

// completeStage recomputes the stage of a finished job inside tx. It returns
// true when the stage has just passed.
func (s *Service) completeStage(tx *txn.Tx, sid model.StageIdentifier) (bool, error) {
	st, ok := s.store.Stage(sid)
	if !ok || model.IsStageCompleted(st.State) {
		return false, nil
	}
	state := model.ComputeStageState(s.store.JobsForStage(sid))
	if !model.IsStageCompleted(state) {
		return false, nil
	}
	st.State = state
	st.CompletedAt = s.now()
	s.store.UpdateStage(tx, st)
	if err := s.locks.UnlockIfNecessary(tx, st); err != nil {
		return false, err
	}
	s.logger.Infof("stage %s completed state=%s", sid, state)
	return state == model.StagePassed, nil
}

// afterStagePassed schedules the next stage when it is approved automatically
// and triggers pipelines that depend on the stage.
func (s *Service) afterStagePassed(ctx context.Context, sid model.StageIdentifier) {
	snap := s.config.Current()
	cfg, ok := snap.PipelineConfigNamed(sid.Name)
	if !ok {
		return
	}
	if next, ok := cfg.NextStage(sid.StageName); ok && !next.IsManual() {
		if s.store.PauseInfo(sid.Name).Paused {
			s.logger.Infof("pipeline %s is paused, not scheduling stage %s", sid.Name, next.Name)
		} else if r := s.ScheduleStage(ctx, sid.Pipeline(), next.Name, changesUser); r.Failed() {
			s.logger.Warnf("schedule next stage %s of %s: %s", next.Name, sid.Pipeline(), r.Message)
		}
	}

	for _, down := range snap.Pipelines() {
		for _, m := range down.DependencyMaterials() {
			if strings.EqualFold(m.PipelineName, sid.Name) && strings.EqualFold(m.StageName, sid.StageName) {
				r := s.ProduceBuildCause(ctx, TriggerRequest{Pipeline: down.Name, Site: gate.AutoTrigger, User: changesUser})
				s.logger.Debugf("downstream %s of %s: %d %s", down.Name, sid, r.Code, r.Message)
				break
			}
		}
	}
}
