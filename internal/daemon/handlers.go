package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/msageha/conveyor/internal/events"
	"github.com/msageha/conveyor/internal/gate"
	"github.com/msageha/conveyor/internal/job"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/schedule"
	"github.com/msageha/conveyor/internal/uds"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
	d.server.Handle(uds.CmdTrigger, d.handleTrigger)
	d.server.Handle(uds.CmdScheduleStage, d.handleStage(d.service.ScheduleStage))
	d.server.Handle(uds.CmdRerunStage, d.handleStage(d.service.RerunStage))
	d.server.Handle(uds.CmdRerunJobs, d.handleRerunJobs)
	d.server.Handle(uds.CmdMaterialUpdate, d.handleMaterialUpdate)
	d.server.Handle(uds.CmdWork, d.handleWork)
	d.server.Handle(uds.CmdJobStatus, d.handleJobStatus)
	d.server.Handle(uds.CmdConsole, d.handleConsole)
	d.server.Handle(uds.CmdCancelJob, d.handleCancelJob)
	d.server.Handle(uds.CmdPause, d.handlePause)
	d.server.Handle(uds.CmdUnpause, d.handleUnpause)
	d.server.Handle(uds.CmdMaintenance, d.handleMaintenance)
	d.server.Handle(uds.CmdStatus, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})
	d.server.Handle(uds.CmdMetrics, func(context.Context, *uds.Request) *uds.Response {
		text, err := d.metrics.Render()
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(text)
	})
}

func resultResponse(r gate.Result) *uds.Response {
	if r.Failed() {
		return uds.RejectedResponse(r.Code, r.Message, r.Description)
	}
	return uds.SuccessResponse(uds.TriggerResult{Code: r.Code, Message: r.Message})
}

func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, job.ErrJobNotFound), errors.Is(err, schedule.ErrPipelineNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, schedule.ErrUnsupportedState), errors.Is(err, model.ErrInvalidTransition):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func invalid(format string, args ...any) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf(format, args...))
}

func (d *Daemon) handleTrigger(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.TriggerParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if p.Pipeline == "" {
		return invalid("pipeline is required")
	}
	return resultResponse(d.service.ProduceBuildCause(ctx, schedule.TriggerRequest{
		Pipeline:  p.Pipeline,
		Site:      gate.ManualTrigger,
		User:      p.User,
		Variables: p.Variables,
	}))
}

// runOf resolves the run a stage request addresses. Counter zero means the
// latest run.
func (d *Daemon) runOf(p uds.StageParams) (model.PipelineIdentifier, *uds.Response) {
	if p.Pipeline == "" || p.Stage == "" {
		return model.PipelineIdentifier{}, invalid("pipeline and stage are required")
	}
	var (
		run *model.PipelineInstance
		ok  bool
	)
	if p.Counter > 0 {
		run, ok = d.store.Pipeline(p.Pipeline, p.Counter)
	} else {
		run, ok = d.store.LatestPipeline(p.Pipeline)
	}
	if !ok {
		return model.PipelineIdentifier{}, uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("no run of pipeline %s", p.Pipeline))
	}
	return run.Identifier, nil
}

func (d *Daemon) handleStage(fn func(ctx context.Context, p model.PipelineIdentifier, stage, user string) gate.Result) func(context.Context, *uds.Request) *uds.Response {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		var p uds.StageParams
		if err := req.Decode(&p); err != nil {
			return invalid("%v", err)
		}
		run, fail := d.runOf(p)
		if fail != nil {
			return fail
		}
		return resultResponse(fn(ctx, run, p.Stage, p.User))
	}
}

func (d *Daemon) handleRerunJobs(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.StageParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if len(p.Jobs) == 0 {
		return invalid("jobs are required")
	}
	run, fail := d.runOf(p)
	if fail != nil {
		return fail
	}
	return resultResponse(d.service.RerunJobs(ctx, run, p.Stage, p.Jobs, p.User))
}

// fingerprintOf finds the material a push notification is about.
func (d *Daemon) fingerprintOf(p uds.MaterialUpdateParams) (string, *uds.Response) {
	if p.Fingerprint != "" {
		return p.Fingerprint, nil
	}
	if p.Pipeline == "" {
		return "", invalid("fingerprint or pipeline is required")
	}
	cfg, ok := d.publisher.Current().PipelineConfigNamed(p.Pipeline)
	if !ok {
		return "", uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("pipeline %s not found", p.Pipeline))
	}
	for _, m := range cfg.Materials {
		if m.Kind == model.MaterialDependency {
			continue
		}
		if p.Material == "" || m.DisplayName() == p.Material {
			return m.Fingerprint(), nil
		}
	}
	return "", uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("material %q not found in pipeline %s", p.Material, p.Pipeline))
}

func (d *Daemon) handleMaterialUpdate(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.MaterialUpdateParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if len(p.Modifications) == 0 {
		return invalid("modifications are required")
	}
	fp, fail := d.fingerprintOf(p)
	if fail != nil {
		return fail
	}
	now := time.Now()
	for i := range p.Modifications {
		if p.Modifications[i].Revision == "" {
			return invalid("modification %d has no revision", i)
		}
		if p.Modifications[i].ModifiedAt.IsZero() {
			p.Modifications[i].ModifiedAt = now
		}
	}
	results := d.service.MaterialUpdated(ctx, fp, p.Modifications)
	if results == nil {
		results = map[string]gate.Result{}
	}
	return uds.SuccessResponse(results)
}

func (d *Daemon) handleWork(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.WorkParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if p.Agent.UUID == "" {
		return invalid("agent uuid is required")
	}
	a, err := d.dispatcher.AssignWork(ctx, p.Agent)
	if err != nil {
		return errorResponse(err)
	}
	if a == nil {
		return uds.SuccessResponse(uds.WorkResult{})
	}
	d.bus.Publish(events.EventJobAssigned, map[string]interface{}{
		"assignment_id": a.ID,
		"build_id":      strconv.FormatInt(a.Plan.JobID, 10),
		"job_id":        a.Plan.Identifier.String(),
		"pipeline":      a.Plan.Identifier.Name,
		"agent_uuid":    a.Agent.UUID,
	})
	return uds.SuccessResponse(uds.WorkResult{
		AssignmentID: a.ID,
		Plan:         a.Plan,
		Environment:  a.Environment,
		Materials:    a.Materials,
		Env:          a.Env(),
	})
}

func (d *Daemon) handleJobStatus(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.JobStatusParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if err := d.service.UpdateJobStatus(ctx, p.BuildID, p.State, p.Result); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleConsole(_ context.Context, req *uds.Request) *uds.Response {
	var p uds.ConsoleParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	j, ok := d.store.Job(p.BuildID)
	if !ok {
		return errorResponse(fmt.Errorf("%w: %d", job.ErrJobNotFound, p.BuildID))
	}
	if err := d.console.AppendAgentOutput(j.Identifier, p.Text); err != nil {
		return errorResponse(err)
	}
	d.monitor.ConsoleUpdatedFor(j.Identifier)
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleCancelJob(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.CancelJobParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	j, changed, err := d.service.Cancel(ctx, p.BuildID)
	if err != nil {
		return errorResponse(err)
	}
	res := uds.CancelJobResult{BuildID: p.BuildID, Changed: changed}
	if j != nil {
		res.State = j.State
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handlePause(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.PauseParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if err := d.service.Pause(ctx, p.Pipeline, p.User, p.Cause); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleUnpause(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.PauseParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if err := d.service.Unpause(ctx, p.Pipeline, p.User); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleMaintenance(_ context.Context, req *uds.Request) *uds.Response {
	var p uds.MaintenanceParams
	if err := req.Decode(&p); err != nil {
		return invalid("%v", err)
	}
	if d.maintenance.Swap(p.Enabled) != p.Enabled {
		d.logger.Infof("maintenance mode enabled=%t", p.Enabled)
	}
	return uds.SuccessResponse(map[string]bool{"enabled": p.Enabled})
}
