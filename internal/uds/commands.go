package uds

import (
	"github.com/msageha/conveyor/internal/model"
)

// Command names served by the daemon.
const (
	CmdPing           = "ping"
	CmdShutdown       = "shutdown"
	CmdTrigger        = "trigger"
	CmdScheduleStage  = "schedule_stage"
	CmdRerunStage     = "rerun_stage"
	CmdRerunJobs      = "rerun_jobs"
	CmdMaterialUpdate = "material_update"
	CmdWork           = "work"
	CmdJobStatus      = "job_status"
	CmdConsole        = "console"
	CmdCancelJob      = "cancel_job"
	CmdPause          = "pause"
	CmdUnpause        = "unpause"
	CmdStatus         = "status"
	CmdMetrics        = "metrics"
	CmdMaintenance    = "maintenance"
)

type TriggerParams struct {
	Pipeline  string            `json:"pipeline"`
	User      string            `json:"user,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// StageParams addresses a stage of an existing run. Jobs is used by rerun_jobs.
type StageParams struct {
	Pipeline string   `json:"pipeline"`
	Counter  int      `json:"counter"`
	Stage    string   `json:"stage"`
	Jobs     []string `json:"jobs,omitempty"`
	User     string   `json:"user,omitempty"`
}

// MaterialUpdateParams reports new revisions of a material, identified by its
// fingerprint or by pipeline and material name.
type MaterialUpdateParams struct {
	Fingerprint   string               `json:"fingerprint,omitempty"`
	Pipeline      string               `json:"pipeline,omitempty"`
	Material      string               `json:"material,omitempty"`
	Modifications []model.Modification `json:"modifications"`
}

// WorkParams is an agent asking for work.
type WorkParams struct {
	Agent model.Agent `json:"agent"`
}

// WorkResult carries the assigned work. AssignmentID is empty when there is
// nothing to do. Env holds resolved variable values, secrets included.
type WorkResult struct {
	AssignmentID string                   `json:"assignment_id,omitempty"`
	Plan         *model.JobPlan           `json:"plan,omitempty"`
	Environment  string                   `json:"environment,omitempty"`
	Materials    []model.MaterialRevision `json:"materials,omitempty"`
	Env          map[string]string        `json:"env,omitempty"`
}

type JobStatusParams struct {
	BuildID int64           `json:"build_id"`
	State   model.JobState  `json:"state"`
	Result  model.JobResult `json:"result,omitempty"`
}

type ConsoleParams struct {
	BuildID int64  `json:"build_id"`
	Text    string `json:"text"`
}

type CancelJobParams struct {
	BuildID int64 `json:"build_id"`
}

type PauseParams struct {
	Pipeline string `json:"pipeline"`
	User     string `json:"user,omitempty"`
	Cause    string `json:"cause,omitempty"`
}

type MaintenanceParams struct {
	Enabled bool `json:"enabled"`
}

// CancelJobResult reports the job after a cancel request. Changed is false
// when the job had already finished.
type CancelJobResult struct {
	BuildID int64          `json:"build_id"`
	State   model.JobState `json:"state"`
	Changed bool           `json:"changed"`
}

// TriggerResult is the accepted outcome of a scheduling request.
type TriggerResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
