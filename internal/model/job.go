package model

import (
	"slices"
	"strings"
	"time"
)

type EnvironmentVariable struct {
	Name   string `yaml:"name" json:"name"`
	Value  string `yaml:"value" json:"-"`
	Secure bool   `yaml:"secure,omitempty" json:"secure,omitempty"`

	Secrets SecretParams `yaml:"-" json:"-"`
}

func (v EnvironmentVariable) Clone() EnvironmentVariable {
	c := v
	c.Secrets = v.Secrets.Clone()
	return c
}

// JobPlan is everything an agent needs to run a job. Immutable once created.
type JobPlan struct {
	JobID            int64                 `json:"job_id"`
	Identifier       JobIdentifier         `json:"identifier"`
	Resources        []string              `json:"resources,omitempty"`
	ElasticProfileID string                `json:"elastic_profile_id,omitempty"`
	ClusterProfileID string                `json:"cluster_profile_id,omitempty"`
	EnvironmentName  string                `json:"environment,omitempty"`
	Variables        []EnvironmentVariable `json:"variables,omitempty"`
	ArtifactStores   []string              `json:"artifact_stores,omitempty"`
	PipelineID       int64                 `json:"pipeline_id"`
	TimeoutMin       int                   `json:"timeout_min,omitempty"`
}

func (p *JobPlan) RequiresElasticAgent() bool {
	return p.ElasticProfileID != ""
}

// Clone returns a deep copy so secret resolution never writes into the pooled plan.
func (p *JobPlan) Clone() *JobPlan {
	c := *p
	c.Resources = slices.Clone(p.Resources)
	c.ArtifactStores = slices.Clone(p.ArtifactStores)
	c.Variables = make([]EnvironmentVariable, len(p.Variables))
	for i, v := range p.Variables {
		c.Variables[i] = v.Clone()
	}
	return &c
}

type JobStateTransition struct {
	State JobState  `json:"state"`
	At    time.Time `json:"at"`
}

type JobInstance struct {
	Identifier     JobIdentifier        `json:"identifier"`
	State          JobState             `json:"state"`
	Result         JobResult            `json:"result"`
	AgentUUID      string               `json:"agent_uuid,omitempty"`
	ScheduledAt    time.Time            `json:"scheduled_at"`
	StateChangedAt time.Time            `json:"state_changed_at"`
	Transitions    []JobStateTransition `json:"transitions,omitempty"`
	Rerun          bool                 `json:"rerun,omitempty"`
}

func (j *JobInstance) ID() int64 {
	return j.Identifier.BuildID
}

func (j *JobInstance) IsTerminal() bool {
	return IsJobTerminal(j.State)
}

func (j *JobInstance) Clone() *JobInstance {
	c := *j
	c.Transitions = slices.Clone(j.Transitions)
	return &c
}

// ChangeState records a transition at the given time. Callers validate first.
func (j *JobInstance) ChangeState(s JobState, at time.Time) {
	j.State = s
	j.StateChangedAt = at
	j.Transitions = append(j.Transitions, JobStateTransition{State: s, At: at})
}

type StageInstance struct {
	ID           int64           `json:"id"`
	Identifier   StageIdentifier `json:"identifier"`
	ApprovedBy   string          `json:"approved_by"`
	ApprovalType string          `json:"approval_type"`
	State        StageState      `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  time.Time       `json:"completed_at,omitzero"`
	JobIDs       []int64         `json:"job_ids"`
}

func (s *StageInstance) Clone() *StageInstance {
	c := *s
	c.JobIDs = slices.Clone(s.JobIDs)
	return &c
}

// ComputeStageState derives the stage state from its jobs. Rescheduled jobs are
// superseded by their replacement and are ignored.
func ComputeStageState(jobs []*JobInstance) StageState {
	var failed, cancelled bool
	for _, j := range jobs {
		switch {
		case j.State == JobRescheduled:
			continue
		case !j.IsTerminal():
			return StageBuilding
		case j.State == JobCancelled || j.Result == ResultCancelled:
			cancelled = true
		case j.Result == ResultFailed:
			failed = true
		}
	}
	switch {
	case failed:
		return StageFailed
	case cancelled:
		return StageCancelled
	default:
		return StagePassed
	}
}

type PipelineInstance struct {
	ID         int64              `json:"id"`
	Identifier PipelineIdentifier `json:"identifier"`
	BuildCause *BuildCause        `json:"build_cause"`
	CreatedAt  time.Time          `json:"created_at"`
}

type PipelineLockState struct {
	PipelineName string          `yaml:"pipeline_name" json:"pipeline_name"`
	LockedBy     StageIdentifier `yaml:"locked_by" json:"locked_by"`
	Locked       bool            `yaml:"locked" json:"locked"`
}

// Agent describes a worker asking for work.
type Agent struct {
	UUID            string   `json:"uuid"`
	Hostname        string   `json:"hostname"`
	Resources       []string `json:"resources,omitempty"`
	Environments    []string `json:"environments,omitempty"`
	ElasticAgentID  string   `json:"elastic_agent_id,omitempty"`
	ElasticPluginID string   `json:"elastic_plugin_id,omitempty"`
}

func (a Agent) IsElastic() bool {
	return a.ElasticAgentID != "" && a.ElasticPluginID != ""
}

// HasResources reports whether the agent offers every required resource.
// Resource names compare case-insensitively.
func (a Agent) HasResources(required []string) bool {
	for _, r := range required {
		if !slices.ContainsFunc(a.Resources, func(have string) bool { return strings.EqualFold(have, r) }) {
			return false
		}
	}
	return true
}

// InEnvironment reports whether the agent may run jobs of the given environment.
// An agent outside every environment only runs jobs outside every environment.
func (a Agent) InEnvironment(env string) bool {
	if env == "" {
		return len(a.Environments) == 0
	}
	return slices.ContainsFunc(a.Environments, func(e string) bool { return strings.EqualFold(e, env) })
}
