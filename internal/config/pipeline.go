// Package config loads pipelines.yaml into immutable snapshots and publishes
// new snapshots to subscribers whenever the file changes.
package config

import (
	"path"
	"strings"

	"github.com/msageha/conveyor/internal/model"
)

type LockBehavior string

const (
	LockNone               LockBehavior = "none"
	LockOnFailure          LockBehavior = "lockOnFailure"
	LockUnlockWhenFinished LockBehavior = "unlockWhenFinished"
)

type ApprovalType string

const (
	ApprovalSuccess ApprovalType = "success"
	ApprovalManual  ApprovalType = "manual"
)

type PipelineConfig struct {
	Name          string                      `yaml:"name"`
	Group         string                      `yaml:"group,omitempty"`
	LabelTemplate string                      `yaml:"label_template,omitempty"`
	LockBehavior  LockBehavior                `yaml:"lock_behavior,omitempty"`
	FanIn         *bool                       `yaml:"fan_in,omitempty"`
	Timer         *TimerConfig                `yaml:"timer,omitempty"`
	WarningMin    *int                        `yaml:"unresponsive_warning_min,omitempty"`
	JobTimeoutMin *int                        `yaml:"job_timeout_min,omitempty"`
	Variables     []model.EnvironmentVariable `yaml:"environment_variables,omitempty"`
	Materials     []model.Material            `yaml:"materials"`
	Stages        []StageConfig               `yaml:"stages"`
}

type TimerConfig struct {
	Spec          string `yaml:"spec"`
	OnlyOnChanges bool   `yaml:"only_on_changes,omitempty"`
}

type StageConfig struct {
	Name      string                      `yaml:"name"`
	Approval  ApprovalType                `yaml:"approval,omitempty"`
	Variables []model.EnvironmentVariable `yaml:"environment_variables,omitempty"`
	Jobs      []JobConfig                 `yaml:"jobs"`
}

type JobConfig struct {
	Name             string                      `yaml:"name"`
	Resources        []string                    `yaml:"resources,omitempty"`
	ElasticProfileID string                      `yaml:"elastic_profile_id,omitempty"`
	TimeoutMin       *int                        `yaml:"timeout_min,omitempty"`
	Variables        []model.EnvironmentVariable `yaml:"environment_variables,omitempty"`
	ArtifactStores   []string                    `yaml:"artifact_stores,omitempty"`
}

func (p *PipelineConfig) IsLockable() bool {
	return p.LockBehavior == LockOnFailure || p.LockBehavior == LockUnlockWhenFinished
}

func (p *PipelineConfig) IsUnlockableWhenFinished() bool {
	return p.LockBehavior == LockUnlockWhenFinished
}

// FanInEnabled defaults to true.
func (p *PipelineConfig) FanInEnabled() bool {
	return p.FanIn == nil || *p.FanIn
}

func (p *PipelineConfig) FirstStage() *StageConfig {
	if len(p.Stages) == 0 {
		return nil
	}
	return &p.Stages[0]
}

func (p *PipelineConfig) stageIndex(name string) int {
	for i := range p.Stages {
		if strings.EqualFold(p.Stages[i].Name, name) {
			return i
		}
	}
	return -1
}

func (p *PipelineConfig) Stage(name string) (*StageConfig, bool) {
	i := p.stageIndex(name)
	if i < 0 {
		return nil, false
	}
	return &p.Stages[i], true
}

func (p *PipelineConfig) NextStage(name string) (*StageConfig, bool) {
	i := p.stageIndex(name)
	if i < 0 || i+1 >= len(p.Stages) {
		return nil, false
	}
	return &p.Stages[i+1], true
}

func (p *PipelineConfig) PreviousStage(name string) (*StageConfig, bool) {
	i := p.stageIndex(name)
	if i <= 0 {
		return nil, false
	}
	return &p.Stages[i-1], true
}

func (p *PipelineConfig) IsFirstStage(name string) bool {
	return p.stageIndex(name) == 0
}

func (p *PipelineConfig) IsLastStage(name string) bool {
	i := p.stageIndex(name)
	return i >= 0 && i == len(p.Stages)-1
}

func (p *PipelineConfig) DependencyMaterials() []model.Material {
	var out []model.Material
	for _, m := range p.Materials {
		if m.IsDependency() {
			out = append(out, m)
		}
	}
	return out
}

func (s *StageConfig) IsManual() bool {
	return s.Approval == ApprovalManual
}

func (s *StageConfig) Job(name string) (*JobConfig, bool) {
	for i := range s.Jobs {
		if strings.EqualFold(s.Jobs[i].Name, name) {
			return &s.Jobs[i], true
		}
	}
	return nil, false
}

type EnvironmentConfig struct {
	Name      string                      `yaml:"name"`
	Pipelines []string                    `yaml:"pipelines"`
	Variables []model.EnvironmentVariable `yaml:"environment_variables,omitempty"`
}

func (e *EnvironmentConfig) ContainsPipeline(name string) bool {
	for _, p := range e.Pipelines {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

type ElasticProfile struct {
	ID               string            `yaml:"id"`
	ClusterProfileID string            `yaml:"cluster_profile_id"`
	Properties       map[string]string `yaml:"properties,omitempty"`
}

type ClusterProfile struct {
	ID         string            `yaml:"id"`
	PluginID   string            `yaml:"plugin_id"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

type SecretConfig struct {
	ID         string            `yaml:"id"`
	PluginID   string            `yaml:"plugin_id"`
	Properties map[string]string `yaml:"properties,omitempty"`
	Rules      []SecretRule      `yaml:"rules,omitempty"`
}

// SecretRule allows or denies references from pipeline groups or environments
// whose name matches Resource (a path.Match glob).
type SecretRule struct {
	Directive string `yaml:"directive"`
	Type      string `yaml:"type"`
	Resource  string `yaml:"resource"`
}

const (
	ReferrerPipelineGroup = "pipeline_group"
	ReferrerEnvironment   = "environment"
)

// CanBeReferencedBy evaluates rules in order; the first matching rule decides.
// A config without rules may be referenced by anyone; with rules, anything
// unmatched is denied.
func (c SecretConfig) CanBeReferencedBy(kind, name string) bool {
	if len(c.Rules) == 0 {
		return true
	}
	for _, r := range c.Rules {
		if r.Type != "*" && !strings.EqualFold(r.Type, kind) {
			continue
		}
		if ok, _ := path.Match(strings.ToLower(r.Resource), strings.ToLower(name)); !ok {
			continue
		}
		return strings.EqualFold(r.Directive, "allow")
	}
	return false
}

type Defaults struct {
	JobTimeoutMin          int `yaml:"job_timeout_min"`
	UnresponsiveWarningMin int `yaml:"unresponsive_warning_min"`
}
