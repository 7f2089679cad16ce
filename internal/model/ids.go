package model

import (
	"fmt"
	"strings"
)

type PipelineIdentifier struct {
	Name    string `yaml:"name" json:"pipeline_name"`
	Counter int    `yaml:"counter" json:"pipeline_counter"`
	Label   string `yaml:"label,omitempty" json:"pipeline_label,omitempty"`
}

func (p PipelineIdentifier) String() string {
	return fmt.Sprintf("%s/%d", p.Name, p.Counter)
}

// SameRun reports whether both identifiers refer to the same pipeline run.
// Pipeline names compare case-insensitively.
func (p PipelineIdentifier) SameRun(other PipelineIdentifier) bool {
	return strings.EqualFold(p.Name, other.Name) && p.Counter == other.Counter
}

type StageIdentifier struct {
	PipelineIdentifier `yaml:",inline"`
	StageName          string `yaml:"stage_name" json:"stage_name"`
	StageCounter       int    `yaml:"stage_counter" json:"stage_counter"`
}

func (s StageIdentifier) String() string {
	return fmt.Sprintf("%s/%d/%s/%d", s.Name, s.Counter, s.StageName, s.StageCounter)
}

func (s StageIdentifier) Pipeline() PipelineIdentifier {
	return s.PipelineIdentifier
}

func (s StageIdentifier) IsZero() bool {
	return s.Name == "" && s.StageName == ""
}

type JobIdentifier struct {
	StageIdentifier `yaml:",inline"`
	JobName         string `yaml:"job_name" json:"job_name"`
	BuildID         int64  `yaml:"build_id" json:"build_id"`
}

func (j JobIdentifier) String() string {
	return fmt.Sprintf("%s/%s", j.StageIdentifier.String(), j.JobName)
}

// DisplayName is the counter-free pipeline/stage/job form used in health messages.
func (j JobIdentifier) DisplayName() string {
	return fmt.Sprintf("%s/%s/%s", j.Name, j.StageName, j.JobName)
}

func (j JobIdentifier) Stage() StageIdentifier {
	return j.StageIdentifier
}

// SameJobConfig reports whether both identifiers name the same pipeline, stage and job
// configuration regardless of counters.
func (j JobIdentifier) SameJobConfig(pipeline, stage, job string) bool {
	return strings.EqualFold(j.Name, pipeline) &&
		strings.EqualFold(j.StageName, stage) &&
		strings.EqualFold(j.JobName, job)
}
