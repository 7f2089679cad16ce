package config

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conveyor/internal/model"
)

const (
	defaultJobTimeoutMin = 60
	defaultWarningMin    = 5
)

// TimerParser accepts five-field cron specs with an optional leading seconds field.
var TimerParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type file struct {
	Defaults        Defaults            `yaml:"defaults"`
	Pipelines       []PipelineConfig    `yaml:"pipelines"`
	Environments    []EnvironmentConfig `yaml:"environments"`
	ElasticProfiles []ElasticProfile    `yaml:"elastic_profiles"`
	ClusterProfiles []ClusterProfile    `yaml:"cluster_profiles"`
	SecretConfigs   []SecretConfig      `yaml:"secret_configs"`
}

// Snapshot is an immutable view of the pipeline configuration. Callers must not
// modify values reached through it.
type Snapshot struct {
	defaults     Defaults
	pipelines    []*PipelineConfig
	byName       map[string]*PipelineConfig
	environments []*EnvironmentConfig
	elastic      map[string]ElasticProfile
	clusters     map[string]ClusterProfile
	secrets      map[string]SecretConfig
	checksum     string
	loadedAt     time.Time
}

func Empty() *Snapshot {
	s, _ := Parse([]byte("pipelines: []\n"))
	return s
}

func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Snapshot, error) {
	var f file
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pipelines config: %w", err)
	}
	sum := md5.Sum(data)

	s := &Snapshot{
		defaults: f.Defaults,
		byName:   make(map[string]*PipelineConfig),
		elastic:  make(map[string]ElasticProfile),
		clusters: make(map[string]ClusterProfile),
		secrets:  make(map[string]SecretConfig),
		checksum: hex.EncodeToString(sum[:]),
		loadedAt: time.Now(),
	}
	if s.defaults.JobTimeoutMin == 0 {
		s.defaults.JobTimeoutMin = defaultJobTimeoutMin
	}
	if s.defaults.UnresponsiveWarningMin == 0 {
		s.defaults.UnresponsiveWarningMin = defaultWarningMin
	}

	for _, c := range f.ClusterProfiles {
		s.clusters[c.ID] = c
	}
	for _, e := range f.ElasticProfiles {
		s.elastic[e.ID] = e
	}
	for _, sc := range f.SecretConfigs {
		s.secrets[sc.ID] = sc
	}
	for i := range f.Environments {
		env := &f.Environments[i]
		bindVariableSecrets(env.Variables)
		s.environments = append(s.environments, env)
	}
	for i := range f.Pipelines {
		p := &f.Pipelines[i]
		key := strings.ToLower(p.Name)
		if _, dup := s.byName[key]; dup {
			return nil, fmt.Errorf("duplicate pipeline %q", p.Name)
		}
		bindPipelineSecrets(p)
		s.byName[key] = p
		s.pipelines = append(s.pipelines, p)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func bindVariableSecrets(vars []model.EnvironmentVariable) {
	for i := range vars {
		vars[i].Secrets = model.ParseSecretParams(vars[i].Value)
	}
}

func bindPipelineSecrets(p *PipelineConfig) {
	for i := range p.Materials {
		m := &p.Materials[i]
		m.Secrets = model.ParseSecretParams(m.URL, m.Username, m.Password)
	}
	bindVariableSecrets(p.Variables)
	for si := range p.Stages {
		bindVariableSecrets(p.Stages[si].Variables)
		for ji := range p.Stages[si].Jobs {
			bindVariableSecrets(p.Stages[si].Jobs[ji].Variables)
		}
	}
}

func (s *Snapshot) validate() error {
	var errs []error
	for _, p := range s.pipelines {
		if p.Name == "" {
			errs = append(errs, errors.New("pipeline without name"))
			continue
		}
		switch p.LockBehavior {
		case "", LockNone, LockOnFailure, LockUnlockWhenFinished:
		default:
			errs = append(errs, fmt.Errorf("pipeline %s: unknown lock_behavior %q", p.Name, p.LockBehavior))
		}
		if len(p.Materials) == 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: no materials", p.Name))
		}
		seen := make(map[string]bool)
		for _, m := range p.Materials {
			if err := m.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %s: %w", p.Name, err))
				continue
			}
			if seen[m.Fingerprint()] {
				errs = append(errs, fmt.Errorf("pipeline %s: duplicate material %s", p.Name, m.DisplayName()))
			}
			seen[m.Fingerprint()] = true
			if m.IsDependency() {
				up, ok := s.PipelineConfigNamed(m.PipelineName)
				if !ok {
					errs = append(errs, fmt.Errorf("pipeline %s: dependency on unknown pipeline %s", p.Name, m.PipelineName))
				} else if _, ok := up.Stage(m.StageName); !ok {
					errs = append(errs, fmt.Errorf("pipeline %s: dependency on unknown stage %s/%s", p.Name, m.PipelineName, m.StageName))
				}
			}
		}
		if p.Timer != nil {
			if _, err := TimerParser.Parse(p.Timer.Spec); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %s: invalid timer %q: %w", p.Name, p.Timer.Spec, err))
			}
		}
		if len(p.Stages) == 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: no stages", p.Name))
		}
		for _, st := range p.Stages {
			switch st.Approval {
			case "", ApprovalSuccess, ApprovalManual:
			default:
				errs = append(errs, fmt.Errorf("stage %s/%s: unknown approval %q", p.Name, st.Name, st.Approval))
			}
			if len(st.Jobs) == 0 {
				errs = append(errs, fmt.Errorf("stage %s/%s: no jobs", p.Name, st.Name))
			}
			for _, j := range st.Jobs {
				if j.ElasticProfileID == "" {
					continue
				}
				ep, ok := s.elastic[j.ElasticProfileID]
				if !ok {
					errs = append(errs, fmt.Errorf("job %s/%s/%s: unknown elastic profile %s", p.Name, st.Name, j.Name, j.ElasticProfileID))
				} else if _, ok := s.clusters[ep.ClusterProfileID]; !ok {
					errs = append(errs, fmt.Errorf("elastic profile %s: unknown cluster profile %s", ep.ID, ep.ClusterProfileID))
				}
			}
		}
	}
	for _, sc := range s.secrets {
		for _, r := range sc.Rules {
			switch strings.ToLower(r.Directive) {
			case "allow", "deny":
			default:
				errs = append(errs, fmt.Errorf("secret config %s: unknown rule directive %q", sc.ID, r.Directive))
			}
		}
	}
	if err := s.checkCycles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Snapshot) checkCycles() error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		key := strings.ToLower(name)
		switch state[key] {
		case visiting:
			return fmt.Errorf("dependency cycle: %s", strings.Join(append(path, name), " -> "))
		case done:
			return nil
		}
		state[key] = visiting
		if p, ok := s.byName[key]; ok {
			for _, m := range p.DependencyMaterials() {
				if err := visit(m.PipelineName, append(path, name)); err != nil {
					return err
				}
			}
		}
		state[key] = done
		return nil
	}
	for _, p := range s.pipelines {
		if err := visit(p.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshot) Checksum() string { return s.checksum }

func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

func (s *Snapshot) Pipelines() []*PipelineConfig {
	return append([]*PipelineConfig(nil), s.pipelines...)
}

func (s *Snapshot) PipelineConfigNamed(name string) (*PipelineConfig, bool) {
	p, ok := s.byName[strings.ToLower(name)]
	return p, ok
}

func (s *Snapshot) HasPipelineNamed(name string) bool {
	_, ok := s.PipelineConfigNamed(name)
	return ok
}

func (s *Snapshot) IsLockable(name string) bool {
	p, ok := s.PipelineConfigNamed(name)
	return ok && p.IsLockable()
}

func (s *Snapshot) IsUnlockableWhenFinished(name string) bool {
	p, ok := s.PipelineConfigNamed(name)
	return ok && p.IsUnlockableWhenFinished()
}

// HasJob reports whether pipeline/stage/job still exists in this configuration.
func (s *Snapshot) HasJob(pipeline, stage, job string) bool {
	p, ok := s.PipelineConfigNamed(pipeline)
	if !ok {
		return false
	}
	st, ok := p.Stage(stage)
	if !ok {
		return false
	}
	_, ok = st.Job(job)
	return ok
}

func (s *Snapshot) JobConfig(id model.JobIdentifier) (*JobConfig, bool) {
	p, ok := s.PipelineConfigNamed(id.Name)
	if !ok {
		return nil, false
	}
	st, ok := p.Stage(id.StageName)
	if !ok {
		return nil, false
	}
	return st.Job(id.JobName)
}

// EnvironmentFor returns the environment a pipeline belongs to.
func (s *Snapshot) EnvironmentFor(pipeline string) (*EnvironmentConfig, bool) {
	for _, e := range s.environments {
		if e.ContainsPipeline(pipeline) {
			return e, true
		}
	}
	return nil, false
}

func (s *Snapshot) ElasticProfile(id string) (ElasticProfile, bool) {
	p, ok := s.elastic[id]
	return p, ok
}

func (s *Snapshot) ClusterProfile(id string) (ClusterProfile, bool) {
	c, ok := s.clusters[id]
	return c, ok
}

func (s *Snapshot) SecretConfig(id string) (SecretConfig, bool) {
	c, ok := s.secrets[id]
	return c, ok
}

func (s *Snapshot) jobTimeoutMin(id model.JobIdentifier) int {
	if j, ok := s.JobConfig(id); ok && j.TimeoutMin != nil {
		return *j.TimeoutMin
	}
	if p, ok := s.PipelineConfigNamed(id.Name); ok && p.JobTimeoutMin != nil {
		return *p.JobTimeoutMin
	}
	return s.defaults.JobTimeoutMin
}

// UnresponsiveJobTerminationThreshold is how long a job may stay silent before
// it is cancelled.
func (s *Snapshot) UnresponsiveJobTerminationThreshold(id model.JobIdentifier) time.Duration {
	return time.Duration(s.jobTimeoutMin(id)) * time.Minute
}

func (s *Snapshot) UnresponsiveJobWarningThreshold(id model.JobIdentifier) time.Duration {
	if p, ok := s.PipelineConfigNamed(id.Name); ok && p.WarningMin != nil {
		return time.Duration(*p.WarningMin) * time.Minute
	}
	return time.Duration(s.defaults.UnresponsiveWarningMin) * time.Minute
}

// CanCancelJobIfHung is false when the effective timeout is zero ("never").
func (s *Snapshot) CanCancelJobIfHung(id model.JobIdentifier) bool {
	return s.jobTimeoutMin(id) > 0
}
