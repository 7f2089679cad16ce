// Package store holds scheduler history in memory: pipeline runs, build causes,
// stages, jobs, pending plans, lock and pause states and recorded material
// modifications. Every write takes a transaction and registers its own undo.
// Lock and pause states are also written to the state directory at commit.
package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
	yamlutil "github.com/msageha/conveyor/internal/yaml"
)

// UpstreamRun is a passed stage of an upstream pipeline together with the
// build cause its pipeline run was created from.
type UpstreamRun struct {
	Stage       model.StageIdentifier
	Label       string
	Cause       *model.BuildCause
	CompletedAt time.Time
}

// Revision renders the run the way dependency materials record it.
func (r UpstreamRun) Revision() string {
	return model.DependencyRevision(r.Stage.Name, r.Stage.Counter, r.Stage.StageName, r.Stage.StageCounter)
}

// Modification converts the run to a dependency modification.
func (r UpstreamRun) Modification() model.Modification {
	return model.Modification{
		Revision:        r.Revision(),
		ModifiedAt:      r.CompletedAt,
		PipelineName:    r.Stage.Name,
		PipelineCounter: r.Stage.Counter,
		PipelineLabel:   r.Label,
		StageCounter:    r.Stage.StageCounter,
	}
}

type PauseInfo struct {
	Paused   bool      `yaml:"paused" json:"paused"`
	PausedBy string    `yaml:"paused_by,omitempty" json:"paused_by,omitempty"`
	Cause    string    `yaml:"cause,omitempty" json:"cause,omitempty"`
	PausedAt time.Time `yaml:"paused_at,omitempty" json:"paused_at,omitzero"`
}

type lockFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Locks                 []model.PipelineLockState `yaml:"locks"`
}

type pauseFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Paused                map[string]PauseInfo `yaml:"paused"`
}

type Store struct {
	mu       sync.RWMutex
	stateDir string

	nextPipelineID int64
	nextStageID    int64
	nextJobID      int64

	counters      map[string]int
	pipelines     map[int64]*model.PipelineInstance
	runsByName    map[string][]int64
	lastCause     map[string]*model.BuildCause
	stages        map[int64]*model.StageInstance
	stagesByName  map[string][]int64
	jobs          map[int64]*model.JobInstance
	plans         map[int64]*model.JobPlan
	locks         map[string]model.PipelineLockState
	pauses        map[string]PauseInfo
	modifications map[string][]model.Modification
}

// New returns an empty store. An empty stateDir disables persistence.
func New(stateDir string) *Store {
	return &Store{
		stateDir:      stateDir,
		counters:      make(map[string]int),
		pipelines:     make(map[int64]*model.PipelineInstance),
		runsByName:    make(map[string][]int64),
		lastCause:     make(map[string]*model.BuildCause),
		stages:        make(map[int64]*model.StageInstance),
		stagesByName:  make(map[string][]int64),
		jobs:          make(map[int64]*model.JobInstance),
		plans:         make(map[int64]*model.JobPlan),
		locks:         make(map[string]model.PipelineLockState),
		pauses:        make(map[string]PauseInfo),
		modifications: make(map[string][]model.Modification),
	}
}

func key(name string) string {
	return strings.ToLower(name)
}

func stageKey(pipeline, stage string) string {
	return key(pipeline) + "/" + key(stage)
}

func (s *Store) locksPath() string {
	return filepath.Join(s.stateDir, "state", "pipeline_locks.yaml")
}

func (s *Store) pausesPath() string {
	return filepath.Join(s.stateDir, "state", "pipeline_pauses.yaml")
}

// Load restores lock and pause states persisted by a previous daemon. It
// returns a Recovery for every state file that had to be repaired.
func (s *Store) Load() ([]*yamlutil.Recovery, error) {
	if s.stateDir == "" {
		return nil, nil
	}
	var recovered []*yamlutil.Recovery
	var lf lockFile
	rec, err := yamlutil.LoadState(s.stateDir, s.locksPath(), yamlutil.FileTypePipelineLocks, &lf)
	if err != nil {
		return nil, fmt.Errorf("load pipeline locks: %w", err)
	}
	if rec != nil {
		recovered = append(recovered, rec)
	}
	var pf pauseFile
	rec, err = yamlutil.LoadState(s.stateDir, s.pausesPath(), yamlutil.FileTypePipelinePauses, &pf)
	if err != nil {
		return nil, fmt.Errorf("load pipeline pauses: %w", err)
	}
	if rec != nil {
		recovered = append(recovered, rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lf.Locks {
		s.locks[key(l.PipelineName)] = l
	}
	for name, p := range pf.Paused {
		s.pauses[key(name)] = p
	}
	return recovered, nil
}

func (s *Store) persistLocks() error {
	if s.stateDir == "" {
		return nil
	}
	s.mu.RLock()
	lf := lockFile{SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypePipelineLocks), Locks: []model.PipelineLockState{}}
	for _, l := range s.locks {
		lf.Locks = append(lf.Locks, l)
	}
	s.mu.RUnlock()
	sortLocks(lf.Locks)
	return yamlutil.AtomicWrite(s.locksPath(), lf)
}

func (s *Store) persistPauses() error {
	if s.stateDir == "" {
		return nil
	}
	s.mu.RLock()
	pf := pauseFile{SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypePipelinePauses), Paused: make(map[string]PauseInfo)}
	for name, p := range s.pauses {
		pf.Paused[name] = p
	}
	s.mu.RUnlock()
	return yamlutil.AtomicWrite(s.pausesPath(), pf)
}

// restore registers an undo that puts back a map entry, or deletes it when it
// did not exist before the write.
func restore[K comparable, V any](tx *txn.Tx, mu *sync.RWMutex, m map[K]V, k K) {
	prev, existed := m[k]
	tx.OnRollback(func() {
		mu.Lock()
		defer mu.Unlock()
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}
