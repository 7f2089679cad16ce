package store

import (
	"slices"
	"strconv"
	"time"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
)

// CreatePipeline allocates the next counter for name and records cause as the
// pipeline's last build cause.
func (s *Store) CreatePipeline(tx *txn.Tx, name, label string, cause *model.BuildCause, at time.Time) *model.PipelineInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(name)
	restore(tx, &s.mu, s.counters, k)
	restore(tx, &s.mu, s.lastCause, k)
	prevRuns := slices.Clone(s.runsByName[k])
	prevID := s.nextPipelineID
	tx.OnRollback(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runsByName[k] = prevRuns
		s.nextPipelineID = prevID
	})

	s.nextPipelineID++
	s.counters[k]++
	id := s.nextPipelineID
	p := &model.PipelineInstance{
		ID: id,
		Identifier: model.PipelineIdentifier{
			Name:    name,
			Counter: s.counters[k],
			Label:   label,
		},
		BuildCause: cause,
		CreatedAt:  at,
	}
	if p.Identifier.Label == "" {
		p.Identifier.Label = strconv.Itoa(p.Identifier.Counter)
	}
	restore(tx, &s.mu, s.pipelines, id)
	s.pipelines[id] = p
	s.runsByName[k] = append(s.runsByName[k], id)
	s.lastCause[k] = cause
	c := *p
	return &c
}

// Pipeline looks up a run by name and counter.
func (s *Store) Pipeline(name string, counter int) (*model.PipelineInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.runsByName[key(name)] {
		if p := s.pipelines[id]; p.Identifier.Counter == counter {
			c := *p
			return &c, true
		}
	}
	return nil, false
}

func (s *Store) LatestPipeline(name string) (*model.PipelineInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runsByName[key(name)]
	if len(runs) == 0 {
		return nil, false
	}
	c := *s.pipelines[runs[len(runs)-1]]
	return &c, true
}

// PipelineRuns returns every run of name, newest first.
func (s *Store) PipelineRuns(name string) []*model.PipelineInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runsByName[key(name)]
	out := make([]*model.PipelineInstance, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		c := *s.pipelines[runs[i]]
		out = append(out, &c)
	}
	return out
}

func (s *Store) LastBuildCause(name string) (*model.BuildCause, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.lastCause[key(name)]
	return c, ok
}

// BuildCauseFor returns the build cause of one pipeline run.
func (s *Store) BuildCauseFor(name string, counter int) (*model.BuildCause, bool) {
	p, ok := s.Pipeline(name, counter)
	if !ok {
		return nil, false
	}
	return p.BuildCause, true
}

// PassedStageRuns returns up to limit passed runs of pipeline/stage, newest
// pipeline counter first. When a stage was rerun only its latest pass counts.
// A limit of zero or less returns every run.
func (s *Store) PassedStageRuns(pipeline, stage string, limit int) []UpstreamRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.stagesByName[stageKey(pipeline, stage)]
	seen := make(map[int]bool)
	var out []UpstreamRun
	for i := len(ids) - 1; i >= 0; i-- {
		st := s.stages[ids[i]]
		if st.State != model.StagePassed || seen[st.Identifier.Counter] {
			continue
		}
		seen[st.Identifier.Counter] = true
		run := UpstreamRun{Stage: st.Identifier, Label: st.Identifier.Label, CompletedAt: st.CompletedAt}
		for _, pid := range s.runsByName[key(pipeline)] {
			if p := s.pipelines[pid]; p.Identifier.Counter == st.Identifier.Counter {
				run.Cause = p.BuildCause
				break
			}
		}
		out = append(out, run)
	}
	slices.SortStableFunc(out, func(a, b UpstreamRun) int {
		return b.Stage.Counter - a.Stage.Counter
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
