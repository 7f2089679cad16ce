package store

import (
	"slices"
	"strings"
	"time"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/txn"
)

// NextStageCounter is the counter a new run of stage in pipeline run p gets.
func (s *Store) NextStageCounter(p model.PipelineIdentifier, stage string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.stagesByName[stageKey(p.Name, stage)] {
		st := s.stages[id]
		if st.Identifier.Counter == p.Counter && st.Identifier.StageCounter > n {
			n = st.Identifier.StageCounter
		}
	}
	return n + 1
}

// CreateStage stores a new Building stage run and assigns its database id.
func (s *Store) CreateStage(tx *txn.Tx, id model.StageIdentifier, approvedBy, approvalType string, at time.Time) *model.StageInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := stageKey(id.Name, id.StageName)
	prevIdx := slices.Clone(s.stagesByName[k])
	prevID := s.nextStageID
	tx.OnRollback(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stagesByName[k] = prevIdx
		s.nextStageID = prevID
	})

	s.nextStageID++
	st := &model.StageInstance{
		ID:           s.nextStageID,
		Identifier:   id,
		ApprovedBy:   approvedBy,
		ApprovalType: approvalType,
		State:        model.StageBuilding,
		CreatedAt:    at,
	}
	restore(tx, &s.mu, s.stages, st.ID)
	s.stages[st.ID] = st
	s.stagesByName[k] = append(s.stagesByName[k], st.ID)
	return st.Clone()
}

func (s *Store) findStage(id model.StageIdentifier) *model.StageInstance {
	for _, sid := range s.stagesByName[stageKey(id.Name, id.StageName)] {
		st := s.stages[sid]
		if st.Identifier.Counter == id.Counter && st.Identifier.StageCounter == id.StageCounter {
			return st
		}
	}
	return nil
}

func (s *Store) Stage(id model.StageIdentifier) (*model.StageInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.findStage(id)
	if st == nil {
		return nil, false
	}
	return st.Clone(), true
}

// LatestStage returns the newest run of stage within pipeline run p.
func (s *Store) LatestStage(p model.PipelineIdentifier, stage string) (*model.StageInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.StageInstance
	for _, id := range s.stagesByName[stageKey(p.Name, stage)] {
		st := s.stages[id]
		if st.Identifier.Counter != p.Counter {
			continue
		}
		if latest == nil || st.Identifier.StageCounter > latest.Identifier.StageCounter {
			latest = st
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.Clone(), true
}

// ActiveStages returns Building stages of pipeline, optionally limited to one stage name.
func (s *Store) ActiveStages(pipeline, stage string) []*model.StageInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.StageInstance
	for _, st := range s.stages {
		if st.State != model.StageBuilding || !strings.EqualFold(st.Identifier.Name, pipeline) {
			continue
		}
		if stage != "" && !strings.EqualFold(st.Identifier.StageName, stage) {
			continue
		}
		out = append(out, st.Clone())
	}
	slices.SortFunc(out, func(a, b *model.StageInstance) int { return int(a.ID - b.ID) })
	return out
}

func (s *Store) UpdateStage(tx *txn.Tx, st *model.StageInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restore(tx, &s.mu, s.stages, st.ID)
	s.stages[st.ID] = st.Clone()
}

// CreateJob stores a new Scheduled job, assigns its build id and appends it to
// its stage.
func (s *Store) CreateJob(tx *txn.Tx, id model.JobIdentifier, at time.Time, rerun bool) *model.JobInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevID := s.nextJobID
	tx.OnRollback(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextJobID = prevID
	})
	s.nextJobID++
	id.BuildID = s.nextJobID

	j := &model.JobInstance{
		Identifier:     id,
		State:          model.JobScheduled,
		Result:         model.ResultUnknown,
		ScheduledAt:    at,
		StateChangedAt: at,
		Transitions:    []model.JobStateTransition{{State: model.JobScheduled, At: at}},
		Rerun:          rerun,
	}
	restore(tx, &s.mu, s.jobs, id.BuildID)
	s.jobs[id.BuildID] = j

	if st := s.findStage(id.StageIdentifier); st != nil {
		restore(tx, &s.mu, s.stages, st.ID)
		updated := st.Clone()
		updated.JobIDs = append(updated.JobIDs, id.BuildID)
		s.stages[st.ID] = updated
	}
	return j.Clone()
}

func (s *Store) Job(buildID int64) (*model.JobInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[buildID]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

func (s *Store) UpdateJob(tx *txn.Tx, j *model.JobInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restore(tx, &s.mu, s.jobs, j.ID())
	s.jobs[j.ID()] = j.Clone()
}

// JobsForStage returns the jobs of one stage run in creation order.
func (s *Store) JobsForStage(id model.StageIdentifier) []*model.JobInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.findStage(id)
	if st == nil {
		return nil
	}
	out := make([]*model.JobInstance, 0, len(st.JobIDs))
	for _, jid := range st.JobIDs {
		if j, ok := s.jobs[jid]; ok {
			out = append(out, j.Clone())
		}
	}
	return out
}

// JobsInState returns jobs whose state is one of states, ordered by build id.
func (s *Store) JobsInState(states ...model.JobState) []*model.JobInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.JobInstance
	for _, j := range s.jobs {
		if slices.Contains(states, j.State) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.JobInstance) int { return int(a.ID() - b.ID()) })
	return out
}

// SavePlan stores the plan for a scheduled job. Plans are immutable; the same
// pointer is handed out until the plan is deleted.
func (s *Store) SavePlan(tx *txn.Tx, plan *model.JobPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restore(tx, &s.mu, s.plans, plan.JobID)
	s.plans[plan.JobID] = plan
}

func (s *Store) DeletePlan(tx *txn.Tx, jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restore(tx, &s.mu, s.plans, jobID)
	delete(s.plans, jobID)
}

func (s *Store) Plan(jobID int64) (*model.JobPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[jobID]
	return p, ok
}

// ScheduledPlans returns the plans of every job still waiting for an agent,
// oldest first.
func (s *Store) ScheduledPlans() []*model.JobPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.JobPlan
	for id, p := range s.plans {
		if j, ok := s.jobs[id]; ok && j.State == model.JobScheduled {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *model.JobPlan) int { return int(a.JobID - b.JobID) })
	return out
}
