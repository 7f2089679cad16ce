package buildcause

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/store"
	"github.com/msageha/conveyor/internal/txn"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

var (
	gitM1 = model.Material{Kind: model.MaterialGit, Name: "M1", URL: "https://example.com/m1.git"}
	gitC  = model.Material{Kind: model.MaterialGit, Name: "C", URL: "https://example.com/c.git"}
	depUp = model.Material{Kind: model.MaterialDependency, PipelineName: "up1", StageName: "stage1"}
	depA  = model.Material{Kind: model.MaterialDependency, PipelineName: "A", StageName: "s"}
	depB  = model.Material{Kind: model.MaterialDependency, PipelineName: "B", StageName: "s"}
)

func mods(revs ...string) []model.Modification {
	out := make([]model.Modification, len(revs))
	for i, r := range revs {
		out[i] = model.Modification{Revision: r, ModifiedAt: t0}
	}
	return out
}

func revisions(t *testing.T, revs ...model.MaterialRevision) model.MaterialRevisions {
	t.Helper()
	m, err := model.NewMaterialRevisions(revs...)
	require.NoError(t, err)
	return m
}

func causeOf(t *testing.T, revs ...model.MaterialRevision) *model.BuildCause {
	return model.NewBuildCause(revisions(t, revs...), model.TriggerModification, "changes", nil)
}

// runPipeline records a pipeline run with cause whose stage stageName ends passed.
func runPipeline(t *testing.T, s *store.Store, name, stageName string, cause *model.BuildCause) store.UpstreamRun {
	t.Helper()
	var run store.UpstreamRun
	err := txn.NewManager(logging.Discard()).Do(context.Background(), func(_ context.Context, tx *txn.Tx) error {
		p := s.CreatePipeline(tx, name, "", cause, t0)
		sid := model.StageIdentifier{PipelineIdentifier: p.Identifier, StageName: stageName, StageCounter: 1}
		st := s.CreateStage(tx, sid, "changes", "success", t0)
		st.State = model.StagePassed
		st.CompletedAt = t0
		s.UpdateStage(tx, st)
		run = store.UpstreamRun{Stage: sid, Label: p.Identifier.Label, Cause: cause, CompletedAt: t0}
		return nil
	})
	require.NoError(t, err)
	return run
}

func depRevision(m model.Material, run store.UpstreamRun) model.MaterialRevision {
	return model.MaterialRevision{Material: m, Modifications: []model.Modification{run.Modification()}}
}

func TestResolve_EmptyRevisions(t *testing.T) {
	r := NewResolver(store.New(""), logging.Discard(), 0)
	_, err := r.Resolve(context.Background(), Request{Pipeline: "P"})
	assert.ErrorIs(t, err, ErrNoModificationsFound)

	_, err = r.Resolve(context.Background(), Request{
		Pipeline:  "P",
		Revisions: revisions(t, model.MaterialRevision{Material: gitM1}),
	})
	assert.ErrorIs(t, err, ErrNoModificationsFound)
}

func TestResolve_FanInOff_ChangedAndUnchanged(t *testing.T) {
	s := store.New("")
	r := NewResolver(s, logging.Discard(), 0)
	runPipeline(t, s, "P", "build", causeOf(t, model.MaterialRevision{Material: gitM1, Modifications: mods("r1")}))

	cause, err := r.Resolve(context.Background(), Request{
		Pipeline:  "P",
		Revisions: revisions(t, model.MaterialRevision{Material: gitM1, Modifications: mods("r1")}),
	})
	require.NoError(t, err)
	assert.Nil(t, cause, "unchanged materials produce no build cause")

	cause, err = r.Resolve(context.Background(), Request{
		Pipeline:  "P",
		Revisions: revisions(t, model.MaterialRevision{Material: gitM1, Modifications: mods("r2", "r1")}),
	})
	require.NoError(t, err)
	require.NotNil(t, cause)
	all := cause.MaterialRevisions().All()
	assert.True(t, all[0].Changed)
	assert.Equal(t, model.TriggerModification, cause.Trigger())
}

func TestResolve_FirstRunSchedules(t *testing.T) {
	r := NewResolver(store.New(""), logging.Discard(), 0)
	cause, err := r.Resolve(context.Background(), Request{
		Pipeline:  "P",
		Revisions: revisions(t, model.MaterialRevision{Material: gitM1, Modifications: mods("r1")}),
	})
	require.NoError(t, err)
	require.NotNil(t, cause)
	assert.True(t, cause.MaterialRevisions().All()[0].Changed)
}

func TestResolve_ManualAndForcedTriggers(t *testing.T) {
	s := store.New("")
	r := NewResolver(s, logging.Discard(), 0)
	runPipeline(t, s, "P", "build", causeOf(t, model.MaterialRevision{Material: gitM1, Modifications: mods("r1")}))
	same := revisions(t, model.MaterialRevision{Material: gitM1, Modifications: mods("r1")})

	manual, err := r.Resolve(context.Background(), Request{Pipeline: "P", Revisions: same, Trigger: model.TriggerManual, Approver: "alice"})
	require.NoError(t, err)
	require.NotNil(t, manual)
	assert.False(t, manual.MaterialRevisions().All()[0].Changed)
	assert.Equal(t, "alice", manual.Approver())

	forced, err := r.Resolve(context.Background(), Request{Pipeline: "P", Revisions: same, Trigger: model.TriggerForced, Approver: "alice"})
	require.NoError(t, err)
	require.NotNil(t, forced)
	assert.True(t, forced.MaterialRevisions().All()[0].Changed)
	assert.True(t, forced.IsForced())
}

func TestResolve_IgnoredMaterialOnlyChange(t *testing.T) {
	s := store.New("")
	r := NewResolver(s, logging.Discard(), 0)
	ignored := model.Material{Kind: model.MaterialGit, URL: "https://example.com/docs.git", IgnoreForScheduling: true}
	runPipeline(t, s, "P", "build", causeOf(t,
		model.MaterialRevision{Material: gitM1, Modifications: mods("r1")},
		model.MaterialRevision{Material: ignored, Modifications: mods("d1")},
	))

	cause, err := r.Resolve(context.Background(), Request{
		Pipeline: "P",
		Revisions: revisions(t,
			model.MaterialRevision{Material: gitM1, Modifications: mods("r1")},
			model.MaterialRevision{Material: ignored, Modifications: mods("d2", "d1")},
		),
	})
	require.NoError(t, err)
	assert.Nil(t, cause, "a change in an ignored material alone does not schedule")

	cause, err = r.Resolve(context.Background(), Request{
		Pipeline: "P",
		Revisions: revisions(t,
			model.MaterialRevision{Material: gitM1, Modifications: mods("r2", "r1")},
			model.MaterialRevision{Material: ignored, Modifications: mods("d2", "d1")},
		),
	})
	require.NoError(t, err)
	require.NotNil(t, cause)
	all := cause.MaterialRevisions().All()
	require.Len(t, all, 2, "ignored materials stay in the build cause")
	assert.True(t, all[1].Changed, "ignored material keeps its real changed flag")
}

// P has materials {git:M1, dependency:up1/stage1}. up1 is unchanged, M1 changed.
func TestResolve_ScenarioDependencyUnchangedScmChanged(t *testing.T) {
	snap, err := config.Parse([]byte(`
pipelines:
  - name: up1
    materials: [{type: git, url: https://example.com/up.git}]
    stages: [{name: stage1, jobs: [{name: j}]}]
  - name: P
    materials:
      - {type: git, name: M1, url: https://example.com/m1.git}
      - {type: dependency, pipeline: up1, stage: stage1}
    stages: [{name: build, jobs: [{name: j}]}]
`))
	require.NoError(t, err)
	graph, err := BuildGraph(snap, "P")
	require.NoError(t, err)

	s := store.New("")
	upMat := model.Material{Kind: model.MaterialGit, URL: "https://example.com/up.git"}
	upRun := runPipeline(t, s, "up1", "stage1", causeOf(t, model.MaterialRevision{Material: upMat, Modifications: mods("u1")}))
	runPipeline(t, s, "P", "build", causeOf(t,
		model.MaterialRevision{Material: gitM1, Modifications: mods("r1")},
		depRevision(depUp, upRun),
	))

	for _, fanIn := range []bool{false, true} {
		r := NewResolver(s, logging.Discard(), 0)
		cause, err := r.Resolve(context.Background(), Request{
			Pipeline: "P",
			Revisions: revisions(t,
				model.MaterialRevision{Material: gitM1, Modifications: mods("r2", "r1")},
				depRevision(depUp, upRun),
			),
			FanIn: fanIn,
			Graph: graph,
		})
		require.NoError(t, err)
		require.NotNil(t, cause, "fanIn=%v", fanIn)
		all := cause.MaterialRevisions().All()
		require.Len(t, all, 2)
		assert.True(t, all[0].Changed, "M1 changed")
		assert.False(t, all[1].Changed, "up1 unchanged")
		assert.Equal(t, "up1/1/stage1/1", all[1].LatestRevision())
	}
}

const diamondConfig = `
pipelines:
  - name: A
    materials: [{type: git, name: C, url: https://example.com/c.git}]
    stages: [{name: s, jobs: [{name: j}]}]
  - name: B
    materials: [{type: git, name: C, url: https://example.com/c.git}]
    stages: [{name: s, jobs: [{name: j}]}]
  - name: P
    materials:
      - {type: dependency, pipeline: A, stage: s}
      - {type: dependency, pipeline: B, stage: s}
    stages: [{name: build, jobs: [{name: j}]}]
`

func diamondGraph(t *testing.T) *DependencyGraphNode {
	t.Helper()
	snap, err := config.Parse([]byte(diamondConfig))
	require.NoError(t, err)
	g, err := BuildGraph(snap, "P")
	require.NoError(t, err)
	return g
}

func TestResolve_DiamondDisagreementFails(t *testing.T) {
	s := store.New("")
	aRun := runPipeline(t, s, "A", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c2")}))
	bRun := runPipeline(t, s, "B", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c1")}))

	r := NewResolver(s, logging.Discard(), 5)
	req := Request{
		Pipeline:  "P",
		Revisions: revisions(t, depRevision(depA, aRun), depRevision(depB, bRun)),
		FanIn:     true,
		Graph:     diamondGraph(t),
	}
	cause, err := r.Resolve(context.Background(), req)
	assert.Nil(t, cause)
	require.ErrorIs(t, err, ErrNoCompatibleUpstreamRevisions)
	var nc *NoCompatibleError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, gitC.Fingerprint(), nc.Fingerprint)
	assert.Equal(t, "C", nc.Material)
	var re *ResolutionError
	assert.False(t, errors.As(err, &re), "fan-in failure is not an unexpected error")

	req.FanIn = false
	cause, err = r.Resolve(context.Background(), req)
	require.NoError(t, err, "best-effort would have scheduled")
	assert.NotNil(t, cause)
}

func TestResolve_DiamondBacktracksToCompatibleRun(t *testing.T) {
	s := store.New("")
	runPipeline(t, s, "A", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c1")}))
	aNew := runPipeline(t, s, "A", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c2")}))
	bRun := runPipeline(t, s, "B", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c1")}))

	r := NewResolver(s, logging.Discard(), 5)
	cause, err := r.Resolve(context.Background(), Request{
		Pipeline:  "P",
		Revisions: revisions(t, depRevision(depA, aNew), depRevision(depB, bRun)),
		FanIn:     true,
		Graph:     diamondGraph(t),
	})
	require.NoError(t, err)
	require.NotNil(t, cause)
	all := cause.MaterialRevisions().All()
	assert.Equal(t, "A/1/s/1", all[0].LatestRevision(), "older A run agrees with B on C")
	assert.Equal(t, "B/1/s/1", all[1].LatestRevision())
}

func TestResolve_BacktrackLimit(t *testing.T) {
	s := store.New("")
	runPipeline(t, s, "A", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c1")}))
	runPipeline(t, s, "A", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c2")}))
	aNew := runPipeline(t, s, "A", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c3")}))
	bRun := runPipeline(t, s, "B", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c1")}))

	r := NewResolver(s, logging.Discard(), 2)
	_, err := r.Resolve(context.Background(), Request{
		Pipeline:  "P",
		Revisions: revisions(t, depRevision(depA, aNew), depRevision(depB, bRun)),
		FanIn:     true,
		Graph:     diamondGraph(t),
	})
	assert.ErrorIs(t, err, ErrNoCompatibleUpstreamRevisions, "the compatible run is beyond the backtrack limit")
}

func TestResolve_CancelledContextIsResolutionError(t *testing.T) {
	s := store.New("")
	aRun := runPipeline(t, s, "A", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c1")}))
	bRun := runPipeline(t, s, "B", "s", causeOf(t, model.MaterialRevision{Material: gitC, Modifications: mods("c1")}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewResolver(s, logging.Discard(), 0).Resolve(ctx, Request{
		Pipeline:  "P",
		Revisions: revisions(t, depRevision(depA, aRun), depRevision(depB, bRun)),
		FanIn:     true,
		Graph:     diamondGraph(t),
	})
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNoCompatibleUpstreamRevisions)
}

func TestSharedFingerprints(t *testing.T) {
	g := diamondGraph(t)
	shared := g.sharedFingerprints()
	assert.True(t, shared[gitC.Fingerprint()])
	assert.False(t, shared[depA.Fingerprint()])
}
