// Package buildcause decides whether a pipeline should run for a set of
// freshly polled material revisions and which revisions it runs with.
package buildcause

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/store"
)

var (
	// ErrNoModificationsFound means a material has never produced a revision.
	ErrNoModificationsFound = errors.New("no modifications found")
	// ErrNoCompatibleUpstreamRevisions means fan-in found no set of upstream
	// runs that agree on every shared ancestor.
	ErrNoCompatibleUpstreamRevisions = errors.New("no compatible upstream revisions")
)

// NoCompatibleError names the ancestor material fan-in could not reconcile.
type NoCompatibleError struct {
	Pipeline    string
	Fingerprint string
	Material    string
	Tried       int
}

func (e *NoCompatibleError) Error() string {
	return fmt.Sprintf("pipeline %s: %v for %s after %d combinations", e.Pipeline, ErrNoCompatibleUpstreamRevisions, e.Material, e.Tried)
}

func (e *NoCompatibleError) Unwrap() error {
	return ErrNoCompatibleUpstreamRevisions
}

// ResolutionError wraps any unexpected failure while resolving.
type ResolutionError struct {
	Pipeline string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve build cause for %s: %v", e.Pipeline, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// History is the part of the store the resolver reads.
type History interface {
	LastBuildCause(pipeline string) (*model.BuildCause, bool)
	PassedStageRuns(pipeline, stage string, limit int) []store.UpstreamRun
	BuildCauseFor(pipeline string, counter int) (*model.BuildCause, bool)
}

type Request struct {
	Pipeline  string
	Revisions model.MaterialRevisions
	FanIn     bool
	Graph     *DependencyGraphNode
	Trigger   model.TriggerKind
	Approver  string
	Variables map[string]string
}

type Resolver struct {
	history      History
	logger       *logging.Logger
	maxBacktrack int
}

// NewResolver returns a resolver that considers at most maxBacktrack passed
// runs per upstream dependency.
func NewResolver(history History, logger *logging.Logger, maxBacktrack int) *Resolver {
	if maxBacktrack <= 0 {
		maxBacktrack = 10
	}
	return &Resolver{history: history, logger: logger, maxBacktrack: maxBacktrack}
}

// Resolve returns the build cause for req, or nil when nothing changed and the
// trigger does not insist on running.
func (r *Resolver) Resolve(ctx context.Context, req Request) (cause *model.BuildCause, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("panic resolving %s: %v\n%s", req.Pipeline, rec, debug.Stack())
			cause, err = nil, &ResolutionError{Pipeline: req.Pipeline, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if req.Revisions.IsEmpty() {
		return nil, fmt.Errorf("pipeline %s: %w", req.Pipeline, ErrNoModificationsFound)
	}
	for _, rev := range req.Revisions.All() {
		if len(rev.Modifications) == 0 {
			return nil, fmt.Errorf("pipeline %s: %w for %s", req.Pipeline, ErrNoModificationsFound, rev.Material.DisplayName())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ResolutionError{Pipeline: req.Pipeline, Err: err}
	}

	var final model.MaterialRevisions
	if req.FanIn && req.Graph.HasDependencies() {
		final, err = r.resolveFanIn(ctx, req)
		if err != nil {
			var nc *NoCompatibleError
			if errors.As(err, &nc) {
				return nil, err
			}
			return nil, &ResolutionError{Pipeline: req.Pipeline, Err: err}
		}
	} else {
		final = bestEffort(req.Revisions)
	}

	last, _ := r.history.LastBuildCause(req.Pipeline)
	final, configChanged := markChanged(final, last, req.Trigger == model.TriggerForced)

	schedule := req.Trigger == model.TriggerManual || req.Trigger == model.TriggerForced ||
		configChanged || final.HasChangedForScheduling()
	if !schedule {
		r.logger.Debugf("pipeline %s: materials unchanged, not scheduling", req.Pipeline)
		return nil, nil
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerModification
	}
	approver := req.Approver
	if approver == "" {
		approver = "changes"
	}
	return model.NewBuildCause(final, trigger, approver, req.Variables), nil
}

// bestEffort keeps the latest modification first for every material and takes
// dependency revisions as supplied.
func bestEffort(revs model.MaterialRevisions) model.MaterialRevisions {
	return revs.Map(func(rev model.MaterialRevision) model.MaterialRevision {
		rev.Changed = false
		return rev
	})
}

// markChanged sets each revision's changed flag against the previous build
// cause. It also reports whether the set of materials differs from it, which
// is always the case for a pipeline that never ran.
func markChanged(revs model.MaterialRevisions, last *model.BuildCause, forced bool) (model.MaterialRevisions, bool) {
	if last == nil {
		return revs.Map(func(rev model.MaterialRevision) model.MaterialRevision {
			rev.Changed = true
			return rev
		}), true
	}
	previous := last.MaterialRevisions()
	configChanged := previous.Len() != revs.Len()
	out := revs.Map(func(rev model.MaterialRevision) model.MaterialRevision {
		prev, ok := previous.Find(rev.Fingerprint())
		switch {
		case forced:
			rev.Changed = true
		case !ok:
			rev.Changed = true
		default:
			rev.Changed = prev.LatestRevision() != rev.LatestRevision()
		}
		if !ok {
			configChanged = true
		}
		return rev
	})
	return out, configChanged
}
