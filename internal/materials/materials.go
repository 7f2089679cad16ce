// Package materials selects a Poller per material kind. Dependency materials
// are answered from scheduler history; other kinds read the modifications that
// external pollers recorded with the daemon.
package materials

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/store"
)

var ErrNoPoller = errors.New("no poller registered for material type")

// Poller is the capability every material kind provides.
type Poller interface {
	LatestModification(ctx context.Context, m model.Material) ([]model.Modification, error)
	ModificationsSince(ctx context.Context, m model.Material, revision string) ([]model.Modification, error)
	Checkout(ctx context.Context, m model.Material, revision, dir string) error
}

// Registry maps material kinds to pollers.
type Registry struct {
	pollers map[model.MaterialKind]Poller
}

func NewRegistry() *Registry {
	return &Registry{pollers: make(map[model.MaterialKind]Poller)}
}

// NewDefaultRegistry wires the in-tree pollers: DependencyPoller for
// dependency materials, RecordedPoller for every other kind.
func NewDefaultRegistry(s *store.Store) *Registry {
	r := NewRegistry()
	recorded := &RecordedPoller{store: s}
	for _, k := range []model.MaterialKind{model.MaterialGit, model.MaterialSvn, model.MaterialHg, model.MaterialPackage, model.MaterialPlugin} {
		r.Register(k, recorded)
	}
	r.Register(model.MaterialDependency, &DependencyPoller{store: s})
	return r
}

func (r *Registry) Register(kind model.MaterialKind, p Poller) {
	r.pollers[kind] = p
}

func (r *Registry) For(m model.Material) (Poller, error) {
	p, ok := r.pollers[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPoller, m.Kind)
	}
	return p, nil
}

// Revisions asks each material's poller for its modifications since the
// previously built revision and returns them in declaration order. A material
// with nothing recorded yields a revision without modifications.
func (r *Registry) Revisions(ctx context.Context, mats []model.Material, previous *model.BuildCause) (model.MaterialRevisions, error) {
	var prev model.MaterialRevisions
	if previous != nil {
		prev = previous.MaterialRevisions()
	}
	var out model.MaterialRevisions
	for _, m := range mats {
		p, err := r.For(m)
		if err != nil {
			return model.MaterialRevisions{}, err
		}
		var mods []model.Modification
		if old, ok := prev.Find(m.Fingerprint()); ok && old.LatestRevision() != "" {
			mods, err = p.ModificationsSince(ctx, m, old.LatestRevision())
			if err == nil && len(mods) == 0 {
				mods = old.Modifications[:1]
			}
		} else {
			mods, err = p.LatestModification(ctx, m)
		}
		if err != nil {
			return model.MaterialRevisions{}, fmt.Errorf("poll %s: %w", m.DisplayName(), err)
		}
		if err := out.Add(model.MaterialRevision{Material: m, Modifications: mods}); err != nil {
			return model.MaterialRevisions{}, err
		}
	}
	return out, nil
}

// RecordedPoller serves modifications pushed through material_update.
type RecordedPoller struct {
	store *store.Store
}

func (p *RecordedPoller) LatestModification(_ context.Context, m model.Material) ([]model.Modification, error) {
	mods := p.store.Modifications(m.Fingerprint())
	if len(mods) == 0 {
		return nil, nil
	}
	return mods[:1], nil
}

func (p *RecordedPoller) ModificationsSince(_ context.Context, m model.Material, revision string) ([]model.Modification, error) {
	mods := p.store.Modifications(m.Fingerprint())
	for i, mod := range mods {
		if mod.Revision == revision {
			return mods[:i], nil
		}
	}
	return mods, nil
}

// Checkout is done by agents from their own working copy.
func (p *RecordedPoller) Checkout(context.Context, model.Material, string, string) error {
	return errors.New("checkout is performed by agents")
}

// DependencyPoller reads passed runs of the upstream stage.
type DependencyPoller struct {
	store *store.Store
}

func (p *DependencyPoller) LatestModification(_ context.Context, m model.Material) ([]model.Modification, error) {
	runs := p.store.PassedStageRuns(m.PipelineName, m.StageName, 1)
	if len(runs) == 0 {
		return nil, nil
	}
	return []model.Modification{runs[0].Modification()}, nil
}

func (p *DependencyPoller) ModificationsSince(_ context.Context, m model.Material, revision string) ([]model.Modification, error) {
	var out []model.Modification
	for _, run := range p.store.PassedStageRuns(m.PipelineName, m.StageName, 0) {
		if run.Revision() == revision {
			break
		}
		out = append(out, run.Modification())
	}
	return out, nil
}

func (p *DependencyPoller) Checkout(context.Context, model.Material, string, string) error {
	return nil
}
