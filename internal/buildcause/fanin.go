package buildcause

import (
	"context"

	"github.com/msageha/conveyor/internal/model"
)

// maxCombinations caps the search across all dependencies of one pipeline.
const maxCombinations = 10000

type candidate struct {
	mod   model.Modification
	roots map[string]string
}

type branch struct {
	index      int
	candidates []candidate
}

// resolveFanIn picks one passed run per dependency material so that every
// ancestor material reachable through more than one path has the same
// revision on each path. Runs are tried newest first; for each dependency at
// most maxBacktrack older runs are considered.
func (r *Resolver) resolveFanIn(ctx context.Context, req Request) (model.MaterialRevisions, error) {
	revs := req.Revisions.All()
	shared := req.Graph.sharedFingerprints()

	var branches []branch
	for i, rev := range revs {
		if !rev.Material.IsDependency() {
			continue
		}
		branches = append(branches, branch{index: i, candidates: r.candidatesFor(rev)})
	}

	chosen := make([]int, len(branches))
	tried := 0
	conflict := ""
	var agreed map[string]string

	var search func(i int, acc map[string]string) bool
	search = func(i int, acc map[string]string) bool {
		if i == len(branches) {
			agreed = acc
			return true
		}
		for ci, c := range branches[i].candidates {
			if ctx.Err() != nil || tried >= maxCombinations {
				return false
			}
			tried++
			next, fp, ok := mergeRoots(acc, c.roots, shared)
			if !ok {
				conflict = fp
				continue
			}
			chosen[i] = ci
			if search(i+1, next) {
				return true
			}
		}
		return false
	}

	if !search(0, map[string]string{}) {
		if err := ctx.Err(); err != nil {
			return model.MaterialRevisions{}, err
		}
		r.logger.Warnf("fan-in failed pipeline=%s conflict=%s tried=%d", req.Pipeline, conflict, tried)
		return model.MaterialRevisions{}, &NoCompatibleError{
			Pipeline:    req.Pipeline,
			Fingerprint: conflict,
			Material:    req.Graph.materialName(conflict),
			Tried:       tried,
		}
	}

	for bi, b := range branches {
		c := b.candidates[chosen[bi]]
		rev := revs[b.index]
		if rev.LatestRevision() != c.mod.Revision {
			rev.Modifications = []model.Modification{c.mod}
		}
		revs[b.index] = rev
	}
	for i, rev := range revs {
		if rev.Material.IsDependency() {
			continue
		}
		if want, ok := agreed[rev.Fingerprint()]; ok && want != rev.LatestRevision() {
			revs[i].Modifications = pinTo(rev.Modifications, want)
		}
	}
	return model.NewMaterialRevisions(revs...)
}

// candidatesFor lists upstream runs for a dependency revision, newest first.
// The supplied revision is kept as a candidate even if history no longer has it.
func (r *Resolver) candidatesFor(rev model.MaterialRevision) []candidate {
	m := rev.Material
	fp := m.Fingerprint()
	var out []candidate
	found := false
	for _, run := range r.history.PassedStageRuns(m.PipelineName, m.StageName, r.maxBacktrack) {
		mod := run.Modification()
		if mod.Revision == rev.LatestRevision() {
			found = true
		}
		roots := map[string]string{fp: mod.Revision}
		r.collectRoots(run.Cause, roots, 0)
		out = append(out, candidate{mod: mod, roots: roots})
	}
	if latest, ok := rev.Latest(); ok && !found {
		roots := map[string]string{fp: latest.Revision}
		if up, ok := r.history.BuildCauseFor(latest.PipelineName, latest.PipelineCounter); ok {
			r.collectRoots(up, roots, 0)
		}
		out = append([]candidate{{mod: latest, roots: roots}}, out...)
	}
	return out
}

// collectRoots records the revision of every material an upstream run was
// built from, following dependency revisions further upstream.
func (r *Resolver) collectRoots(cause *model.BuildCause, into map[string]string, depth int) {
	if cause == nil || depth > 32 {
		return
	}
	for _, rev := range cause.MaterialRevisions().All() {
		fp := rev.Fingerprint()
		if _, seen := into[fp]; !seen {
			into[fp] = rev.LatestRevision()
		}
		if !rev.Material.IsDependency() {
			continue
		}
		if mod, ok := rev.Latest(); ok {
			if up, ok := r.history.BuildCauseFor(mod.PipelineName, mod.PipelineCounter); ok {
				r.collectRoots(up, into, depth+1)
			}
		}
	}
}

// mergeRoots adds the shared roots of one candidate to acc. It reports the
// first fingerprint whose revision disagrees.
func mergeRoots(acc, roots map[string]string, shared map[string]bool) (map[string]string, string, bool) {
	next := make(map[string]string, len(acc)+len(roots))
	for k, v := range acc {
		next[k] = v
	}
	for fp, v := range roots {
		if !shared[fp] {
			continue
		}
		if have, ok := next[fp]; ok && have != v {
			return nil, fp, false
		}
		next[fp] = v
	}
	return next, "", true
}

// pinTo drops modifications newer than revision. A revision that is not in
// mods becomes a bare modification.
func pinTo(mods []model.Modification, revision string) []model.Modification {
	for i, m := range mods {
		if m.Revision == revision {
			return append([]model.Modification(nil), mods[i:]...)
		}
	}
	return []model.Modification{{Revision: revision}}
}

func (n *DependencyGraphNode) materialName(fp string) string {
	visited := make(map[*DependencyGraphNode]bool)
	var find func(*DependencyGraphNode) string
	find = func(node *DependencyGraphNode) string {
		if node == nil || visited[node] {
			return ""
		}
		visited[node] = true
		for _, m := range node.Materials {
			if m.Fingerprint() == fp {
				return m.DisplayName()
			}
		}
		for _, up := range node.Upstream {
			if name := find(up); name != "" {
				return name
			}
		}
		return ""
	}
	if name := find(n); name != "" {
		return name
	}
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
