package buildcause

import (
	"fmt"
	"strings"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/model"
)

// DependencyGraphNode is a pipeline's materials plus the graphs of its upstream
// pipelines, keyed by the fingerprint of the dependency material pointing at them.
// In a diamond the shared ancestor is a single node reachable from both sides.
type DependencyGraphNode struct {
	PipelineName string
	Materials    []model.Material
	Upstream     map[string]*DependencyGraphNode
}

// BuildGraph builds the dependency graph of pipeline from a config snapshot.
func BuildGraph(snap *config.Snapshot, pipeline string) (*DependencyGraphNode, error) {
	return buildGraph(snap, pipeline, make(map[string]*DependencyGraphNode), nil)
}

func buildGraph(snap *config.Snapshot, name string, built map[string]*DependencyGraphNode, path []string) (*DependencyGraphNode, error) {
	k := strings.ToLower(name)
	if n, ok := built[k]; ok {
		return n, nil
	}
	for _, p := range path {
		if strings.EqualFold(p, name) {
			return nil, fmt.Errorf("dependency cycle through %s", name)
		}
	}
	cfg, ok := snap.PipelineConfigNamed(name)
	if !ok {
		return nil, fmt.Errorf("pipeline %s not found", name)
	}
	n := &DependencyGraphNode{
		PipelineName: cfg.Name,
		Materials:    cfg.Materials,
		Upstream:     make(map[string]*DependencyGraphNode),
	}
	for _, m := range cfg.DependencyMaterials() {
		up, err := buildGraph(snap, m.PipelineName, built, append(path, name))
		if err != nil {
			return nil, err
		}
		n.Upstream[m.Fingerprint()] = up
	}
	built[k] = n
	return n, nil
}

// HasDependencies reports whether the node declares any dependency material.
func (n *DependencyGraphNode) HasDependencies() bool {
	return n != nil && len(n.Upstream) > 0
}

// ancestors returns every material fingerprint reachable through the upstream
// node, including the dependency material itself.
func (n *DependencyGraphNode) ancestors(depFingerprint string) map[string]bool {
	out := map[string]bool{depFingerprint: true}
	up, ok := n.Upstream[depFingerprint]
	if !ok {
		return out
	}
	var walk func(*DependencyGraphNode)
	visited := make(map[*DependencyGraphNode]bool)
	walk = func(node *DependencyGraphNode) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, m := range node.Materials {
			out[m.Fingerprint()] = true
		}
		for _, next := range node.Upstream {
			walk(next)
		}
	}
	walk(up)
	return out
}

// sharedFingerprints returns the fingerprints reachable from more than one of
// the node's direct materials. Those are the ones fan-in must keep consistent.
func (n *DependencyGraphNode) sharedFingerprints() map[string]bool {
	counts := make(map[string]int)
	for _, m := range n.Materials {
		fp := m.Fingerprint()
		if !m.IsDependency() {
			counts[fp]++
			continue
		}
		for a := range n.ancestors(fp) {
			counts[a]++
		}
	}
	shared := make(map[string]bool)
	for fp, c := range counts {
		if c > 1 {
			shared[fp] = true
		}
	}
	return shared
}
