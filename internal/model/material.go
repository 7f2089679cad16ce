package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type MaterialKind string

const (
	MaterialGit        MaterialKind = "git"
	MaterialSvn        MaterialKind = "svn"
	MaterialHg         MaterialKind = "hg"
	MaterialPackage    MaterialKind = "package"
	MaterialPlugin     MaterialKind = "plugin"
	MaterialDependency MaterialKind = "dependency"
)

var validMaterialKinds = map[MaterialKind]bool{
	MaterialGit:        true,
	MaterialSvn:        true,
	MaterialHg:         true,
	MaterialPackage:    true,
	MaterialPlugin:     true,
	MaterialDependency: true,
}

func ValidMaterialKind(k MaterialKind) bool {
	return validMaterialKinds[k]
}

// Material is a tagged variant. Which fields are meaningful depends on Kind:
// SCM kinds use URL/Branch, dependency uses PipelineName/StageName,
// package and plugin use PluginID/PackageID/URL.
type Material struct {
	Kind                MaterialKind `yaml:"type" json:"type"`
	Name                string       `yaml:"name,omitempty" json:"name,omitempty"`
	URL                 string       `yaml:"url,omitempty" json:"url,omitempty"`
	Branch              string       `yaml:"branch,omitempty" json:"branch,omitempty"`
	Username            string       `yaml:"username,omitempty" json:"username,omitempty"`
	Password            string       `yaml:"password,omitempty" json:"-"`
	PipelineName        string       `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	StageName           string       `yaml:"stage,omitempty" json:"stage,omitempty"`
	PluginID            string       `yaml:"plugin_id,omitempty" json:"plugin_id,omitempty"`
	PackageID           string       `yaml:"package_id,omitempty" json:"package_id,omitempty"`
	IgnoreForScheduling bool         `yaml:"ignore_for_scheduling,omitempty" json:"ignore_for_scheduling,omitempty"`

	// Secrets holds the placeholders found in URL, Username and Password.
	// Never persisted; resolution fills Value in place.
	Secrets SecretParams `yaml:"-" json:"-"`
}

// Fingerprint identifies the material across pipelines. Two configurations that
// point at the same repository and branch share a fingerprint.
func (m Material) Fingerprint() string {
	var parts []string
	switch m.Kind {
	case MaterialDependency:
		parts = []string{string(m.Kind), strings.ToLower(m.PipelineName), strings.ToLower(m.StageName)}
	case MaterialPackage:
		parts = []string{string(m.Kind), m.PackageID}
	case MaterialPlugin:
		parts = []string{string(m.Kind), m.PluginID, m.URL, m.Branch}
	default:
		parts = []string{string(m.Kind), m.URL, m.Branch}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "<|>")))
	return hex.EncodeToString(sum[:])
}

func (m Material) IsDependency() bool {
	return m.Kind == MaterialDependency
}

// IsPluggable reports whether the material is resolved through a plugin
// (pluggable SCM or package repository).
func (m Material) IsPluggable() bool {
	return m.Kind == MaterialPackage || m.Kind == MaterialPlugin
}

func (m Material) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	switch m.Kind {
	case MaterialDependency:
		return m.PipelineName + "/" + m.StageName
	case MaterialPackage:
		return m.PackageID
	default:
		return m.URL
	}
}

// Clone returns a copy whose secret params can be resolved without touching m.
func (m Material) Clone() Material {
	c := m
	c.Secrets = m.Secrets.Clone()
	return c
}

// Validate checks that the fields required by the material's kind are present.
func (m Material) Validate() error {
	if !ValidMaterialKind(m.Kind) {
		return fmt.Errorf("unknown material type %q", m.Kind)
	}
	switch m.Kind {
	case MaterialDependency:
		if m.PipelineName == "" || m.StageName == "" {
			return fmt.Errorf("dependency material requires pipeline and stage")
		}
	case MaterialPackage:
		if m.PackageID == "" {
			return fmt.Errorf("package material requires package_id")
		}
	case MaterialPlugin:
		if m.PluginID == "" {
			return fmt.Errorf("plugin material requires plugin_id")
		}
	default:
		if m.URL == "" {
			return fmt.Errorf("%s material requires url", m.Kind)
		}
	}
	return nil
}

// Modification is one revision of a material. Pipeline fields are set only for
// dependency materials and name the upstream run that produced the revision.
type Modification struct {
	Revision        string    `yaml:"revision" json:"revision"`
	Author          string    `yaml:"author,omitempty" json:"author,omitempty"`
	Comment         string    `yaml:"comment,omitempty" json:"comment,omitempty"`
	ModifiedAt      time.Time `yaml:"modified_at" json:"modified_at"`
	PipelineName    string    `yaml:"pipeline_name,omitempty" json:"pipeline_name,omitempty"`
	PipelineCounter int       `yaml:"pipeline_counter,omitempty" json:"pipeline_counter,omitempty"`
	PipelineLabel   string    `yaml:"pipeline_label,omitempty" json:"pipeline_label,omitempty"`
	StageCounter    int       `yaml:"stage_counter,omitempty" json:"stage_counter,omitempty"`
}

// DependencyRevision formats the revision string of an upstream run.
func DependencyRevision(pipeline string, counter int, stage string, stageCounter int) string {
	return fmt.Sprintf("%s/%d/%s/%d", pipeline, counter, stage, stageCounter)
}

// MaterialRevision pairs a material with its modifications, newest first.
type MaterialRevision struct {
	Material      Material       `json:"material"`
	Modifications []Modification `json:"modifications"`
	Changed       bool           `json:"changed"`
}

func (r MaterialRevision) Latest() (Modification, bool) {
	if len(r.Modifications) == 0 {
		return Modification{}, false
	}
	return r.Modifications[0], true
}

func (r MaterialRevision) LatestRevision() string {
	m, ok := r.Latest()
	if !ok {
		return ""
	}
	return m.Revision
}

func (r MaterialRevision) Fingerprint() string {
	return r.Material.Fingerprint()
}

func (r MaterialRevision) Clone() MaterialRevision {
	c := r
	c.Material = r.Material.Clone()
	c.Modifications = append([]Modification(nil), r.Modifications...)
	return c
}

var ErrDuplicateMaterial = errors.New("material already present in revisions")

// MaterialRevisions keeps revisions in material declaration order, at most one
// per fingerprint.
type MaterialRevisions struct {
	revs []MaterialRevision
}

func NewMaterialRevisions(revs ...MaterialRevision) (MaterialRevisions, error) {
	var m MaterialRevisions
	for _, r := range revs {
		if err := m.Add(r); err != nil {
			return MaterialRevisions{}, err
		}
	}
	return m, nil
}

func (m *MaterialRevisions) Add(r MaterialRevision) error {
	fp := r.Fingerprint()
	for _, existing := range m.revs {
		if existing.Fingerprint() == fp {
			return fmt.Errorf("%w: %s", ErrDuplicateMaterial, r.Material.DisplayName())
		}
	}
	m.revs = append(m.revs, r)
	return nil
}

func (m MaterialRevisions) Len() int {
	return len(m.revs)
}

func (m MaterialRevisions) IsEmpty() bool {
	return len(m.revs) == 0
}

// All returns a copy of the revisions.
func (m MaterialRevisions) All() []MaterialRevision {
	out := make([]MaterialRevision, len(m.revs))
	for i, r := range m.revs {
		out[i] = r.Clone()
	}
	return out
}

func (m MaterialRevisions) Find(fingerprint string) (MaterialRevision, bool) {
	for _, r := range m.revs {
		if r.Fingerprint() == fingerprint {
			return r, true
		}
	}
	return MaterialRevision{}, false
}

// HasChangedForScheduling reports whether any revision that counts toward the
// schedule decision is marked changed.
func (m MaterialRevisions) HasChangedForScheduling() bool {
	for _, r := range m.revs {
		if r.Changed && !r.Material.IgnoreForScheduling {
			return true
		}
	}
	return false
}

func (m MaterialRevisions) HasChanged() bool {
	for _, r := range m.revs {
		if r.Changed {
			return true
		}
	}
	return false
}

func (m MaterialRevisions) Clone() MaterialRevisions {
	return MaterialRevisions{revs: m.All()}
}

// Map applies fn to each revision in order and returns the rewritten set.
func (m MaterialRevisions) Map(fn func(MaterialRevision) MaterialRevision) MaterialRevisions {
	out := MaterialRevisions{revs: make([]MaterialRevision, len(m.revs))}
	for i, r := range m.revs {
		out.revs[i] = fn(r.Clone())
	}
	return out
}
