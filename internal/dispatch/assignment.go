package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/secrets"
)

// buildAssignment resolves secrets in a fixed order and then builds the
// assignment: pluggable SCM and package materials of the build cause first,
// then the environment's variables, then everything else bound into the
// assignment. The pooled plan is never modified.
func (d *Dispatcher) buildAssignment(ctx context.Context, agent model.Agent, plan *model.JobPlan, snap *config.Snapshot) (*Assignment, error) {
	work := plan.Clone()
	id := work.Identifier

	var materials []model.MaterialRevision
	if cause, ok := d.store.BuildCauseFor(id.Name, id.Counter); ok {
		materials = cause.MaterialRevisions().All()
	}

	group := ""
	if p, ok := snap.PipelineConfigNamed(id.Name); ok {
		group = p.Group
	}
	pipelineRef := secrets.PipelineGroup(group)

	var pluggable, scm model.SecretParams
	for i := range materials {
		if materials[i].Material.IsPluggable() {
			pluggable = append(pluggable, materials[i].Material.Secrets.Clone()...)
		} else {
			scm = append(scm, materials[i].Material.Secrets.Clone()...)
		}
	}
	if err := d.resolve(ctx, pipelineRef, pluggable, "pluggable materials"); err != nil {
		return nil, err
	}

	var envVars []model.EnvironmentVariable
	if work.EnvironmentName != "" {
		if env, ok := snap.EnvironmentFor(id.Name); ok && strings.EqualFold(env.Name, work.EnvironmentName) {
			envVars = env.Variables
		}
	}
	envParams := variableSecrets(envVars)
	if err := d.resolve(ctx, secrets.Environment(work.EnvironmentName), envParams, "environment variables"); err != nil {
		return nil, err
	}

	remaining := concat(scm, variableSecrets(work.Variables))
	if err := d.resolve(ctx, pipelineRef, remaining, "assignment"); err != nil {
		return nil, err
	}

	resolved := concat(pluggable, envParams, remaining)
	resolvedMaterials, err := substituteMaterials(materials, resolved)
	if err != nil {
		return nil, err
	}
	vars, err := mergeVariables(resolved, envVars, work.Variables)
	if err != nil {
		return nil, err
	}

	return &Assignment{
		ID:          d.newID(),
		Plan:        work,
		Agent:       agent,
		Materials:   resolvedMaterials,
		Variables:   vars,
		Environment: work.EnvironmentName,
		AssignedAt:  d.now(),
	}, nil
}

func (d *Dispatcher) resolve(ctx context.Context, ref secrets.Referrer, params model.SecretParams, what string) error {
	if !params.HasSecrets() {
		return nil
	}
	if d.secrets == nil {
		return fmt.Errorf("resolve %s: no secret resolver configured", what)
	}
	if err := d.secrets.Resolve(ctx, ref, params); err != nil {
		return fmt.Errorf("resolve %s: %w", what, err)
	}
	return nil
}

// variableSecrets copies the unresolved secret params of vars into a new slice.
func variableSecrets(vars []model.EnvironmentVariable) model.SecretParams {
	var out model.SecretParams
	for _, v := range vars {
		out = append(out, v.Secrets.Clone()...)
	}
	return out
}

func concat(parts ...model.SecretParams) model.SecretParams {
	var out model.SecretParams
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func substituteMaterials(revs []model.MaterialRevision, resolved model.SecretParams) ([]model.MaterialRevision, error) {
	out := make([]model.MaterialRevision, len(revs))
	for i, r := range revs {
		c := r.Clone()
		if c.Material.Secrets.HasSecrets() {
			for _, field := range []*string{&c.Material.URL, &c.Material.Username, &c.Material.Password} {
				v, err := resolved.Substitute(*field)
				if err != nil {
					return nil, fmt.Errorf("material %s: %w", c.Material.DisplayName(), err)
				}
				*field = v
			}
			c.Material.Secrets = nil
		}
		out[i] = c
	}
	return out, nil
}

// mergeVariables layers later variable lists over earlier ones by name and
// substitutes resolved secrets into every value.
func mergeVariables(resolved model.SecretParams, layers ...[]model.EnvironmentVariable) ([]model.EnvironmentVariable, error) {
	var out []model.EnvironmentVariable
	index := map[string]int{}
	for _, layer := range layers {
		for _, v := range layer {
			value, err := resolved.Substitute(v.Value)
			if err != nil {
				return nil, fmt.Errorf("variable %s: %w", v.Name, err)
			}
			merged := model.EnvironmentVariable{Name: v.Name, Value: value, Secure: v.Secure || v.Secrets.HasSecrets()}
			key := strings.ToLower(v.Name)
			if i, ok := index[key]; ok {
				out[i] = merged
				continue
			}
			index[key] = len(out)
			out = append(out, merged)
		}
	}
	return out, nil
}
