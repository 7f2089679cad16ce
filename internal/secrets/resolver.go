// Package secrets resolves {{SECRET:[store][key]}} references against the
// secret stores named in the configuration.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/conveyor/internal/config"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
)

var (
	ErrSecretNotFound      = errors.New("secret not found")
	ErrAccessDenied        = errors.New("secret access denied")
	ErrUnknownSecretConfig = errors.New("unknown secret config")
	ErrNoBackend           = errors.New("no secret backend for plugin")
)

// Backend looks keys up in one secret store. Missing keys are left out of the
// returned map.
type Backend interface {
	Lookup(ctx context.Context, cfg config.SecretConfig, keys []string) (map[string]string, error)
}

type BackendFunc func(ctx context.Context, cfg config.SecretConfig, keys []string) (map[string]string, error)

func (f BackendFunc) Lookup(ctx context.Context, cfg config.SecretConfig, keys []string) (map[string]string, error) {
	return f(ctx, cfg, keys)
}

// Referrer is the configuration entity whose secrets are being resolved.
// Secret config rules are checked against it. A zero Referrer skips rules.
type Referrer struct {
	Kind string
	Name string
}

func Environment(name string) Referrer {
	return Referrer{Kind: config.ReferrerEnvironment, Name: name}
}

func PipelineGroup(name string) Referrer {
	return Referrer{Kind: config.ReferrerPipelineGroup, Name: name}
}

func (r Referrer) String() string {
	switch r.Kind {
	case config.ReferrerEnvironment:
		return fmt.Sprintf("Environment '%s'", r.Name)
	case config.ReferrerPipelineGroup:
		return fmt.Sprintf("Pipeline group '%s'", r.Name)
	default:
		return fmt.Sprintf("'%s'", r.Name)
	}
}

type ConfigSource interface {
	Current() *config.Snapshot
}

type Resolver struct {
	config ConfigSource
	logger *logging.Logger

	mu       sync.RWMutex
	backends map[string]Backend
}

func NewResolver(cfg ConfigSource, logger *logging.Logger) *Resolver {
	return &Resolver{config: cfg, logger: logger, backends: make(map[string]Backend)}
}

// Register binds a backend to the plugin id secret configs name.
func (r *Resolver) Register(pluginID string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[pluginID] = b
}

func (r *Resolver) backend(pluginID string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[pluginID]
	return b, ok
}

// Resolve fills in the value of every unresolved param, in place. Every
// referenced store is checked before any lookup happens; stores are then
// queried in parallel, one call per store.
func (r *Resolver) Resolve(ctx context.Context, ref Referrer, params model.SecretParams) error {
	pending := params.Unresolved()
	if len(pending) == 0 {
		return nil
	}
	snap := r.config.Current()
	order, _ := pending.GroupByStore()

	stores := make(map[string]config.SecretConfig, len(order))
	backends := make(map[string]Backend, len(order))
	for _, id := range order {
		sc, ok := snap.SecretConfig(id)
		if !ok {
			return fmt.Errorf("%w: %s is referring to none-existent secret config '%s'.", ErrUnknownSecretConfig, ref, id)
		}
		if ref.Kind != "" && !sc.CanBeReferencedBy(ref.Kind, ref.Name) {
			return fmt.Errorf("%w: %s does not have permission to refer to secrets using secret config '%s'", ErrAccessDenied, ref, id)
		}
		b, ok := r.backend(sc.PluginID)
		if !ok {
			return fmt.Errorf("%w: %s (secret config %s)", ErrNoBackend, sc.PluginID, id)
		}
		stores[id], backends[id] = sc, b
	}

	// indices into params, grouped by store
	groups := make(map[string][]int, len(order))
	for i, p := range params {
		if !p.IsResolved() {
			groups[p.StoreID] = append(groups[p.StoreID], i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		id := id
		idx := groups[id]
		g.Go(func() error {
			keys := uniqueKeys(params, idx)
			values, err := backends[id].Lookup(gctx, stores[id], keys)
			if err != nil {
				return fmt.Errorf("secret config %s: %w", id, err)
			}
			for _, i := range idx {
				v, ok := values[params[i].Key]
				if !ok {
					return fmt.Errorf("%w: %s in secret config %s", ErrSecretNotFound, params[i].Key, id)
				}
				params[i].Value = &v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Debugf("resolved %d secret params for %s from %d store(s)", len(pending), ref, len(order))
	return nil
}

func uniqueKeys(params model.SecretParams, idx []int) []string {
	seen := make(map[string]bool, len(idx))
	var keys []string
	for _, i := range idx {
		k := params[i].Key
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
