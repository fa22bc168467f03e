package deps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/decl"
)

// cacheKey identifies one logical dependency request. Requests for
// different module sets (or machines) are distinct dependencies.
type cacheKey struct {
	name    string
	modules string
	machine decl.MachineRole
}

func keyFor(req decl.DependencyRequest) cacheKey {
	mods := append([]string(nil), req.Modules...)
	sort.Strings(mods)
	return cacheKey{name: req.Name, modules: strings.Join(mods, "\x00"), machine: req.Machine}
}

type cacheEntry struct {
	dep        Dependency
	constraint Constraint
}

// FeatureLookup reports whether a named feature option is explicitly
// disabled. Wired to the option store by the session.
type FeatureLookup func(name string) (disabled bool, err error)

// FallbackFunc configures a subproject and returns the dependency it
// exports, or an error. Wired by the session; nil disables fallbacks.
type FallbackFunc func(ctx context.Context, subproject string, req decl.DependencyRequest) (Dependency, error)

// Resolver owns the per-run dependency cache and override table.
type Resolver struct {
	providers []Provider
	overrides map[cacheKey]Dependency
	cache     map[cacheKey]*cacheEntry
	feature   FeatureLookup
	fallback  FallbackFunc
	frozen    bool
}

// NewResolver builds a resolver over an ordered provider chain.
func NewResolver(providers []Provider, feature FeatureLookup, fallback FallbackFunc) *Resolver {
	return &Resolver{
		providers: providers,
		overrides: make(map[cacheKey]Dependency),
		cache:     make(map[cacheKey]*cacheEntry),
		feature:   feature,
		fallback:  fallback,
	}
}

// ErrFrozen is returned by mutations after the session is configured.
var ErrFrozen = fmt.Errorf("dependency resolver is frozen; reconfigure to resolve new dependencies")

// Freeze disables further resolution and overrides.
func (r *Resolver) Freeze() { r.frozen = true }

// Override replaces all future lookups of name for the request's machine.
// Overriding the same name twice for one machine with a different
// dependency fails; repeating the identical override is a no-op.
func (r *Resolver) Override(name string, machine decl.MachineRole, dep Dependency) error {
	if r.frozen {
		return ErrFrozen
	}
	key := cacheKey{name: name, machine: machine}
	if existing, ok := r.overrides[key]; ok {
		if existing == dep {
			return nil
		}
		return &AlreadyOverriddenError{Name: name, Machine: machine}
	}
	r.overrides[key] = dep
	return nil
}

// Resolve satisfies one dependency request. The first resolution for a
// key wins; every later call with the same key returns the identical
// object or fails with InconsistentError if its constraint cannot be met
// by the cached result.
func (r *Resolver) Resolve(ctx context.Context, req decl.DependencyRequest) (Dependency, error) {
	logger := ctxlog.FromContext(ctx)
	key := keyFor(req)
	constraint := ParseConstraint(req.Constraint)

	if entry, ok := r.cache[key]; ok {
		if entry.dep.Found() && !constraint.Satisfies(entry.dep.Version()) {
			return nil, &InconsistentError{
				Name:       req.Name,
				Cached:     entry.dep.Version(),
				Constraint: constraint.String(),
			}
		}
		if !entry.dep.Found() && req.Required {
			return nil, &NotFoundError{Name: req.Name, Reason: "previously looked up and not found"}
		}
		logger.Debug("Dependency served from cache.", "name", req.Name)
		return entry.dep, nil
	}

	if r.frozen {
		return nil, ErrFrozen
	}

	// A disabled feature short-circuits the whole lookup. The result is
	// deliberately not cached: a later call not gated on the feature
	// must still be able to find the dependency.
	if req.Feature != "" && r.feature != nil {
		disabled, err := r.feature(req.Feature)
		if err != nil {
			return nil, err
		}
		if disabled {
			if req.Required {
				return nil, &NotFoundError{Name: req.Name, Reason: fmt.Sprintf("feature %q is disabled", req.Feature)}
			}
			logger.Debug("Dependency skipped, feature disabled.", "name", req.Name, "feature", req.Feature)
			return &NotFoundDependency{DepName: req.Name, FromDisabledFeature: true}, nil
		}
	}

	dep, err := r.lookup(ctx, req, constraint)
	if err != nil {
		return nil, err
	}
	r.cache[key] = &cacheEntry{dep: dep, constraint: constraint}
	return dep, nil
}

func (r *Resolver) lookup(ctx context.Context, req decl.DependencyRequest, constraint Constraint) (Dependency, error) {
	logger := ctxlog.FromContext(ctx)

	if dep, ok := r.overrides[cacheKey{name: req.Name, machine: req.Machine}]; ok {
		if dep.Found() && !constraint.Satisfies(dep.Version()) {
			return nil, &InconsistentError{Name: req.Name, Cached: dep.Version(), Constraint: constraint.String()}
		}
		logger.Debug("Dependency served from override.", "name", req.Name)
		return dep, nil
	}

	for _, p := range r.providers {
		dep, ok, err := p.Probe(ctx, req.Name, req.Modules)
		if err != nil {
			return nil, &NotFoundError{Name: req.Name, Reason: err.Error()}
		}
		if !ok {
			continue
		}
		if !constraint.Satisfies(dep.Version()) {
			logger.Info("Dependency found but version unsuitable.",
				"name", req.Name, "found", dep.Version(), "wanted", constraint.String(), "method", p.Method())
			continue
		}
		logger.Info("Dependency found.", "name", req.Name, "version", dep.Version(), "method", p.Method())
		return applyKindPreference(dep, req), nil
	}

	if len(req.Fallback) > 0 && r.fallback != nil {
		dep, err := r.fallback(ctx, req.Fallback[0], req)
		if err != nil {
			return nil, err
		}
		if dep.Found() {
			if !constraint.Satisfies(dep.Version()) {
				return nil, &NotFoundError{
					Name:   req.Name,
					Reason: fmt.Sprintf("fallback subproject provides version %s, want %s", dep.Version(), constraint),
				}
			}
			logger.Info("Dependency provided by fallback subproject.",
				"name", req.Name, "subproject", req.Fallback[0])
			return applyKindPreference(dep, req), nil
		}
	}

	if req.Required {
		return nil, &NotFoundError{Name: req.Name}
	}
	logger.Info("Optional dependency not found.", "name", req.Name)
	return &NotFoundDependency{DepName: req.Name}, nil
}

// applyKindPreference applies a static/shared request to internal
// dependencies that can serve both.
func applyKindPreference(dep Dependency, req decl.DependencyRequest) Dependency {
	internal, ok := dep.(*InternalDependency)
	if !ok || req.Static == nil {
		return dep
	}
	if *req.Static {
		return internal.AsStatic()
	}
	return internal.AsShared()
}

// Snapshot returns the cache contents for the reconfiguration engine's
// staleness diff, in deterministic order.
func (r *Resolver) Snapshot() []SnapshotEntry {
	keys := make([]cacheKey, 0, len(r.cache))
	for k := range r.cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		if keys[i].modules != keys[j].modules {
			return keys[i].modules < keys[j].modules
		}
		return keys[i].machine < keys[j].machine
	})

	entries := make([]SnapshotEntry, 0, len(keys))
	for _, k := range keys {
		entry := r.cache[k]
		var modules []string
		if k.modules != "" {
			modules = strings.Split(k.modules, "\x00")
		}
		entries = append(entries, SnapshotEntry{
			Name:    k.name,
			Modules: modules,
			Machine: k.machine.String(),
			Method:  methodOf(entry.dep),
			Found:   entry.dep.Found(),
			Version: entry.dep.Version(),
		})
	}
	return entries
}

// Resolution methods recorded in snapshots. System results can drift
// between runs and are re-probed by the staleness check; internal ones
// only change when their declaration files do.
const (
	MethodSystem   = "system"
	MethodInternal = "internal"
)

func methodOf(dep Dependency) string {
	if _, ok := dep.(*InternalDependency); ok {
		return MethodInternal
	}
	return MethodSystem
}

// SnapshotEntry records one resolved dependency for persistence.
type SnapshotEntry struct {
	Name    string   `json:"name"`
	Modules []string `json:"modules,omitempty"`
	Machine string   `json:"machine"`
	Method  string   `json:"method"`
	Found   bool     `json:"found"`
	Version string   `json:"version"`
}
