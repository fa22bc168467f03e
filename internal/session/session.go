// Package session owns one configuration run. It consumes declaration
// events from the front end, feeds them through the option store, the
// dependency resolver and the target graph, and finally emits the
// backend build plan. All state lives on the session; there are no
// package-level singletons, so two runs never bleed into each other.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/decl"
	"github.com/mortarbuild/mortar/internal/deps"
	"github.com/mortarbuild/mortar/internal/fsutil"
	"github.com/mortarbuild/mortar/internal/graph"
	"github.com/mortarbuild/mortar/internal/machine"
	"github.com/mortarbuild/mortar/internal/ninja"
	"github.com/mortarbuild/mortar/internal/options"
	"github.com/mortarbuild/mortar/internal/reconfig"
	"github.com/mortarbuild/mortar/internal/wrap"
)

// SubprojectDriver replays a subproject's declaration stream into the
// session. The front end supplies it; tests supply a closure.
type SubprojectDriver func(ctx context.Context, s *Session, name, dir string) error

// PendingOption is a user-supplied option value waiting for its option
// to be declared.
type PendingOption struct {
	Scope  string
	Name   string
	Value  string
	Source options.Source
}

// Config parameterizes a session.
type Config struct {
	Machines  machine.Machines
	SourceDir string
	BuildDir  string

	// Providers is the ordered system-probe chain.
	Providers []deps.Provider
	// Wraps supplies subproject fallbacks; nil disables them.
	Wraps *wrap.Registry
	// Driver configures fallback and explicit subprojects.
	Driver SubprojectDriver

	// UserOptions carry machine-file, environment and command-line
	// values. They are applied as the matching options are declared, so
	// order of arrival never matters, only source priority.
	UserOptions []PendingOption
}

// Session is the mutable state of one configuration run.
type Session struct {
	cfg       Config
	lifecycle *reconfig.Lifecycle
	options   *options.Store
	resolver  *deps.Resolver
	graph     *graph.Graph
	hasher    *fsutil.Hasher

	// scope is the subproject currently declaring; "" is the top level.
	scope string

	projects map[string]decl.Project
	resolved map[string]deps.Dependency
	exports  map[string]deps.Dependency

	projectArgs     map[string]map[string][]string
	projectLinkArgs []string

	// files are the declaration files consulted, for the staleness hash.
	files []string

	subprojects map[string]error // completed subprojects, by outcome
	configuring map[string]bool
}

// New creates a session in the Fresh state.
func New(cfg Config) *Session {
	s := &Session{
		cfg:         cfg,
		lifecycle:   reconfig.NewLifecycle(),
		options:     options.NewStore(),
		graph:       graph.New(),
		hasher:      fsutil.NewHasher(),
		projects:    make(map[string]decl.Project),
		resolved:    make(map[string]deps.Dependency),
		exports:     make(map[string]deps.Dependency),
		projectArgs: make(map[string]map[string][]string),
		subprojects: make(map[string]error),
		configuring: make(map[string]bool),
	}
	s.resolver = deps.NewResolver(cfg.Providers, s.featureDisabled, s.fallback)
	return s
}

// Lifecycle exposes the configuration state machine.
func (s *Session) Lifecycle() *reconfig.Lifecycle { return s.lifecycle }

// Options exposes the option store, read-only once configured.
func (s *Session) Options() *options.Store { return s.options }

// Graph exposes the target graph.
func (s *Session) Graph() *graph.Graph { return s.graph }

// Begin starts (or restarts) configuring. Builtin options exist from
// this point, so user values for them apply immediately.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.lifecycle.Begin(); err != nil {
		return err
	}
	for _, p := range s.cfg.UserOptions {
		if err := s.applyUser(p); err != nil {
			return err
		}
	}
	ctxlog.FromContext(ctx).Info("Configuration started.", "source", s.cfg.SourceDir, "build", s.cfg.BuildDir)
	return nil
}

// applyUser applies a pending user value if its option exists; unknown
// names stay pending until a later DeclareOption picks them up.
func (s *Session) applyUser(p PendingOption) error {
	err := s.options.SetFromSource(p.Name, p.Scope, p.Value, p.Source)
	var unknown *options.UnknownOptionError
	if errors.As(err, &unknown) {
		return nil
	}
	return err
}

// TrackFile records a declaration file for staleness hashing.
func (s *Session) TrackFile(path string) {
	s.files = append(s.files, path)
}

// DeclareProject handles the project declaration of the current scope.
func (s *Session) DeclareProject(ctx context.Context, p decl.Project) error {
	if !s.lifecycle.Mutable() {
		return fmt.Errorf("%s: project declared outside a configuration run", p.Pos)
	}
	if prev, ok := s.projects[s.scope]; ok {
		return fmt.Errorf("%s: project already declared at %s", p.Pos, prev.Pos)
	}
	s.projects[s.scope] = p

	names := make([]string, 0, len(p.DefaultOptions))
	for name := range p.DefaultOptions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		err := s.options.SetFromSource(name, s.scope, p.DefaultOptions[name], options.SourceDefault)
		var unknown *options.UnknownOptionError
		if errors.As(err, &unknown) {
			// The option may be declared later in the option file.
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: default option %q: %w", p.Pos, name, err)
		}
	}
	ctxlog.FromContext(ctx).Info("Project declared.", "name", p.Name, "version", p.Version, "subproject", s.scope)
	return nil
}

// DeclareOption declares a project option in the current scope, then
// applies any project default or user value waiting for it.
func (s *Session) DeclareOption(ctx context.Context, o decl.Option) error {
	if !s.lifecycle.Mutable() {
		return options.ErrFrozen
	}
	o.Subproject = s.scope
	if err := s.options.Declare(o); err != nil {
		return err
	}
	if p, ok := s.projects[s.scope]; ok {
		if v, ok := p.DefaultOptions[o.Name]; ok {
			if err := s.options.SetFromSource(o.Name, s.scope, v, options.SourceDefault); err != nil {
				return err
			}
		}
	}
	for _, p := range s.cfg.UserOptions {
		if p.Name == o.Name && p.Scope == s.scope {
			if err := s.options.SetFromSource(p.Name, p.Scope, p.Value, p.Source); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeclareProjectArgs accumulates project-wide compile and link
// arguments for the current scope.
func (s *Session) DeclareProjectArgs(a decl.ProjectArgs) error {
	if !s.lifecycle.Mutable() {
		return options.ErrFrozen
	}
	scope := s.scope
	if s.projectArgs[scope] == nil {
		s.projectArgs[scope] = make(map[string][]string)
	}
	for lang, args := range a.LangArgs {
		s.projectArgs[scope][lang] = append(s.projectArgs[scope][lang], args...)
	}
	if scope == "" {
		s.projectLinkArgs = append(s.projectLinkArgs, a.LinkArgs...)
	}
	return nil
}

// DeclareDependency resolves a dependency request and remembers it
// under its name for later targets.
func (s *Session) DeclareDependency(ctx context.Context, req decl.DependencyRequest) (deps.Dependency, error) {
	if !s.lifecycle.Mutable() {
		return nil, deps.ErrFrozen
	}
	dep, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	s.resolved[req.Name] = dep
	return dep, nil
}

// ExportDependency publishes a dependency under a name, typically a
// subproject exporting its library for fallback consumers.
func (s *Session) ExportDependency(name string, dep deps.Dependency) error {
	if !s.lifecycle.Mutable() {
		return deps.ErrFrozen
	}
	s.exports[name] = dep
	return s.resolver.Override(name, decl.HostMachine, dep)
}

// DeclareTarget adds a target to the graph, wiring its named
// dependency requests and its install manifest entry.
func (s *Session) DeclareTarget(ctx context.Context, d decl.Target) (*graph.Target, error) {
	if !s.lifecycle.Mutable() {
		return nil, graph.ErrFrozen
	}
	if d.Kind == decl.Library {
		d.Kind = defaultLibraryKind(s.stringOption("default_library"))
	}
	resolved := make([]deps.Dependency, 0, len(d.Dependencies))
	for _, name := range d.Dependencies {
		dep, ok := s.resolved[name]
		if !ok {
			return nil, fmt.Errorf("%s: target %q references undeclared dependency %q", d.Pos, d.Name, name)
		}
		// Not-found optional dependencies contribute nothing.
		if dep.Found() {
			resolved = append(resolved, dep)
		}
	}

	t, err := s.graph.AddTarget(ctx, d, resolved)
	if err != nil {
		return nil, err
	}

	m := s.cfg.Machines.ByRole(t.Machine)
	entry, ok := ninja.InstallTargetEntry(m, t,
		s.stringOption("prefix"), s.stringOption("libdir"), s.stringOption("bindir"))
	if ok {
		s.graph.Manifest().Add(ctx, entry)
	}
	return t, nil
}

// defaultLibraryKind maps the default_library option to the target
// kind a plain library declaration resolves to.
func defaultLibraryKind(value string) decl.TargetKind {
	switch value {
	case "static":
		return decl.StaticLibrary
	case "both":
		return decl.BothLibrary
	default:
		return decl.SharedLibrary
	}
}

// DeclareInstallFiles installs plain data files under the prefix.
func (s *Session) DeclareInstallFiles(ctx context.Context, d decl.InstallFiles) error {
	if !s.lifecycle.Mutable() {
		return graph.ErrFrozen
	}
	d.Dir = graph.InstallDir(s.stringOption("prefix"), d.Dir)
	s.graph.Manifest().AddFiles(ctx, d)
	return nil
}

// DeclareSubproject configures a named subproject in place. The nested
// run completes before this returns; a failure is fatal only when the
// subproject is required.
func (s *Session) DeclareSubproject(ctx context.Context, sub decl.Subproject) error {
	if !s.lifecycle.Mutable() {
		return graph.ErrFrozen
	}
	err := s.configureSubproject(ctx, sub.Name, sub.DefaultOptions)
	if err != nil && !sub.Required {
		ctxlog.FromContext(ctx).Warn("Optional subproject failed.", "subproject", sub.Name, "error", err)
		return nil
	}
	return err
}

// configureSubproject runs a subproject's declarations in a nested
// scope. Each subproject configures at most once per run; the first
// outcome is remembered.
func (s *Session) configureSubproject(ctx context.Context, name string, defaults map[string]string) error {
	if outcome, ok := s.subprojects[name]; ok {
		return outcome
	}
	if s.configuring[name] {
		return fmt.Errorf("subproject %q depends on itself", name)
	}
	if s.cfg.Driver == nil {
		return fmt.Errorf("subproject %q requested but no subproject support is configured", name)
	}

	dir := filepath.Join(s.cfg.SourceDir, "subprojects", name)
	if s.cfg.Wraps != nil {
		if w, ok := s.cfg.Wraps.Lookup(name); ok {
			var err error
			dir, err = s.cfg.Wraps.Ensure(ctx, w)
			if err != nil {
				s.subprojects[name] = err
				return err
			}
		}
	}

	// Every log record below, including the driver's, carries the
	// subproject name.
	ctx = ctxlog.With(ctx, "subproject", name)
	logger := ctxlog.FromContext(ctx)
	logger.Info("Configuring subproject.", "dir", dir)

	defaultNames := make([]string, 0, len(defaults))
	for opt := range defaults {
		defaultNames = append(defaultNames, opt)
	}
	sort.Strings(defaultNames)
	for _, opt := range defaultNames {
		if err := s.applyUser(PendingOption{Scope: name, Name: opt, Value: defaults[opt], Source: options.SourceDefault}); err != nil {
			s.subprojects[name] = err
			return err
		}
	}

	prevScope := s.scope
	s.scope = name
	s.configuring[name] = true
	err := s.cfg.Driver(ctx, s, name, dir)
	s.scope = prevScope
	delete(s.configuring, name)

	s.subprojects[name] = err
	if err != nil {
		logger.Error("Subproject configuration failed.", "error", err)
	}
	return err
}

// fallback satisfies the resolver's fallback hook: configure the named
// subproject and hand back the dependency it exported.
func (s *Session) fallback(ctx context.Context, subproject string, req decl.DependencyRequest) (deps.Dependency, error) {
	if err := s.configureSubproject(ctx, subproject, nil); err != nil {
		if req.Required {
			return nil, &deps.NotFoundError{Name: req.Name, Reason: err.Error()}
		}
		return &deps.NotFoundDependency{DepName: req.Name}, nil
	}
	exportName := req.Name
	if len(req.Fallback) > 1 {
		exportName = req.Fallback[1]
	}
	if dep, ok := s.exports[exportName]; ok {
		return dep, nil
	}
	return nil, &deps.NotFoundError{
		Name:   req.Name,
		Reason: fmt.Sprintf("subproject %q did not export %q", subproject, exportName),
	}
}

// featureDisabled satisfies the resolver's feature hook against the
// current scope's options.
func (s *Session) featureDisabled(name string) (bool, error) {
	v, err := s.options.Resolve(name, s.scope)
	if err != nil {
		return false, err
	}
	feature, ok := v.(options.FeatureValue)
	if !ok {
		return false, fmt.Errorf("option %q is not a feature option", name)
	}
	return feature.Disabled(), nil
}

func (s *Session) stringOption(name string) string {
	v, err := s.options.Resolve(name, "")
	if err != nil {
		return ""
	}
	return v.EncodeString()
}

func (s *Session) boolOption(name string) bool {
	v, err := s.options.Resolve(name, "")
	if err != nil {
		return false
	}
	b, ok := v.(options.BoolValue)
	return ok && bool(b)
}

func (s *Session) intOption(name string, fallback int) int {
	v, err := s.options.Resolve(name, "")
	if err != nil {
		return fallback
	}
	if n, ok := v.(options.IntValue); ok {
		return int(n)
	}
	return fallback
}

// Generate freezes the session, emits the build plan, writes it
// atomically into the build directory, and persists the snapshot. The
// previous plan stays intact until the final rename.
func (s *Session) Generate(ctx context.Context) ([]ninja.Edge, error) {
	if _, ok := s.projects[""]; !ok {
		return nil, fmt.Errorf("no project declared")
	}

	s.options.Freeze()
	s.resolver.Freeze()
	s.graph.Freeze()

	cfg := ninja.Config{
		Machines:        s.cfg.Machines,
		BuildType:       s.stringOption("buildtype"),
		Werror:          s.boolOption("werror"),
		Unity:           s.stringOption("unity"),
		UnitySize:       s.intOption("unity_size", 4),
		ProjectArgs:     s.projectArgs,
		ProjectLinkArgs: s.projectLinkArgs,
	}
	edges, err := ninja.NewEmitter(s.graph, cfg).Emit(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := ninja.NewWriter(&buf).WriteFile(edges); err != nil {
		return nil, err
	}
	ninjaPath := filepath.Join(s.cfg.BuildDir, "build.ninja")
	if err := fsutil.WriteFileAtomic(ninjaPath, buf.Bytes(), 0o644); err != nil {
		return nil, err
	}

	snap, err := reconfig.Capture(s.options, s.resolver, s.hasher, s.files)
	if err != nil {
		return nil, err
	}
	if err := snap.Save(s.snapshotPath()); err != nil {
		return nil, err
	}

	if err := s.lifecycle.Complete(); err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("Build plan written.", "path", ninjaPath, "edges", len(edges))
	return edges, nil
}

// Fail abandons the run, leaving prior on-disk state untouched.
func (s *Session) Fail() error { return s.lifecycle.Fail() }

func (s *Session) snapshotPath() string {
	return filepath.Join(s.cfg.BuildDir, "mortar-private", "snapshot.json")
}

// CheckStale compares the prior snapshot against the current state of
// its inputs: declaration file content, incoming user option values,
// and re-probed system dependencies. It returns the change set and
// whether a prior configuration exists at all. When one does, the
// lifecycle resumes from it, moving to Stale if anything changed.
func (s *Session) CheckStale(ctx context.Context) (reconfig.ChangeSet, bool, error) {
	prior, err := reconfig.Load(s.snapshotPath())
	if err != nil {
		return reconfig.ChangeSet{}, false, err
	}
	if prior == nil {
		return reconfig.ChangeSet{}, false, nil
	}

	current := &reconfig.Snapshot{
		Options:      overlayUserOptions(prior.Options, s.cfg.UserOptions),
		Dependencies: s.reprobeDependencies(ctx, prior.Dependencies),
		Files:        make(map[string]string, len(prior.Files)),
	}
	for path := range prior.Files {
		sum, err := s.hasher.HashFile(path)
		if err != nil {
			// An unreadable declaration file counts as changed.
			continue
		}
		current.Files[path] = sum
	}

	s.lifecycle = reconfig.ResumeFrom(reconfig.Configured)
	cs := reconfig.Diff(prior, current)
	if !cs.Empty() {
		if err := s.lifecycle.MarkStale(); err != nil {
			return reconfig.ChangeSet{}, false, err
		}
	}
	return cs, true, nil
}

// MarkStale forces a replay regardless of the snapshot diff, backing
// the reconfigure flag.
func (s *Session) MarkStale() error { return s.lifecycle.MarkStale() }

// overlayUserOptions applies this invocation's user values on top of
// the recorded option state, honoring the same source priority the
// store enforces, so a new command-line value surfaces in the diff.
func overlayUserOptions(prior []options.SnapshotEntry, user []PendingOption) []options.SnapshotEntry {
	current := append([]options.SnapshotEntry(nil), prior...)
	index := make(map[string]int, len(current))
	for i, o := range current {
		index[o.Scope+"\x00"+o.Name] = i
	}
	for _, p := range user {
		key := p.Scope + "\x00" + p.Name
		i, ok := index[key]
		if !ok {
			// An option the prior run never recorded still forces a
			// replay; the run itself decides whether it exists.
			index[key] = len(current)
			current = append(current, options.SnapshotEntry{
				Scope: p.Scope, Name: p.Name, Value: p.Value, Source: p.Source.String(),
			})
			continue
		}
		if p.Source < options.ParseSource(current[i].Source) {
			continue
		}
		current[i].Value = p.Value
		current[i].Source = p.Source.String()
	}
	return current
}

// reprobeDependencies re-runs the system probes for previously resolved
// external dependencies, so an upgraded or removed system package marks
// the configuration stale. Internal results only change when their
// declaration files do, which the file hashes already cover.
func (s *Session) reprobeDependencies(ctx context.Context, prior []deps.SnapshotEntry) []deps.SnapshotEntry {
	current := append([]deps.SnapshotEntry(nil), prior...)
	for i, d := range current {
		if d.Method != deps.MethodSystem {
			continue
		}
		found := false
		for _, p := range s.cfg.Providers {
			dep, ok, err := p.Probe(ctx, d.Name, d.Modules)
			if err != nil || !ok {
				continue
			}
			current[i].Found = true
			current[i].Version = dep.Version()
			found = true
			break
		}
		if !found && d.Found {
			current[i].Found = false
			current[i].Version = ""
		}
	}
	return current
}
