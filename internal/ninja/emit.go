package ninja

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/decl"
	"github.com/mortarbuild/mortar/internal/graph"
	"github.com/mortarbuild/mortar/internal/machine"
)

// Config parameterizes one emission pass.
type Config struct {
	Machines machine.Machines

	BuildType string
	Werror    bool
	// Unity is the unity option value: "on", "off" or "subprojects".
	Unity     string
	UnitySize int

	// ProjectArgs are per-subproject, per-language compile arguments;
	// key "" holds the top-level project's.
	ProjectArgs     map[string]map[string][]string
	ProjectLinkArgs []string
}

// Emitter walks a frozen target graph and produces the ordered edge
// list. Emission is pure: the same graph and config yield a
// byte-identical edge list.
type Emitter struct {
	cfg       Config
	g         *graph.Graph
	producers producerIndex

	// primaryOutput maps a node to the file consumers link against or
	// depend on. For both-libraries that is the shared variant;
	// staticOutput carries the archive whole-archive consumers need.
	primaryOutput map[graph.NodeID]string
	staticOutput  map[graph.NodeID]string
}

// NewEmitter creates an emitter for one graph.
func NewEmitter(g *graph.Graph, cfg Config) *Emitter {
	if cfg.UnitySize <= 0 {
		cfg.UnitySize = 4
	}
	return &Emitter{
		cfg:           cfg,
		g:             g,
		producers:     make(producerIndex),
		primaryOutput: make(map[graph.NodeID]string),
		staticOutput:  make(map[graph.NodeID]string),
	}
}

// Emit produces the complete edge list: dependency-first target edges,
// then phony aliases, then install edges.
func (e *Emitter) Emit(ctx context.Context) ([]Edge, error) {
	logger := ctxlog.FromContext(ctx)
	var edges []Edge

	appendEdge := func(edge Edge) error {
		if out, ok := e.producers.add(edge); !ok {
			return &graph.InvariantError{Msg: fmt.Sprintf("two edges produce %q", out)}
		}
		edges = append(edges, edge)
		return nil
	}

	for _, t := range e.g.TopoSort() {
		targetEdges, err := e.emitTarget(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, edge := range targetEdges {
			if err := appendEdge(edge); err != nil {
				return nil, err
			}
		}
	}

	for _, t := range e.g.TopoSort() {
		if alias, ok := e.aliasEdge(t); ok {
			if err := appendEdge(alias); err != nil {
				return nil, err
			}
		}
	}

	installEdges, err := e.emitInstall(ctx)
	if err != nil {
		return nil, err
	}
	for _, edge := range installEdges {
		if err := appendEdge(edge); err != nil {
			return nil, err
		}
	}

	logger.Debug("Emission complete.", "edges", len(edges))
	return edges, nil
}

func (e *Emitter) emitTarget(ctx context.Context, t *graph.Target) ([]Edge, error) {
	switch t.Kind {
	case decl.CustomTarget:
		return e.emitCustom(t)
	case decl.GeneratedList:
		return e.emitGenerated(t)
	case decl.Executable, decl.StaticLibrary, decl.SharedLibrary:
		return e.emitCompiled(ctx, t, t.Kind)
	case decl.BothLibrary:
		return e.emitBoth(ctx, t)
	default:
		return nil, &graph.InvariantError{Msg: fmt.Sprintf("unhandled target kind %v", t.Kind)}
	}
}

// machineFor returns the machine a target's artifacts are built for.
func (e *Emitter) machineFor(t *graph.Target) *machine.Machine {
	return e.cfg.Machines.ByRole(t.Machine)
}

// buildTypeArgs maps the buildtype option to compiler arguments.
func buildTypeArgs(buildType string) []string {
	switch buildType {
	case "debug":
		return []string{"-g"}
	case "debugoptimized":
		return []string{"-O2", "-g"}
	case "release":
		return []string{"-O3"}
	case "minsize":
		return []string{"-Os"}
	default: // plain
		return nil
	}
}

// compileArgs assembles one source's compiler arguments in the contract
// order: buildtype, project args, per-target language args, include
// dirs, dependency-propagated args, machine-file args. The order is
// observable; later flags override earlier ones for last-wins options.
func (e *Emitter) compileArgs(t *graph.Target, lang string, extra map[string][]string) []string {
	m := e.machineFor(t)
	var args []string
	args = append(args, buildTypeArgs(e.cfg.BuildType)...)
	if e.cfg.Werror {
		args = append(args, "-Werror")
	}
	args = append(args, e.cfg.ProjectArgs[subprojectOf(t)][lang]...)
	args = append(args, t.LangArgs[lang]...)
	args = append(args, extra[lang]...)
	for _, dir := range t.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	for _, dep := range t.Dependencies {
		args = append(args, dep.CompileArgs()...)
	}
	args = append(args, m.Toolchain.ExtraCompileArgs[lang]...)
	return args
}

// subprojectOf derives the subproject scope from a target's directory.
func subprojectOf(t *graph.Target) string {
	if rest, ok := strings.CutPrefix(t.Subdir, "subprojects/"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[:i]
		}
		return rest
	}
	return ""
}

// objectPath places an object file under the target's private dir.
func objectPath(t *graph.Target, variant, src string) string {
	dir := t.Name + ".p"
	if variant != "" {
		dir = t.Name + "." + variant + ".p"
	}
	return joinPath(t.Subdir, dir, strings.ReplaceAll(src, "/", "_")+".o")
}

// compileSources emits one compile edge per source, or per unity block
// when unity building, and returns the object files produced.
func (e *Emitter) compileSources(t *graph.Target, variant string, extra map[string][]string) ([]Edge, []string, error) {
	m := e.machineFor(t)
	var edges []Edge
	var objects []string

	orderOnly := e.generatedHeaderDeps(t)

	bySrc := func(lang string, sources []string) error {
		cc, err := m.Compiler(lang)
		if err != nil {
			return fmt.Errorf("target %s: %w", t, err)
		}
		langArgs := e.compileArgs(t, lang, extra)
		for _, src := range sources {
			obj := objectPath(t, variant, src)
			cmd := append([]string{}, cc.Command...)
			cmd = append(cmd, langArgs...)
			cmd = append(cmd, "-c", src, "-o", obj)
			edge := newEdge(RuleCompile, []string{obj}, []string{src}, cmd)
			edge.OrderOnly = orderOnly
			edge.Description = fmt.Sprintf("Compiling %s object %s", lang, obj)
			edges = append(edges, edge)
			objects = append(objects, obj)
		}
		return nil
	}

	sources := e.allSources(t)
	for _, lang := range orderedLanguages(sources) {
		langSources := sources[lang]
		if e.unityEnabled(t) && len(langSources) > 1 && unityCapable(lang) {
			unityEdges, unityObjects, err := e.compileUnity(t, variant, lang, langSources, extra, orderOnly)
			if err != nil {
				return nil, nil, err
			}
			edges = append(edges, unityEdges...)
			objects = append(objects, unityObjects...)
			continue
		}
		if err := bySrc(lang, langSources); err != nil {
			return nil, nil, err
		}
	}
	return edges, objects, nil
}

func unityCapable(lang string) bool { return lang == "c" || lang == "cpp" }

// unityEnabled applies the unity option mode to one target: "on"
// groups everything, "subprojects" only targets declared below
// subprojects/.
func (e *Emitter) unityEnabled(t *graph.Target) bool {
	switch e.cfg.Unity {
	case "on":
		return true
	case "subprojects":
		return subprojectOf(t) != ""
	default:
		return false
	}
}

// compileUnity groups a language's sources into blocks, emitting a
// custom edge that writes the unity source plus one compile edge per
// block. Fewer compilation units trade rebuild granularity for full
// build speed.
func (e *Emitter) compileUnity(t *graph.Target, variant, lang string, sources []string,
	extra map[string][]string, orderOnly []string) ([]Edge, []string, error) {

	m := e.machineFor(t)
	cc, err := m.Compiler(lang)
	if err != nil {
		return nil, nil, fmt.Errorf("target %s: %w", t, err)
	}
	langArgs := e.compileArgs(t, lang, extra)

	var edges []Edge
	var objects []string
	ext := ".c"
	if lang == "cpp" {
		ext = ".cpp"
	}
	for block := 0; block*e.cfg.UnitySize < len(sources); block++ {
		start := block * e.cfg.UnitySize
		end := start + e.cfg.UnitySize
		if end > len(sources) {
			end = len(sources)
		}
		blockSources := sources[start:end]

		unitySrc := joinPath(t.Subdir, t.Name+".p", fmt.Sprintf("unity%d%s", block, ext))
		genCmd := append([]string{"mortar", "internal", "unity", unitySrc}, blockSources...)
		gen := newEdge(RuleCustom, []string{unitySrc}, blockSources, genCmd)
		gen.Description = "Generating unity source " + unitySrc
		edges = append(edges, gen)

		obj := objectPath(t, variant, fmt.Sprintf("unity%d%s", block, ext))
		cmd := append([]string{}, cc.Command...)
		cmd = append(cmd, langArgs...)
		cmd = append(cmd, "-c", unitySrc, "-o", obj)
		compile := newEdge(RuleCompile, []string{obj}, []string{unitySrc}, cmd)
		compile.OrderOnly = orderOnly
		compile.Description = fmt.Sprintf("Compiling %s object %s", lang, obj)
		edges = append(edges, compile)
		objects = append(objects, obj)
	}
	return edges, objects, nil
}

// allSources groups a target's static and generated sources by
// language, preserving declaration order within a language.
func (e *Emitter) allSources(t *graph.Target) map[string][]string {
	sources := make(map[string][]string)
	for _, src := range t.Sources {
		src = joinPath(t.Subdir, src)
		if lang := graph.LanguageOf(src); lang != "" {
			sources[lang] = append(sources[lang], src)
		}
	}
	for _, genID := range t.GeneratedSources {
		gen := e.g.Get(genID)
		switch gen.Kind {
		case decl.GeneratedList:
			for _, f := range gen.GeneratedOutputs() {
				if lang := graph.LanguageOf(f.Output); lang != "" {
					sources[lang] = append(sources[lang], f.Output)
				}
			}
		case decl.CustomTarget:
			for _, out := range gen.Outputs {
				full := joinPath(gen.Subdir, out)
				if lang := graph.LanguageOf(full); lang != "" {
					sources[lang] = append(sources[lang], full)
				}
			}
		}
	}
	return sources
}

func orderedLanguages(sources map[string][]string) []string {
	langs := make([]string, 0, len(sources))
	for lang := range sources {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// generatedHeaderDeps collects order-only dependencies on generated
// outputs that are not compiled directly (headers and the like), plus
// explicit order dependencies.
func (e *Emitter) generatedHeaderDeps(t *graph.Target) []string {
	var deps []string
	for _, genID := range t.GeneratedSources {
		gen := e.g.Get(genID)
		switch gen.Kind {
		case decl.GeneratedList:
			for _, f := range gen.GeneratedOutputs() {
				if graph.LanguageOf(f.Output) == "" {
					deps = append(deps, f.Output)
				}
			}
		case decl.CustomTarget:
			for _, out := range gen.Outputs {
				full := joinPath(gen.Subdir, out)
				if graph.LanguageOf(full) == "" {
					deps = append(deps, full)
				}
			}
		}
	}
	for _, id := range t.OrderDeps {
		if out, ok := e.primaryOutput[id]; ok {
			deps = append(deps, out)
		}
	}
	sort.Strings(deps)
	return deps
}

func (e *Emitter) emitCompiled(ctx context.Context, t *graph.Target, kind decl.TargetKind) ([]Edge, error) {
	edges, objects, err := e.compileSources(t, "", nil)
	if err != nil {
		return nil, err
	}

	linkEdges, primary, err := e.linkEdges(t, kind, "", objects)
	if err != nil {
		return nil, err
	}
	e.primaryOutput[t.ID] = primary
	return append(edges, linkEdges...), nil
}

// emitBoth emits a both-library: one object set shared by the two link
// edges, or two sets when the variants declare differing arguments.
func (e *Emitter) emitBoth(ctx context.Context, t *graph.Target) ([]Edge, error) {
	var edges []Edge
	var staticObjects, sharedObjects []string

	if t.PerKindCompile() {
		staticEdges, objs, err := e.compileSources(t, "static", t.StaticArgs)
		if err != nil {
			return nil, err
		}
		edges = append(edges, staticEdges...)
		staticObjects = objs

		sharedEdges, objs2, err := e.compileSources(t, "shared", withPic(t.SharedArgs))
		if err != nil {
			return nil, err
		}
		edges = append(edges, sharedEdges...)
		sharedObjects = objs2
	} else {
		// One compile pass serves both outputs.
		shared, objs, err := e.compileSources(t, "", withPic(nil))
		if err != nil {
			return nil, err
		}
		edges = append(edges, shared...)
		staticObjects, sharedObjects = objs, objs
	}

	staticLink, staticOut, err := e.linkEdges(t, decl.StaticLibrary, "", staticObjects)
	if err != nil {
		return nil, err
	}
	edges = append(edges, staticLink...)
	e.staticOutput[t.ID] = staticOut

	sharedLink, primary, err := e.linkEdges(t, decl.SharedLibrary, "", sharedObjects)
	if err != nil {
		return nil, err
	}
	edges = append(edges, sharedLink...)
	// Consumers default to the shared variant.
	e.primaryOutput[t.ID] = primary
	return edges, nil
}

// withPic appends -fPIC to every language's argument list; shared
// variants need position independent objects.
func withPic(perLang map[string][]string) map[string][]string {
	out := map[string][]string{
		"c": {"-fPIC"}, "cpp": {"-fPIC"}, "fortran": {"-fPIC"},
	}
	for lang, args := range perLang {
		out[lang] = append(append([]string{}, args...), out[lang]...)
	}
	return out
}

// linkEdges emits the link (or archive) edge for a target plus soname
// alias edges, returning the primary output path.
func (e *Emitter) linkEdges(t *graph.Target, kind decl.TargetKind, variant string, objects []string) ([]Edge, string, error) {
	m := e.machineFor(t)

	var outName string
	switch kind {
	case decl.Executable:
		outName = m.ExecutableName(t.Name, t.NameOverride)
	case decl.StaticLibrary:
		outName = m.StaticLibraryName(t.Name, t.NameOverride)
	case decl.SharedLibrary:
		outName = m.SharedLibraryName(t.Name, t.SharedVersion, t.NameOverride)
	default:
		return nil, "", &graph.InvariantError{Msg: fmt.Sprintf("linkEdges on kind %v", kind)}
	}
	out := joinPath(t.Subdir, outName)

	inputs := append([]string{}, objects...)
	var cmd []string

	if kind == decl.StaticLibrary {
		cmd = append([]string{}, m.Toolchain.Archiver...)
		cmd = append(cmd, "csrD", out)
		cmd = append(cmd, objects...)
	} else {
		linker := m.Toolchain.Linker
		if len(linker) == 0 {
			// Link through the first language's compiler driver.
			langs := t.Languages()
			lang := "c"
			if len(langs) > 0 {
				lang = langs[0]
			}
			cc, err := m.Compiler(lang)
			if err != nil {
				return nil, "", fmt.Errorf("target %s: %w", t, err)
			}
			linker = cc.Command
		}
		cmd = append([]string{}, linker...)
		cmd = append(cmd, "-o", out)
		cmd = append(cmd, objects...)

		if kind == decl.SharedLibrary {
			cmd = append(cmd, "-shared")
			if soname := m.Soname(t.Name, t.Soname, t.NameOverride); m.System == "linux" && t.SharedVersion != "" {
				cmd = append(cmd, "-Wl,-soname,"+soname)
			}
		}

		// Whole-archive groups come before regular libraries so their
		// symbols are all kept.
		for _, id := range t.LinkWhole {
			lib, err := e.wholeArchiveInput(id)
			if err != nil {
				return nil, "", err
			}
			if m.System == "windows" {
				cmd = append(cmd, "/WHOLEARCHIVE:"+lib)
			} else {
				cmd = append(cmd, "-Wl,--whole-archive", lib, "-Wl,--no-whole-archive")
			}
			inputs = append(inputs, lib)
		}
		for _, id := range t.LinkWith {
			lib, err := e.linkInput(id)
			if err != nil {
				return nil, "", err
			}
			cmd = append(cmd, lib)
			inputs = append(inputs, lib)
		}

		cmd = append(cmd, t.LinkArgs...)
		for _, dep := range t.Dependencies {
			cmd = append(cmd, dep.LinkArgs()...)
		}
		cmd = append(cmd, e.cfg.ProjectLinkArgs...)
		cmd = append(cmd, m.Toolchain.ExtraLinkArgs...)

		if rpath := e.rpathFor(t); rpath != "" && m.System != "windows" {
			cmd = append(cmd, "-Wl,-rpath,"+rpath)
		}
	}

	edge := newEdge(RuleLink, []string{out}, inputs, cmd)
	edge.Description = "Linking target " + out
	edges := []Edge{edge}

	// Soname symlink chain for versioned ELF shared libraries.
	if kind == decl.SharedLibrary {
		aliases := m.SharedAliases(t.Name, t.SharedVersion, t.Soname, t.NameOverride)
		prev := out
		for i := len(aliases) - 1; i >= 0; i-- {
			alias := joinPath(t.Subdir, aliases[i])
			cmd := []string{"ln", "-sf", path.Base(prev), alias}
			symlink := newEdge(RuleCustom, []string{alias}, []string{prev}, cmd)
			symlink.Description = "Creating symlink " + alias
			edges = append(edges, symlink)
			prev = alias
		}
	}
	return edges, out, nil
}

// linkInput resolves the file a consumer passes to its linker for a
// library node.
func (e *Emitter) linkInput(id graph.NodeID) (string, error) {
	out, ok := e.primaryOutput[id]
	if !ok {
		return "", &graph.InvariantError{Msg: fmt.Sprintf("link input %d emitted out of order", id)}
	}
	return out, nil
}

// wholeArchiveInput resolves the archive a whole-archive consumer
// absorbs. A both-library contributes its static variant here; its
// shared object is not a valid whole-archive input.
func (e *Emitter) wholeArchiveInput(id graph.NodeID) (string, error) {
	if out, ok := e.staticOutput[id]; ok {
		return out, nil
	}
	return e.linkInput(id)
}

// rpathFor builds the $ORIGIN-relative rpath covering every shared
// library the target links, so build-tree binaries run in place.
func (e *Emitter) rpathFor(t *graph.Target) string {
	dirs := make(map[string]bool)
	for _, id := range t.LinkWith {
		dep := e.g.Get(id)
		if dep.Kind != decl.SharedLibrary && dep.Kind != decl.BothLibrary {
			continue
		}
		rel := relDir(t.Subdir, dep.Subdir)
		dirs[rel] = true
	}
	if len(dirs) == 0 {
		return ""
	}
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	for i, d := range sorted {
		if d == "." {
			sorted[i] = "$ORIGIN"
		} else {
			sorted[i] = "$ORIGIN/" + d
		}
	}
	return strings.Join(sorted, ":")
}

// relDir computes the relative path between two build-dir subdirs.
func relDir(from, to string) string {
	if from == to {
		return "."
	}
	var up int
	if from != "" {
		up = strings.Count(from, "/") + 1
	}
	parts := make([]string, 0, up+1)
	for i := 0; i < up; i++ {
		parts = append(parts, "..")
	}
	if to != "" {
		parts = append(parts, to)
	}
	if len(parts) == 0 {
		return "."
	}
	return path.Join(parts...)
}

func (e *Emitter) emitCustom(t *graph.Target) ([]Edge, error) {
	if len(t.Outputs) == 0 {
		return nil, fmt.Errorf("%s: custom target %q declares no outputs", t.Pos, t.Name)
	}
	outputs := make([]string, len(t.Outputs))
	for i, out := range t.Outputs {
		outputs[i] = joinPath(t.Subdir, out)
	}
	inputs := make([]string, 0, len(t.Sources))
	for _, src := range t.Sources {
		inputs = append(inputs, joinPath(t.Subdir, src))
	}
	for _, genID := range t.GeneratedSources {
		gen := e.g.Get(genID)
		for _, out := range gen.Outputs {
			inputs = append(inputs, joinPath(gen.Subdir, out))
		}
	}

	cmd := make([]string, len(t.Command))
	for i, c := range t.Command {
		c = strings.ReplaceAll(c, "@INPUT@", strings.Join(inputs, " "))
		c = strings.ReplaceAll(c, "@OUTPUT@", strings.Join(outputs, " "))
		cmd[i] = c
	}

	var orderOnly []string
	for _, id := range t.OrderDeps {
		if out, ok := e.primaryOutput[id]; ok {
			orderOnly = append(orderOnly, out)
		}
	}

	edge := newEdge(RuleCustom, outputs, inputs, cmd)
	edge.OrderOnly = orderOnly
	edge.Description = "Generating " + t.Name
	e.primaryOutput[t.ID] = outputs[0]
	return []Edge{edge}, nil
}

func (e *Emitter) emitGenerated(t *graph.Target) ([]Edge, error) {
	files := t.GeneratedOutputs()
	edges := make([]Edge, 0, len(files))
	for _, f := range files {
		edge := newEdge(RuleCustom, []string{f.Output}, []string{f.Input}, f.Args)
		edge.Description = "Generating " + f.Output
		edges = append(edges, edge)
	}
	if len(files) > 0 {
		e.primaryOutput[t.ID] = files[0].Output
	}
	return edges, nil
}

// aliasEdge emits the phony convenience alias for a target's primary
// output.
func (e *Emitter) aliasEdge(t *graph.Target) (Edge, bool) {
	out, ok := e.primaryOutput[t.ID]
	if !ok || out == joinPath(t.Subdir, t.Name) {
		// Executables whose output equals the alias need no phony.
		return Edge{}, false
	}
	alias := joinPath(t.Subdir, t.Name)
	edge := newEdge(RulePhony, []string{alias}, []string{out}, nil)
	edge.Description = ""
	return edge, true
}

// emitInstall renders the install manifest. Install edges take the
// produced file as input, so installation orders after production.
func (e *Emitter) emitInstall(ctx context.Context) ([]Edge, error) {
	manifest := e.g.Manifest()
	var edges []Edge
	for _, entry := range manifest.Entries() {
		src := entry.Source
		if entry.Target >= 0 {
			out, ok := e.primaryOutput[entry.Target]
			if !ok {
				return nil, &graph.InvariantError{Msg: fmt.Sprintf("install entry for unemitted target %d", entry.Target)}
			}
			src = out
		}
		dest := entry.DestPath()
		cmd := []string{"install", "-D", src, dest}
		edge := newEdge(RuleInstall, []string{dest}, []string{src}, cmd)
		edge.Description = "Installing " + src + " to " + dest
		edges = append(edges, edge)
	}
	return edges, nil
}

// InstallTargetEntry builds the manifest entry for an installed target,
// used by the session after targets are declared. Destinations resolve
// against prefix unless the declared install_dir is absolute.
func InstallTargetEntry(m *machine.Machine, t *graph.Target, prefix, libdir, bindir string) (graph.InstallEntry, bool) {
	if !t.Install.Install {
		return graph.InstallEntry{}, false
	}
	var name, dir string
	switch t.Kind {
	case decl.Executable:
		name = m.ExecutableName(t.Name, t.NameOverride)
		dir = bindir
	case decl.StaticLibrary:
		name = m.StaticLibraryName(t.Name, t.NameOverride)
		dir = libdir
	case decl.SharedLibrary, decl.BothLibrary:
		name = m.SharedLibraryName(t.Name, t.SharedVersion, t.NameOverride)
		dir = libdir
	case decl.CustomTarget:
		if len(t.Outputs) == 0 {
			return graph.InstallEntry{}, false
		}
		name = t.Outputs[0]
		dir = ""
	default:
		return graph.InstallEntry{}, false
	}
	if t.Install.Dir != "" {
		dir = t.Install.Dir
	}
	return graph.InstallEntry{
		Target:   t.ID,
		Source:   joinPath(t.Subdir, name),
		DestDir:  graph.InstallDir(prefix, dir),
		DestName: name,
		Tag:      t.Install.Tag,
	}, true
}
