package graph

import (
	"path"
	"strings"

	"github.com/mortarbuild/mortar/internal/decl"
	"github.com/mortarbuild/mortar/internal/deps"
	"github.com/mortarbuild/mortar/internal/machine"
)

// NodeID is a stable handle into the graph's node arena. Edges are ID
// pairs, which keeps the node structs free of ownership cycles.
type NodeID int

// Target is one node of the build graph. The kind field selects which of
// the kind-specific payloads are meaningful; the graph-edge fields are
// shared by all kinds.
type Target struct {
	ID      NodeID
	Kind    decl.TargetKind
	Name    string
	Subdir  string
	Machine decl.MachineRole

	Sources          []string
	GeneratedSources []NodeID

	Dependencies []deps.Dependency

	LinkWith  []NodeID
	LinkWhole []NodeID
	OrderDeps []NodeID

	LangArgs    map[string][]string
	LinkArgs    []string
	IncludeDirs []string

	Install decl.Install

	NameOverride  machine.NameOverride
	SharedVersion string
	Soname        string

	// Both-library payload. Object files are shared between the two
	// variants unless either map is non-empty.
	StaticArgs map[string][]string
	SharedArgs map[string][]string

	// Custom-target payload.
	Command []string
	Outputs []string

	// Generator payload.
	GenArgs          []string
	GenOutputPattern []string
	PreservePathFrom string

	Pos decl.Pos

	generated []GeneratedFile
}

// Ref returns the (subdir, name) reference for this target.
func (t *Target) Ref() decl.TargetRef {
	return decl.TargetRef{Subdir: t.Subdir, Name: t.Name}
}

func (t *Target) String() string { return t.Ref().String() }

// IsLinkable reports whether other targets may link against this one.
func (t *Target) IsLinkable() bool {
	switch t.Kind {
	case decl.StaticLibrary, decl.SharedLibrary, decl.BothLibrary:
		return true
	default:
		return false
	}
}

// IsCompiled reports whether the target compiles sources.
func (t *Target) IsCompiled() bool {
	switch t.Kind {
	case decl.CustomTarget, decl.GeneratedList:
		return false
	default:
		return true
	}
}

// PerKindCompile reports whether a both-library must compile its sources
// once per variant because the variants take different arguments. When
// false the variants reuse one set of object files.
func (t *Target) PerKindCompile() bool {
	return t.Kind == decl.BothLibrary && (len(t.StaticArgs) > 0 || len(t.SharedArgs) > 0)
}

// GeneratedFile is one output node produced by a generator input.
type GeneratedFile struct {
	Input  string
	Output string
	// Args is the generator command with placeholders substituted.
	Args []string
}

// GeneratedOutputs expands the generator template over the input list,
// preserving input order. The expansion is computed once and reused;
// callers must not mutate the returned slice.
func (t *Target) GeneratedOutputs() []GeneratedFile {
	if t.Kind != decl.GeneratedList {
		return nil
	}
	if t.generated != nil {
		return t.generated
	}
	files := make([]GeneratedFile, 0, len(t.Sources)*len(t.GenOutputPattern))
	for _, input := range t.Sources {
		base := strings.TrimSuffix(path.Base(input), path.Ext(input))
		outDir := t.Subdir
		if t.PreservePathFrom != "" {
			// Keep the input's layout below the anchor directory, for
			// generators whose compiler cares about on-disk structure.
			if rel, ok := strings.CutPrefix(input, t.PreservePathFrom+"/"); ok {
				outDir = path.Join(outDir, path.Dir(rel))
			}
		}
		for _, pattern := range t.GenOutputPattern {
			output := path.Join(outDir, substitutePlaceholders(pattern, input, base, ""))
			args := make([]string, len(t.GenArgs))
			for i, a := range t.GenArgs {
				args[i] = substitutePlaceholders(a, input, base, output)
			}
			files = append(files, GeneratedFile{Input: input, Output: output, Args: args})
		}
	}
	t.generated = files
	return files
}

func substitutePlaceholders(s, input, base, output string) string {
	s = strings.ReplaceAll(s, "@INPUT@", input)
	s = strings.ReplaceAll(s, "@BASENAME@", base)
	if output != "" {
		s = strings.ReplaceAll(s, "@OUTPUT@", output)
	}
	return s
}

// Languages returns the languages of the target's static sources, in
// first-appearance order.
func (t *Target) Languages() []string {
	var langs []string
	seen := make(map[string]bool)
	for _, src := range t.Sources {
		lang := LanguageOf(src)
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		langs = append(langs, lang)
	}
	return langs
}

// LanguageOf maps a source filename to its language, or "" for files no
// compiler consumes (headers, data).
func LanguageOf(src string) string {
	switch path.Ext(src) {
	case ".c":
		return "c"
	case ".cc", ".cpp", ".cxx":
		return "cpp"
	case ".f90", ".f95", ".f":
		return "fortran"
	case ".rs":
		return "rust"
	default:
		return ""
	}
}
