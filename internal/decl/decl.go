// Package decl defines the declaration events consumed from the project
// description front end. The front end (whatever language it parses) is
// expected to evaluate the project description and hand the session a
// stream of these records in directory-declaration order.
package decl

import "fmt"

// Pos locates a declaration in its source file for error reporting.
type Pos struct {
	File string
	Line int
}

func (p Pos) String() string {
	if p.File == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// Project declares the root (or a subproject's) project block.
type Project struct {
	Name      string
	Version   string
	Languages []string
	// DefaultOptions are "name=value" pairs applied at project-default
	// priority, never clobbering user-supplied values.
	DefaultOptions map[string]string
	Pos            Pos
}

// OptionType enumerates the value types an option can declare.
type OptionType int

const (
	BoolOption OptionType = iota
	ComboOption
	FeatureOption
	StringOption
	IntegerOption
	ArrayOption
)

func (t OptionType) String() string {
	switch t {
	case BoolOption:
		return "boolean"
	case ComboOption:
		return "combo"
	case FeatureOption:
		return "feature"
	case StringOption:
		return "string"
	case IntegerOption:
		return "integer"
	case ArrayOption:
		return "array"
	default:
		return fmt.Sprintf("OptionType(%d)", int(t))
	}
}

// Option declares a user-visible project option.
type Option struct {
	Name        string
	Type        OptionType
	Description string
	// Choices constrains combo options; ignored for other types.
	Choices []string
	// Default is the declared default, encoded as its string form.
	Default string
	// Subproject scopes the option; empty means the top-level project.
	Subproject string
	Pos        Pos
}

// TargetKind enumerates the buildable target variants.
type TargetKind int

const (
	StaticLibrary TargetKind = iota
	SharedLibrary
	BothLibrary
	Executable
	CustomTarget
	GeneratedList
	// Library defers the static/shared/both choice to the
	// default_library option; the session resolves it before the
	// target reaches the graph.
	Library
)

func (k TargetKind) String() string {
	switch k {
	case StaticLibrary:
		return "static_library"
	case SharedLibrary:
		return "shared_library"
	case BothLibrary:
		return "both_libraries"
	case Executable:
		return "executable"
	case CustomTarget:
		return "custom_target"
	case GeneratedList:
		return "generated_list"
	case Library:
		return "library"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// MachineRole selects which machine a target or dependency is for.
type MachineRole int

const (
	// HostMachine is the machine the built artifacts will run on.
	HostMachine MachineRole = iota
	// BuildMachine is the machine the build itself runs on.
	BuildMachine
)

func (m MachineRole) String() string {
	if m == BuildMachine {
		return "build"
	}
	return "host"
}

// Install describes where a target or file set is installed.
type Install struct {
	Install bool
	Dir     string
	Tag     string
}

// Target declares one build target.
type Target struct {
	Kind    TargetKind
	Name    string
	Subdir  string
	Machine MachineRole

	// Sources are static source files relative to Subdir. Generated
	// sources arrive as references to other targets' outputs.
	Sources          []string
	GeneratedSources []TargetRef

	// Dependencies are names of previously declared dependency requests.
	Dependencies []string

	LinkWith  []TargetRef
	LinkWhole []TargetRef

	// Per-language extra compile arguments, e.g. "c" -> ["-DFOO"].
	LangArgs map[string][]string
	LinkArgs []string

	// Per-kind extra arguments for both-libraries. When either is
	// non-empty the two variants compile their sources separately.
	StaticArgs map[string][]string
	SharedArgs map[string][]string

	IncludeDirs []string

	Install Install

	// Naming overrides.
	NamePrefix *string
	NameSuffix *string

	// SharedVersion is the full version for versioned shared libraries
	// ("X.Y.Z"); Soname is the ABI version ("X"). Empty disables
	// versioning.
	SharedVersion string
	Soname        string

	// Custom target fields.
	Command []string
	Outputs []string

	// Generator fields.
	GenArgs          []string
	GenOutputPattern []string
	PreservePathFrom string

	Pos Pos
}

// TargetRef names a previously declared target by (subdir, name).
type TargetRef struct {
	Subdir string
	Name   string
}

func (r TargetRef) String() string {
	if r.Subdir == "" {
		return r.Name
	}
	return r.Subdir + "/" + r.Name
}

// DependencyRequest declares an external dependency lookup.
type DependencyRequest struct {
	Name       string
	Constraint string
	Modules    []string
	Required   bool
	// Static requests the static variant when the provider offers both.
	Static *bool
	// Fallback names a subproject (and the dependency variable it
	// exports) to configure when system lookup fails.
	Fallback []string
	Machine  MachineRole
	// Feature optionally ties the request to a feature option; a
	// disabled feature skips resolution entirely.
	Feature string
	Pos     Pos
}

// ProjectArgs declares compile or link arguments applied to every
// target declared in the same (sub)project after this point.
type ProjectArgs struct {
	Subproject string
	// LangArgs maps language names to extra compile arguments.
	LangArgs map[string][]string
	LinkArgs []string
	Pos      Pos
}

// Subproject declares an explicit subproject() invocation.
type Subproject struct {
	Name     string
	Required bool
	// DefaultOptions applied to the subproject's option scope.
	DefaultOptions map[string]string
	Pos            Pos
}

// InstallFiles declares data files installed without a producing target.
type InstallFiles struct {
	Files []string
	Dir   string
	Tag   string
	Pos   Pos
}
