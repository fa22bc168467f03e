package hclconf

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/decl"
	"github.com/mortarbuild/mortar/internal/machine"
)

// Loader parses HCL configuration files. One loader is shared per
// configuration run so diagnostics accumulate against one file set.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser()}
}

func (l *Loader) parseFile(path string) (*hcl.File, error) {
	file, diags := l.parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}
	return file, nil
}

// LoadMachineFile reads a machine file and returns the machine it
// describes. The caller assigns the machine role.
func (l *Loader) LoadMachineFile(ctx context.Context, path string) (*machine.Machine, error) {
	logger := ctxlog.FromContext(ctx)
	file, err := l.parseFile(path)
	if err != nil {
		return nil, err
	}

	var mf machineFile
	if diags := gohcl.DecodeBody(file.Body, nil, &mf); diags.HasErrors() {
		return nil, fmt.Errorf("decoding machine file %s: %w", path, diags)
	}

	tc := machine.Toolchain{
		Compilers:        make(map[string]machine.Compiler),
		Archiver:         []string{"ar"},
		ExtraCompileArgs: make(map[string][]string),
	}
	if mf.Binaries != nil {
		for lang, cmd := range map[string][]string{
			"c": mf.Binaries.C, "cpp": mf.Binaries.Cpp,
			"fortran": mf.Binaries.Fortran, "rust": mf.Binaries.Rust,
		} {
			if len(cmd) == 0 {
				continue
			}
			tc.Compilers[lang] = machine.Compiler{Language: lang, Command: cmd, Syntax: syntaxFor(mf.System, cmd[0])}
		}
		if len(mf.Binaries.Linker) > 0 {
			tc.Linker = mf.Binaries.Linker
		}
		if len(mf.Binaries.Ar) > 0 {
			tc.Archiver = mf.Binaries.Ar
		}
	}
	if mf.Properties != nil {
		if err := decodeProperties(mf.Properties.Body, &tc); err != nil {
			return nil, fmt.Errorf("machine file %s: %w", path, err)
		}
	}

	logger.Debug("Loaded machine file.", "path", path, "system", mf.System, "cpu_family", mf.CPUFamily)
	return &machine.Machine{
		System:    mf.System,
		CPUFamily: mf.CPUFamily,
		Toolchain: tc,
	}, nil
}

func syntaxFor(system, compiler string) machine.ArgSyntax {
	if system == "windows" && (compiler == "cl" || strings.HasSuffix(compiler, "\\cl.exe")) {
		return machine.MsvcSyntax
	}
	return machine.GccSyntax
}

// decodeProperties reads <lang>_args and link_args attributes from the
// free-form properties block.
func decodeProperties(body hcl.Body, tc *machine.Toolchain) error {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("properties block: %w", diags)
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, diags := attrs[name].Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("property %q: %w", name, diags)
		}
		args, err := ctyStringList(val)
		if err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		switch {
		case name == "link_args":
			tc.ExtraLinkArgs = args
		case strings.HasSuffix(name, "_args"):
			lang := strings.TrimSuffix(name, "_args")
			tc.ExtraCompileArgs[lang] = args
		default:
			return fmt.Errorf("unknown property %q", name)
		}
	}
	return nil
}

func ctyStringList(val cty.Value) ([]string, error) {
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	if !ty.IsTupleType() && !ty.IsListType() && !ty.IsSetType() {
		return nil, fmt.Errorf("expected a list of strings, got %s", ty.FriendlyName())
	}
	var out []string
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.Type() != cty.String {
			return nil, fmt.Errorf("expected a string element, got %s", elem.Type().FriendlyName())
		}
		out = append(out, elem.AsString())
	}
	return out, nil
}

// LoadOptionsFile reads an option declaration file scoped to the given
// subproject ("" for the top-level project).
func (l *Loader) LoadOptionsFile(ctx context.Context, path, subproject string) ([]decl.Option, error) {
	logger := ctxlog.FromContext(ctx)
	file, err := l.parseFile(path)
	if err != nil {
		return nil, err
	}

	var of optionsFile
	if diags := gohcl.DecodeBody(file.Body, nil, &of); diags.HasErrors() {
		return nil, fmt.Errorf("decoding options file %s: %w", path, diags)
	}

	opts := make([]decl.Option, 0, len(of.Options))
	for _, block := range of.Options {
		typ, err := optionType(block.Type)
		if err != nil {
			return nil, fmt.Errorf("%s: option %q: %w", path, block.Name, err)
		}
		opts = append(opts, decl.Option{
			Name:        block.Name,
			Type:        typ,
			Description: block.Description,
			Choices:     block.Choices,
			Default:     block.Default,
			Subproject:  subproject,
			Pos:         decl.Pos{File: path},
		})
	}
	logger.Debug("Loaded options file.", "path", path, "count", len(opts))
	return opts, nil
}

func optionType(s string) (decl.OptionType, error) {
	switch s {
	case "boolean":
		return decl.BoolOption, nil
	case "combo":
		return decl.ComboOption, nil
	case "feature":
		return decl.FeatureOption, nil
	case "string":
		return decl.StringOption, nil
	case "integer":
		return decl.IntegerOption, nil
	case "array":
		return decl.ArrayOption, nil
	default:
		return 0, fmt.Errorf("unknown option type %q", s)
	}
}

// Wrap describes one subproject fallback source parsed from a wrap file.
type Wrap struct {
	Name      string
	URL       string
	SHA256    string
	Directory string
	Provides  []string
	Version   string
}

// LoadWrapFile reads a wrap descriptor file.
func (l *Loader) LoadWrapFile(ctx context.Context, path string) ([]Wrap, error) {
	file, err := l.parseFile(path)
	if err != nil {
		return nil, err
	}

	var wf wrapFile
	if diags := gohcl.DecodeBody(file.Body, nil, &wf); diags.HasErrors() {
		return nil, fmt.Errorf("decoding wrap file %s: %w", path, diags)
	}

	wraps := make([]Wrap, 0, len(wf.Wraps))
	for _, block := range wf.Wraps {
		wraps = append(wraps, Wrap{
			Name:      block.Name,
			URL:       block.URL,
			SHA256:    block.SHA256,
			Directory: block.Directory,
			Provides:  block.Provides,
			Version:   block.Version,
		})
	}
	ctxlog.FromContext(ctx).Debug("Loaded wrap file.", "path", path, "count", len(wraps))
	return wraps, nil
}
