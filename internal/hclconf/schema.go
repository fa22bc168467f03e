// Package hclconf loads the HCL configuration inputs of a run: machine
// files describing toolchains and option declaration files. The build
// description language itself is not handled here; its front end hands
// the session a stream of decl events.
package hclconf

import (
	"github.com/hashicorp/hcl/v2"
)

// machineFile is the top-level schema of a machine file.
type machineFile struct {
	System     string           `hcl:"system"`
	CPUFamily  string           `hcl:"cpu_family"`
	Binaries   *binariesBlock   `hcl:"binaries,block"`
	Properties *propertiesBlock `hcl:"properties,block"`
}

// binariesBlock names the toolchain executables. Unlisted tools fall back
// to defaults.
type binariesBlock struct {
	C       []string `hcl:"c,optional"`
	Cpp     []string `hcl:"cpp,optional"`
	Fortran []string `hcl:"fortran,optional"`
	Rust    []string `hcl:"rust,optional"`
	Linker  []string `hcl:"linker,optional"`
	Ar      []string `hcl:"ar,optional"`
}

// propertiesBlock carries free-form per-language argument lists, e.g.
// c_args or link_args. Kept as a raw body so machine files can add
// languages without a schema change.
type propertiesBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// optionBlock is one option declaration in an options file.
type optionBlock struct {
	Name        string   `hcl:"name,label"`
	Type        string   `hcl:"type"`
	Description string   `hcl:"description,optional"`
	Choices     []string `hcl:"choices,optional"`
	Default     string   `hcl:"default,optional"`
}

// optionsFile is the top-level schema of an options file.
type optionsFile struct {
	Options []*optionBlock `hcl:"option,block"`
}

// wrapBlock describes one subproject fallback source.
type wrapBlock struct {
	Name      string   `hcl:"name,label"`
	URL       string   `hcl:"url,optional"`
	SHA256    string   `hcl:"sha256,optional"`
	Directory string   `hcl:"directory,optional"`
	Provides  []string `hcl:"provides,optional"`
	Version   string   `hcl:"version,optional"`
}

// wrapFile is the top-level schema of a wrap descriptor file.
type wrapFile struct {
	Wraps []*wrapBlock `hcl:"wrap,block"`
}
