// Package machine models the build and host machines: which system each
// one is, and which toolchain produces code for it. Cross builds give the
// two roles different definitions; native builds share one.
package machine

import (
	"fmt"

	"github.com/mortarbuild/mortar/internal/decl"
)

// ArgSyntax is the command-line dialect a compiler speaks.
type ArgSyntax int

const (
	GccSyntax ArgSyntax = iota
	MsvcSyntax
)

func (s ArgSyntax) String() string {
	if s == MsvcSyntax {
		return "msvc"
	}
	return "gcc"
}

// Compiler describes one language's compiler on a machine.
type Compiler struct {
	Language string
	// Command is the compiler executable plus always-passed arguments.
	Command []string
	Syntax  ArgSyntax
}

// Toolchain groups the tools that produce artifacts for one machine.
type Toolchain struct {
	Compilers map[string]Compiler
	Linker    []string
	Archiver  []string
	// ExtraArgs come from the machine file's per-language argument
	// blocks and are appended last during command assembly.
	ExtraCompileArgs map[string][]string
	ExtraLinkArgs    []string
}

// Machine is one of the two machine roles with its resolved toolchain.
type Machine struct {
	Role      decl.MachineRole
	System    string // linux, darwin, windows
	CPUFamily string
	Toolchain Toolchain
}

// Compiler returns the machine's compiler for a language.
func (m *Machine) Compiler(lang string) (Compiler, error) {
	c, ok := m.Toolchain.Compilers[lang]
	if !ok {
		return Compiler{}, fmt.Errorf("no %s compiler defined for the %s machine", lang, m.Role)
	}
	return c, nil
}

// Machines is the build/host pair consulted by every other component.
type Machines struct {
	Build *Machine
	Host  *Machine
}

// ByRole returns the machine for a role.
func (ms Machines) ByRole(role decl.MachineRole) *Machine {
	if role == decl.BuildMachine {
		return ms.Build
	}
	return ms.Host
}

// Native returns a pair where both roles share one machine definition,
// the non-cross case.
func Native(m *Machine) Machines {
	build := *m
	build.Role = decl.BuildMachine
	host := *m
	host.Role = decl.HostMachine
	return Machines{Build: &build, Host: &host}
}
