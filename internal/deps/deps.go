// Package deps resolves named external dependency requests against an
// ordered chain of providers, with a per-run cache that guarantees every
// part of the project sees the same resolution for the same request key.
package deps

import (
	"fmt"

	"github.com/mortarbuild/mortar/internal/decl"
)

// Dependency is the result of a resolution: compiler and linker arguments
// plus a found/not-found status.
type Dependency interface {
	Name() string
	Found() bool
	Version() string
	CompileArgs() []string
	LinkArgs() []string
}

// ExternalDependency is a dependency found on the system by a provider.
type ExternalDependency struct {
	DepName    string
	DepVersion string
	Cflags     []string
	Libs       []string
	Method     string // which provider found it
}

func (d *ExternalDependency) Name() string          { return d.DepName }
func (d *ExternalDependency) Found() bool           { return true }
func (d *ExternalDependency) Version() string       { return d.DepVersion }
func (d *ExternalDependency) CompileArgs() []string { return d.Cflags }
func (d *ExternalDependency) LinkArgs() []string    { return d.Libs }

// NotFoundDependency is returned for optional requests that could not be
// satisfied. It carries no arguments and emission never references it.
type NotFoundDependency struct {
	DepName string
	// FromDisabledFeature marks a not-found caused by a disabled
	// feature option rather than a failed system probe. Such results
	// are not cached, so a differently scoped later call may succeed.
	FromDisabledFeature bool
}

func (d *NotFoundDependency) Name() string          { return d.DepName }
func (d *NotFoundDependency) Found() bool           { return false }
func (d *NotFoundDependency) Version() string       { return "none" }
func (d *NotFoundDependency) CompileArgs() []string { return nil }
func (d *NotFoundDependency) LinkArgs() []string    { return nil }

// LibraryKind selects which variant of an internal both-library
// dependency a consumer links against.
type LibraryKind int

const (
	PreferDefault LibraryKind = iota
	PreferStatic
	PreferShared
)

// InternalDependency wraps targets exported by a subproject (or an
// override) so consumers link against them like any external dependency.
type InternalDependency struct {
	DepName    string
	DepVersion string
	Cflags     []string

	// StaticTarget and SharedTarget reference the providing targets.
	// A both-library fills in both; other kinds fill one.
	StaticTarget *decl.TargetRef
	SharedTarget *decl.TargetRef
	Kind         LibraryKind
}

func (d *InternalDependency) Name() string          { return d.DepName }
func (d *InternalDependency) Found() bool           { return true }
func (d *InternalDependency) Version() string       { return d.DepVersion }
func (d *InternalDependency) CompileArgs() []string { return d.Cflags }

// LinkArgs is empty for internal dependencies; the graph builder turns
// the target references into link edges instead of raw arguments.
func (d *InternalDependency) LinkArgs() []string { return nil }

// LinkTarget returns the target this dependency links against under its
// current variant preference.
func (d *InternalDependency) LinkTarget() *decl.TargetRef {
	switch d.Kind {
	case PreferStatic:
		if d.StaticTarget != nil {
			return d.StaticTarget
		}
		return d.SharedTarget
	case PreferShared:
		if d.SharedTarget != nil {
			return d.SharedTarget
		}
		return d.StaticTarget
	default:
		if d.SharedTarget != nil {
			return d.SharedTarget
		}
		return d.StaticTarget
	}
}

// AsStatic returns a view preferring the static variant. The underlying
// resolution is shared; no re-resolution happens.
func (d *InternalDependency) AsStatic() *InternalDependency {
	v := *d
	v.Kind = PreferStatic
	return &v
}

// AsShared returns a view preferring the shared variant.
func (d *InternalDependency) AsShared() *InternalDependency {
	v := *d
	v.Kind = PreferShared
	return &v
}

// NotFoundError reports a required dependency that no provider satisfied.
type NotFoundError struct {
	Name   string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("required dependency %q not found", e.Name)
	}
	return fmt.Sprintf("required dependency %q not found: %s", e.Name, e.Reason)
}

// InconsistentError reports a second lookup whose constraint the already
// cached resolution cannot satisfy. Re-resolving would let two parts of
// the project link different versions of one logical dependency.
type InconsistentError struct {
	Name       string
	Cached     string
	Constraint string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("dependency %q was already resolved to version %s, which does not satisfy the new constraint %q",
		e.Name, e.Cached, e.Constraint)
}

// AlreadyOverriddenError reports conflicting overrides for one name.
type AlreadyOverriddenError struct {
	Name    string
	Machine decl.MachineRole
}

func (e *AlreadyOverriddenError) Error() string {
	return fmt.Sprintf("dependency %q is already overridden for the %s machine", e.Name, e.Machine)
}
