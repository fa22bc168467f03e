package graph

import (
	"fmt"
	"strings"

	"github.com/mortarbuild/mortar/internal/decl"
)

// DuplicateTargetError reports two targets with the same identity in one
// subdirectory.
type DuplicateTargetError struct {
	Name   string
	Subdir string
	Kind   decl.TargetKind
	Pos    decl.Pos
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("%s: target %q (%s) already declared in directory %q",
		e.Pos, e.Name, e.Kind, e.Subdir)
}

// CyclicDependencyError reports an edge insertion that would close a
// dependency cycle. Cycle lists the target names along the cycle, ending
// where it starts.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownTargetError reports a reference to a target that was never
// declared.
type UnknownTargetError struct {
	Ref decl.TargetRef
	Pos decl.Pos
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("%s: unknown target %q", e.Pos, e.Ref)
}

// InvariantError guards internal invariants; it always aborts
// configuration and indicates a bug, not a project error.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "internal invariant violated: " + e.Msg
}

// ErrFrozen is returned by mutations once the graph is frozen.
var ErrFrozen = fmt.Errorf("target graph is frozen; reconfigure to add targets")
