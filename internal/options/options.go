// Package options implements the per-subproject option store. Every option
// carries the source that set its current value; a value is only replaced
// by a source of equal or higher priority, which is what keeps user choices
// stable across reconfiguration.
package options

import (
	"fmt"
	"sort"

	"github.com/agext/levenshtein"

	"github.com/mortarbuild/mortar/internal/decl"
)

// Source identifies where an option value came from. Higher values win.
type Source int

const (
	SourceUnset Source = iota
	// SourceDefault covers both the declared default and a project's
	// default_options; within the same priority the later writer wins.
	SourceDefault
	SourceEnvironment
	SourceMachineFile
	SourceCommandLine
)

func (s Source) String() string {
	switch s {
	case SourceUnset:
		return "unset"
	case SourceDefault:
		return "default"
	case SourceEnvironment:
		return "environment"
	case SourceMachineFile:
		return "machine file"
	case SourceCommandLine:
		return "command line"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// ParseSource is the inverse of String, for snapshot entries read back
// from disk. Unrecognized names come back as SourceUnset so any newer
// value outranks them.
func ParseSource(s string) Source {
	switch s {
	case "default":
		return SourceDefault
	case "environment":
		return SourceEnvironment
	case "machine file":
		return SourceMachineFile
	case "command line":
		return SourceCommandLine
	default:
		return SourceUnset
	}
}

// DuplicateOptionError reports a second declaration of an option name
// within one scope.
type DuplicateOptionError struct {
	Name  string
	Scope string
	Pos   decl.Pos
}

func (e *DuplicateOptionError) Error() string {
	return fmt.Sprintf("%s: option %q already declared in scope %q", e.Pos, e.Name, e.Scope)
}

// UnknownOptionError reports a lookup of an option that no reachable scope
// declares. Suggestion, when non-empty, names the closest declared option.
type UnknownOptionError struct {
	Name       string
	Scope      string
	Suggestion string
}

func (e *UnknownOptionError) Error() string {
	msg := fmt.Sprintf("unknown option %q in scope %q", e.Name, e.Scope)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
	}
	return msg
}

// ErrFrozen is returned by every mutation once the store is frozen.
var ErrFrozen = fmt.Errorf("option store is frozen; reconfigure to change values")

// Option is one declared option with its effective value.
type Option struct {
	Name        string
	Type        decl.OptionType
	Description string
	Choices     []string
	Value       Value
	Source      Source
}

type scope struct {
	options map[string]*Option
	// names in declaration order, for deterministic snapshots.
	order []string
}

// Store holds all option scopes for one configuration run. It is not
// safe for concurrent use; configuration is single-threaded by contract.
type Store struct {
	scopes map[string]*scope
	frozen bool
}

// NewStore returns a store with the built-in options declared in the
// top-level scope.
func NewStore() *Store {
	s := &Store{scopes: map[string]*scope{"": newScope()}}
	declareBuiltins(s)
	return s
}

func newScope() *scope {
	return &scope{options: make(map[string]*Option)}
}

func (s *Store) scopeFor(name string) *scope {
	sc, ok := s.scopes[name]
	if !ok {
		sc = newScope()
		s.scopes[name] = sc
	}
	return sc
}

// Declare registers a new option. The declared default is applied at
// default priority, so an earlier environment or command-line value
// survives the declaration.
func (s *Store) Declare(d decl.Option) error {
	if s.frozen {
		return ErrFrozen
	}
	sc := s.scopeFor(d.Subproject)
	if _, ok := sc.options[d.Name]; ok {
		return &DuplicateOptionError{Name: d.Name, Scope: d.Subproject, Pos: d.Pos}
	}
	opt := &Option{
		Name:        d.Name,
		Type:        d.Type,
		Description: d.Description,
		Choices:     d.Choices,
		Source:      SourceUnset,
	}
	sc.options[d.Name] = opt
	sc.order = append(sc.order, d.Name)
	if d.Default != "" || d.Type == decl.StringOption {
		if err := s.SetFromSource(d.Name, d.Subproject, d.Default, SourceDefault); err != nil {
			return err
		}
	}
	return nil
}

// lookup finds an option in the given scope, falling back to the
// top-level scope so subprojects see project-wide options.
func (s *Store) lookup(name, scopeName string) (*Option, bool) {
	if sc, ok := s.scopes[scopeName]; ok {
		if opt, ok := sc.options[name]; ok {
			return opt, true
		}
	}
	if scopeName != "" {
		if opt, ok := s.scopes[""].options[name]; ok {
			return opt, true
		}
	}
	return nil, false
}

// Resolve returns the effective value of an option.
func (s *Store) Resolve(name, scopeName string) (Value, error) {
	opt, ok := s.lookup(name, scopeName)
	if !ok {
		return nil, &UnknownOptionError{
			Name:       name,
			Scope:      scopeName,
			Suggestion: s.suggest(name, scopeName),
		}
	}
	if opt.Source == SourceUnset {
		return zeroValue(opt.Type), nil
	}
	return opt.Value, nil
}

// SetFromSource applies a value if source outranks (or ties) the current
// one; a lower-priority write is a silent no-op.
func (s *Store) SetFromSource(name, scopeName, raw string, source Source) error {
	if s.frozen {
		return ErrFrozen
	}
	opt, ok := s.lookup(name, scopeName)
	if !ok {
		return &UnknownOptionError{
			Name:       name,
			Scope:      scopeName,
			Suggestion: s.suggest(name, scopeName),
		}
	}
	if source < opt.Source {
		return nil
	}
	v, err := ParseValue(opt.Type, opt.Choices, raw)
	if err != nil {
		return fmt.Errorf("option %q: %w", name, err)
	}
	opt.Value = v
	opt.Source = source
	return nil
}

// Freeze disables all further mutation. Called when the session reaches
// the Configured state.
func (s *Store) Freeze() { s.frozen = true }

// Frozen reports whether mutation is disabled.
func (s *Store) Frozen() bool { return s.frozen }

// suggest returns the declared option name closest to the requested one,
// or "" when nothing is close enough to be a plausible typo.
func (s *Store) suggest(name, scopeName string) string {
	const maxDistance = 3
	best := ""
	bestDist := maxDistance + 1
	consider := func(sc *scope) {
		for _, candidate := range sc.order {
			d := levenshtein.Distance(name, candidate, nil)
			if d < bestDist {
				best, bestDist = candidate, d
			}
		}
	}
	if sc, ok := s.scopes[scopeName]; ok {
		consider(sc)
	}
	if scopeName != "" {
		consider(s.scopes[""])
	}
	return best
}

// SnapshotEntry records one option's effective value for persistence.
type SnapshotEntry struct {
	Scope  string `json:"scope,omitempty"`
	Name   string `json:"name"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Snapshot returns every set option in deterministic order, for the
// reconfiguration engine's staleness diff.
func (s *Store) Snapshot() []SnapshotEntry {
	scopeNames := make([]string, 0, len(s.scopes))
	for name := range s.scopes {
		scopeNames = append(scopeNames, name)
	}
	sort.Strings(scopeNames)

	var entries []SnapshotEntry
	for _, scopeName := range scopeNames {
		sc := s.scopes[scopeName]
		for _, optName := range sc.order {
			opt := sc.options[optName]
			if opt.Source == SourceUnset {
				continue
			}
			entries = append(entries, SnapshotEntry{
				Scope:  scopeName,
				Name:   optName,
				Value:  opt.Value.EncodeString(),
				Source: opt.Source.String(),
			})
		}
	}
	return entries
}
