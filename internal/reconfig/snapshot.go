package reconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mortarbuild/mortar/internal/deps"
	"github.com/mortarbuild/mortar/internal/fsutil"
	"github.com/mortarbuild/mortar/internal/options"
)

// snapshotVersion bumps when the snapshot layout changes; a mismatch
// forces a full reconfiguration instead of a bogus diff.
const snapshotVersion = 2

// Snapshot is the persisted record of one successful configuration:
// effective option values, the dependency cache, and a content hash of
// every declaration file consulted. The staleness diff compares two of
// these without re-running the front-end.
type Snapshot struct {
	Version      int                     `json:"version"`
	State        string                  `json:"state"`
	Options      []options.SnapshotEntry `json:"options"`
	Dependencies []deps.SnapshotEntry    `json:"dependencies"`
	// Files maps declaration-file paths to content hashes.
	Files map[string]string `json:"files"`
}

// Capture records the current configuration state. The file list is
// hashed through the shared hasher so repeated captures stay cheap.
func Capture(store *options.Store, resolver *deps.Resolver, hasher *fsutil.Hasher, files []string) (*Snapshot, error) {
	snap := &Snapshot{
		Version:      snapshotVersion,
		State:        Configured.String(),
		Options:      store.Snapshot(),
		Dependencies: resolver.Snapshot(),
		Files:        make(map[string]string, len(files)),
	}
	for _, f := range files {
		sum, err := hasher.HashFile(f)
		if err != nil {
			return nil, fmt.Errorf("hashing declaration file: %w", err)
		}
		snap.Files[f] = sum
	}
	return snap, nil
}

// Save writes the snapshot with an atomic replace, so a crash mid-write
// never corrupts the prior record.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// Load reads a prior snapshot. A missing file or a layout mismatch
// returns (nil, nil): both simply mean "configure from scratch".
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, nil
	}
	return &snap, nil
}

// ChangeSet names the inputs that differ between two snapshots.
type ChangeSet struct {
	Options      []string
	Dependencies []string
	Files        []string
}

// Empty reports whether a reconfiguration can be skipped entirely.
func (c ChangeSet) Empty() bool {
	return len(c.Options) == 0 && len(c.Dependencies) == 0 && len(c.Files) == 0
}

// Diff compares a prior snapshot against the current one. It is a pure
// function of its inputs; no filesystem or clock is consulted, which
// keeps the staleness decision testable on its own.
func Diff(prior, current *Snapshot) ChangeSet {
	var cs ChangeSet

	priorOpts := make(map[string]string, len(prior.Options))
	for _, o := range prior.Options {
		priorOpts[o.Scope+"\x00"+o.Name] = o.Value
	}
	seen := make(map[string]bool, len(current.Options))
	for _, o := range current.Options {
		key := o.Scope + "\x00" + o.Name
		seen[key] = true
		if priorOpts[key] != o.Value {
			cs.Options = append(cs.Options, qualifiedName(o.Scope, o.Name))
		}
	}
	for _, o := range prior.Options {
		if !seen[o.Scope+"\x00"+o.Name] {
			cs.Options = append(cs.Options, qualifiedName(o.Scope, o.Name))
		}
	}

	priorDeps := make(map[string]deps.SnapshotEntry, len(prior.Dependencies))
	for _, d := range prior.Dependencies {
		priorDeps[depKey(d)] = d
	}
	for _, d := range current.Dependencies {
		p, ok := priorDeps[depKey(d)]
		if !ok || p.Found != d.Found || p.Version != d.Version {
			cs.Dependencies = append(cs.Dependencies, d.Name)
		}
	}

	for path, sum := range current.Files {
		if prior.Files[path] != sum {
			cs.Files = append(cs.Files, path)
		}
	}
	for path := range prior.Files {
		if _, ok := current.Files[path]; !ok {
			cs.Files = append(cs.Files, path)
		}
	}

	sort.Strings(cs.Options)
	sort.Strings(cs.Dependencies)
	sort.Strings(cs.Files)
	return cs
}

func qualifiedName(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + ":" + name
}

func depKey(d deps.SnapshotEntry) string {
	key := d.Name + "\x00" + d.Machine
	for _, m := range d.Modules {
		key += "\x00" + m
	}
	return key
}
