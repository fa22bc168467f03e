package graph

import (
	"context"
	"path"

	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/decl"
)

// InstallEntry is one row of the install manifest: a source (either a
// target output or a plain file) and its destination.
type InstallEntry struct {
	// Target is the producing target, or -1 for plain data files.
	Target  NodeID
	Source  string
	DestDir string
	// DestName is the filename at the destination.
	DestName string
	Tag      string
}

// DestPath returns the full destination path of the entry.
func (e InstallEntry) DestPath() string {
	return path.Join(e.DestDir, e.DestName)
}

// InstallDir resolves a destination directory against the configured
// installation prefix. Absolute destinations bypass the prefix.
func InstallDir(prefix, dir string) string {
	if path.IsAbs(dir) {
		return dir
	}
	return path.Join(prefix, dir)
}

// InstallManifest accumulates install rules in declaration order. Two
// rules naming the same destination do not overwrite each other: the
// first writer wins and the later one is flagged, not fatal.
type InstallManifest struct {
	entries []InstallEntry
	byDest  map[string]int

	// Conflicts records the losing entries, for warning output.
	Conflicts []InstallEntry
}

func newInstallManifest() *InstallManifest {
	return &InstallManifest{byDest: make(map[string]int)}
}

// Entries returns the winning rules in declaration order.
func (m *InstallManifest) Entries() []InstallEntry { return m.entries }

// Add appends an install rule. A destination clash keeps the first
// writer's mapping and logs a warning for the new entry.
func (m *InstallManifest) Add(ctx context.Context, e InstallEntry) {
	dest := e.DestPath()
	if prev, clash := m.byDest[dest]; clash {
		ctxlog.FromContext(ctx).Warn("Duplicate install destination; first writer wins.",
			"destination", dest,
			"kept_source", m.entries[prev].Source,
			"dropped_source", e.Source)
		m.Conflicts = append(m.Conflicts, e)
		return
	}
	m.byDest[dest] = len(m.entries)
	m.entries = append(m.entries, e)
}

// AddFiles records plain data file installs from a declaration.
func (m *InstallManifest) AddFiles(ctx context.Context, d decl.InstallFiles) {
	for _, f := range d.Files {
		m.Add(ctx, InstallEntry{
			Target:   -1,
			Source:   f,
			DestDir:  d.Dir,
			DestName: path.Base(f),
			Tag:      d.Tag,
		})
	}
}
