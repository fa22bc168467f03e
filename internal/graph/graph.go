// Package graph builds the target graph: every declared library,
// executable, custom target and generator becomes a node in an arena,
// with link and generated-source edges between node IDs. The graph is
// kept acyclic as edges are inserted, not validated after the fact.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/decl"
	"github.com/mortarbuild/mortar/internal/deps"
)

type targetKey struct {
	subdir string
	name   string
	kind   decl.TargetKind
}

// Graph is the arena of target nodes plus the install manifest. It is
// mutated only while the session is configuring and is not safe for
// concurrent use.
type Graph struct {
	nodes []*Target
	byKey map[targetKey]NodeID
	// byRef indexes nodes by (subdir, name) for reference resolution;
	// several kinds may share a name.
	byRef map[decl.TargetRef][]NodeID

	manifest *InstallManifest
	frozen   bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		byKey:    make(map[targetKey]NodeID),
		byRef:    make(map[decl.TargetRef][]NodeID),
		manifest: newInstallManifest(),
	}
}

// Targets returns all nodes in declaration order.
func (g *Graph) Targets() []*Target { return g.nodes }

// Get returns the node for an ID.
func (g *Graph) Get(id NodeID) *Target {
	if id < 0 || int(id) >= len(g.nodes) {
		panic(&InvariantError{Msg: fmt.Sprintf("node ID %d out of range", id)})
	}
	return g.nodes[id]
}

// Lookup resolves a (subdir, name) reference. When several kinds share
// the name the first declared wins, matching reference semantics of the
// declaration stream.
func (g *Graph) Lookup(ref decl.TargetRef) (*Target, bool) {
	ids, ok := g.byRef[ref]
	if !ok || len(ids) == 0 {
		return nil, false
	}
	return g.nodes[ids[0]], true
}

// Manifest returns the accumulated install manifest.
func (g *Graph) Manifest() *InstallManifest { return g.manifest }

// Freeze disables all further mutation.
func (g *Graph) Freeze() { g.frozen = true }

// AddTarget validates and inserts one declared target. Resolved carries
// the dependency objects for the declaration's dependency names, in
// declaration order.
func (g *Graph) AddTarget(ctx context.Context, d decl.Target, resolved []deps.Dependency) (*Target, error) {
	if g.frozen {
		return nil, ErrFrozen
	}
	key := targetKey{subdir: d.Subdir, name: d.Name, kind: d.Kind}
	if _, exists := g.byKey[key]; exists {
		return nil, &DuplicateTargetError{Name: d.Name, Subdir: d.Subdir, Kind: d.Kind, Pos: d.Pos}
	}

	t := &Target{
		ID:               NodeID(len(g.nodes)),
		Kind:             d.Kind,
		Name:             d.Name,
		Subdir:           d.Subdir,
		Machine:          d.Machine,
		Sources:          d.Sources,
		Dependencies:     resolved,
		LangArgs:         d.LangArgs,
		LinkArgs:         d.LinkArgs,
		IncludeDirs:      d.IncludeDirs,
		Install:          d.Install,
		SharedVersion:    d.SharedVersion,
		Soname:           d.Soname,
		StaticArgs:       d.StaticArgs,
		SharedArgs:       d.SharedArgs,
		Command:          d.Command,
		Outputs:          d.Outputs,
		GenArgs:          d.GenArgs,
		GenOutputPattern: d.GenOutputPattern,
		PreservePathFrom: d.PreservePathFrom,
		Pos:              d.Pos,
	}
	t.NameOverride.Prefix = d.NamePrefix
	t.NameOverride.Suffix = d.NameSuffix

	// Insert the node before wiring edges so self-references and cycle
	// reports can name it.
	g.nodes = append(g.nodes, t)
	g.byKey[key] = t.ID
	ref := t.Ref()
	g.byRef[ref] = append(g.byRef[ref], t.ID)

	if err := g.wireEdges(ctx, t, d); err != nil {
		// Roll the insertion back; a failed declaration leaves no node.
		g.nodes = g.nodes[:len(g.nodes)-1]
		delete(g.byKey, key)
		if ids := g.byRef[ref]; len(ids) == 1 {
			delete(g.byRef, ref)
		} else {
			g.byRef[ref] = ids[:len(ids)-1]
		}
		return nil, err
	}

	ctxlog.FromContext(ctx).Debug("Target added.",
		"target", t.String(), "kind", t.Kind.String(), "machine", t.Machine.String())
	return t, nil
}

func (g *Graph) wireEdges(ctx context.Context, t *Target, d decl.Target) error {
	for _, ref := range d.GeneratedSources {
		dep, ok := g.Lookup(ref)
		if !ok {
			return &UnknownTargetError{Ref: ref, Pos: d.Pos}
		}
		if err := g.checkEdge(t.ID, dep.ID); err != nil {
			return err
		}
		t.GeneratedSources = append(t.GeneratedSources, dep.ID)
	}

	addLink := func(ref decl.TargetRef, whole bool) error {
		dep, ok := g.Lookup(ref)
		if !ok {
			return &UnknownTargetError{Ref: ref, Pos: d.Pos}
		}
		if !dep.IsLinkable() {
			return fmt.Errorf("%s: target %q is not linkable", d.Pos, ref)
		}
		if dep.Machine != t.Machine {
			return fmt.Errorf("%s: cannot link %s-machine target %q into %s-machine target %q",
				d.Pos, dep.Machine, ref, t.Machine, t.Name)
		}
		if err := g.checkEdge(t.ID, dep.ID); err != nil {
			return err
		}
		if !whole && g.mustPromoteToLinkWhole(t, dep) {
			ctxlog.FromContext(ctx).Debug("Promoting link_with to link_whole.",
				"consumer", t.String(), "library", dep.String())
			whole = true
		}
		if whole {
			t.LinkWhole = append(t.LinkWhole, dep.ID)
		} else {
			t.LinkWith = append(t.LinkWith, dep.ID)
		}
		return nil
	}
	for _, ref := range d.LinkWith {
		if err := addLink(ref, false); err != nil {
			return err
		}
	}
	for _, ref := range d.LinkWhole {
		if err := addLink(ref, true); err != nil {
			return err
		}
	}

	// Internal dependencies contribute link edges like link_with does.
	for _, dep := range t.Dependencies {
		internal, ok := dep.(*deps.InternalDependency)
		if !ok {
			continue
		}
		if ref := internal.LinkTarget(); ref != nil {
			if err := addLink(*ref, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// mustPromoteToLinkWhole implements the missing-symbol rule: linking an
// uninstalled static library into an installed consumer must pull the
// whole archive, or the installed artifact silently drops symbols that
// nothing in the consumer references directly. Both-libraries count
// too: their static variant is what an installed consumer absorbs.
func (g *Graph) mustPromoteToLinkWhole(consumer, lib *Target) bool {
	return consumer.Install.Install &&
		(lib.Kind == decl.StaticLibrary || lib.Kind == decl.BothLibrary) &&
		!lib.Install.Install
}

// AddOrderDependency attaches an order-only edge between two existing
// targets, e.g. a custom target declared to run after another. This is
// the one way an edge can point at a later-declared target, so it is
// where cycles can actually form.
func (g *Graph) AddOrderDependency(from, to decl.TargetRef) error {
	if g.frozen {
		return ErrFrozen
	}
	src, ok := g.Lookup(from)
	if !ok {
		return &UnknownTargetError{Ref: from}
	}
	dst, ok := g.Lookup(to)
	if !ok {
		return &UnknownTargetError{Ref: to}
	}
	if err := g.checkEdge(src.ID, dst.ID); err != nil {
		return err
	}
	src.OrderDeps = append(src.OrderDeps, dst.ID)
	return nil
}

// edgesOf returns the IDs a node depends on.
func (t *Target) edgesOf() []NodeID {
	edges := make([]NodeID, 0, len(t.LinkWith)+len(t.LinkWhole)+len(t.GeneratedSources)+len(t.OrderDeps))
	edges = append(edges, t.GeneratedSources...)
	edges = append(edges, t.LinkWith...)
	edges = append(edges, t.LinkWhole...)
	edges = append(edges, t.OrderDeps...)
	return edges
}

// checkEdge verifies that adding from -> to keeps the graph acyclic:
// the edge closes a cycle exactly when from is reachable from to.
func (g *Graph) checkEdge(from, to NodeID) error {
	if from == to {
		return &CyclicDependencyError{Cycle: []string{g.Get(from).String(), g.Get(to).String()}}
	}
	var path []NodeID
	visited := make(map[NodeID]bool)
	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		if id == from {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		path = append(path, id)
		for _, next := range g.Get(id).edgesOf() {
			if visit(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if visit(to) {
		cycle := []string{g.Get(from).String()}
		for _, id := range path {
			cycle = append(cycle, g.Get(id).String())
		}
		cycle = append(cycle, g.Get(from).String())
		return &CyclicDependencyError{Cycle: cycle}
	}
	return nil
}

// TopoSort returns all nodes dependency-first. Ties keep declaration
// order so emission is deterministic.
func (g *Graph) TopoSort() []*Target {
	state := make([]int, len(g.nodes)) // 0 unvisited, 1 in progress, 2 done
	var order []*Target
	var visit func(id NodeID)
	visit = func(id NodeID) {
		switch state[id] {
		case 2:
			return
		case 1:
			// Insertion-time checks make this unreachable.
			panic(&InvariantError{Msg: fmt.Sprintf("cycle through %s survived edge checks", g.Get(id))})
		}
		state[id] = 1
		node := g.Get(id)
		edges := append([]NodeID(nil), node.edgesOf()...)
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
		for _, dep := range edges {
			visit(dep)
		}
		state[id] = 2
		order = append(order, node)
	}
	for id := range g.nodes {
		visit(NodeID(id))
	}
	return order
}
