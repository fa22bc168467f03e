// Package ninja turns the resolved target graph into concrete build
// edges and renders them as a ninja file for the downstream executor.
package ninja

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RuleKind tags what an edge does; the executor branches on it for
// bookkeeping, the writer for rule selection.
type RuleKind int

const (
	RuleCompile RuleKind = iota
	RuleLink
	RuleCustom
	RulePhony
	RuleInstall
)

func (k RuleKind) String() string {
	switch k {
	case RuleCompile:
		return "compile"
	case RuleLink:
		return "link"
	case RuleCustom:
		return "custom"
	case RulePhony:
		return "phony"
	case RuleInstall:
		return "install"
	default:
		return "unknown"
	}
}

// Edge is one concrete build step. Inputs and outputs are build-dir
// relative paths; Command is the argv to run. Every file-producing edge
// is the unique producer of its outputs and the full edge set forms a
// DAG over files.
type Edge struct {
	ID          string
	Kind        RuleKind
	Inputs      []string
	Outputs     []string
	Command     []string
	OrderOnly   []string
	Description string
}

// edgeID derives the stable identifier the executor uses for its own
// incremental bookkeeping. It depends only on the edge's kind and
// outputs, so an unchanged target keeps its ID across reconfigurations.
func edgeID(kind RuleKind, outputs []string) string {
	h := sha256.New()
	h.Write([]byte(kind.String()))
	for _, out := range outputs {
		h.Write([]byte{0})
		h.Write([]byte(out))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func newEdge(kind RuleKind, outputs, inputs, command []string) Edge {
	return Edge{
		ID:      edgeID(kind, outputs),
		Kind:    kind,
		Inputs:  inputs,
		Outputs: outputs,
		Command: command,
	}
}

// producerIndex maps every output file to the edge that produces it,
// guarding the one-producer invariant.
type producerIndex map[string]string

func (p producerIndex) add(e Edge) (conflict string, ok bool) {
	for _, out := range e.Outputs {
		if prev, exists := p[out]; exists && prev != e.ID {
			return out, false
		}
		p[out] = e.ID
	}
	return "", true
}

// joinPath joins build-dir relative path segments, skipping empties.
func joinPath(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
