package ninja

import (
	"fmt"
	"io"
	"strings"

	"github.com/kballard/go-shellquote"
)

const lineWidth = 80

// Writer renders edges into ninja syntax. Paths are escaped per the
// ninja manual ('$', ' ' and ':' in paths), long lines wrap with a
// trailing " $".
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFile renders a complete build.ninja: header comment, the shared
// rule set, then one build statement per edge in emission order.
func (n *Writer) WriteFile(edges []Edge) error {
	if err := n.comment("This file is generated by mortar. Do not edit by hand."); err != nil {
		return err
	}
	if err := n.newline(); err != nil {
		return err
	}
	if err := n.writeRules(); err != nil {
		return err
	}
	for _, e := range edges {
		if err := n.WriteBuild(e); err != nil {
			return err
		}
	}
	return nil
}

// The generic rules delegate the real argv through the per-edge cmd
// variable, keeping the rule set constant across projects.
func (n *Writer) writeRules() error {
	for _, kind := range []RuleKind{RuleCompile, RuleLink, RuleCustom, RuleInstall} {
		if err := n.Rule(kind.String(), "$cmd", "$desc"); err != nil {
			return err
		}
	}
	return nil
}

// Rule writes one rule definition.
func (n *Writer) Rule(name, command, description string) error {
	if err := n.writeStatement("rule " + name); err != nil {
		return err
	}
	if err := n.variable("command", command); err != nil {
		return err
	}
	if description != "" {
		if err := n.variable("description", description); err != nil {
			return err
		}
	}
	return n.newline()
}

// WriteBuild writes one build statement with its cmd and desc bindings.
func (n *Writer) WriteBuild(e Edge) error {
	rule := e.Kind.String()
	if e.Kind == RulePhony {
		rule = "phony"
	}

	var line strings.Builder
	line.WriteString("build")
	for _, out := range e.Outputs {
		line.WriteString(" ")
		line.WriteString(escapePath(out))
	}
	line.WriteString(": ")
	line.WriteString(rule)
	for _, in := range e.Inputs {
		line.WriteString(" ")
		line.WriteString(escapePath(in))
	}
	if len(e.OrderOnly) > 0 {
		line.WriteString(" ||")
		for _, dep := range e.OrderOnly {
			line.WriteString(" ")
			line.WriteString(escapePath(dep))
		}
	}
	if err := n.writeStatement(line.String()); err != nil {
		return err
	}

	if e.Kind != RulePhony {
		if err := n.variable("cmd", escapeValue(shellquote.Join(e.Command...))); err != nil {
			return err
		}
		if e.Description != "" {
			if err := n.variable("desc", escapeValue(e.Description)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Writer) comment(text string) error {
	// Comments wrap on word boundaries; there is no continuation
	// syntax inside a comment.
	for len(text) > 0 {
		line := text
		if len(line) > lineWidth-2 {
			space := strings.LastIndex(line[:lineWidth-2], " ")
			if space > 0 {
				line = line[:space]
			}
		}
		if _, err := fmt.Fprintf(n.w, "# %s\n", line); err != nil {
			return err
		}
		text = strings.TrimLeft(text[len(line):], " ")
	}
	return nil
}

func (n *Writer) variable(name, value string) error {
	return n.writeStatement("    " + name + " = " + value)
}

func (n *Writer) newline() error {
	_, err := io.WriteString(n.w, "\n")
	return err
}

// writeStatement emits one logical line, wrapping at token boundaries
// with ninja's " $" continuation once the line exceeds the width.
func (n *Writer) writeStatement(s string) error {
	indent := ""
	for len(indent) < len(s) && s[len(indent)] == ' ' {
		indent += " "
	}
	contIndent := indent + "    "

	for len(s) > lineWidth {
		// Find the last wrappable space before the limit; a space
		// preceded by '$' is escaped and must not wrap.
		wrapAt := -1
		for i := lineWidth - 2; i > len(indent); i-- {
			if s[i] == ' ' && s[i-1] != '$' {
				wrapAt = i
				break
			}
		}
		if wrapAt < 0 {
			break
		}
		if _, err := fmt.Fprintf(n.w, "%s $\n", s[:wrapAt]); err != nil {
			return err
		}
		s = contIndent + s[wrapAt+1:]
		indent = contIndent
	}
	_, err := fmt.Fprintln(n.w, s)
	return err
}

// escapePath escapes the characters ninja treats specially in path
// positions.
func escapePath(p string) string {
	p = strings.ReplaceAll(p, "$", "$$")
	p = strings.ReplaceAll(p, " ", "$ ")
	p = strings.ReplaceAll(p, ":", "$:")
	return p
}

// escapeValue escapes a variable value; only '$' is special there.
func escapeValue(v string) string {
	return strings.ReplaceAll(v, "$", "$$")
}
