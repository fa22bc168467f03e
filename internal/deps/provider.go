package deps

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/mortarbuild/mortar/internal/ctxlog"
)

// Provider probes one lookup mechanism for a dependency. Probes are
// synchronous, bounded in time, and idempotent; a failed probe surfaces
// as not-found, never as a hang.
type Provider interface {
	// Probe attempts the lookup. ok is false when this provider cannot
	// satisfy the request; err is reserved for infrastructure failures
	// worth aborting on (none of the shipped providers use it for a
	// plain miss).
	Probe(ctx context.Context, name string, modules []string) (dep Dependency, ok bool, err error)
	Method() string
}

const probeTimeout = 30 * time.Second

// runTool runs a probe subprocess with a bounded timeout and returns its
// trimmed stdout. Non-zero exit or timeout reports ok=false.
func runTool(ctx context.Context, argv ...string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		ctxlog.FromContext(ctx).Debug("Probe command failed.", "argv", argv, "error", err)
		return "", false
	}
	return strings.TrimSpace(out.String()), true
}

// PkgConfigProvider resolves dependencies through pkg-config.
type PkgConfigProvider struct {
	// Command is the pkg-config executable, overridable by machine files.
	Command string
}

// NewPkgConfigProvider returns a provider using the default executable.
func NewPkgConfigProvider() *PkgConfigProvider {
	return &PkgConfigProvider{Command: "pkg-config"}
}

func (p *PkgConfigProvider) Method() string { return "pkg-config" }

func (p *PkgConfigProvider) Probe(ctx context.Context, name string, modules []string) (Dependency, bool, error) {
	// pkg-config has no module concept; module requests fall through to
	// other providers.
	if len(modules) > 0 {
		return nil, false, nil
	}
	version, ok := runTool(ctx, p.Command, "--modversion", name)
	if !ok {
		return nil, false, nil
	}
	cflags, ok := runTool(ctx, p.Command, "--cflags", name)
	if !ok {
		return nil, false, fmt.Errorf("pkg-config found %q but could not produce cflags", name)
	}
	libs, ok := runTool(ctx, p.Command, "--libs", name)
	if !ok {
		return nil, false, fmt.Errorf("pkg-config found %q but could not produce libs", name)
	}
	dep := &ExternalDependency{
		DepName:    name,
		DepVersion: version,
		Cflags:     splitFlags(cflags),
		Libs:       splitFlags(libs),
		Method:     p.Method(),
	}
	return dep, true, nil
}

// ConfigToolProvider resolves dependencies through a <name>-config tool,
// e.g. sdl2-config.
type ConfigToolProvider struct{}

func (p *ConfigToolProvider) Method() string { return "config-tool" }

func (p *ConfigToolProvider) Probe(ctx context.Context, name string, modules []string) (Dependency, bool, error) {
	if len(modules) > 0 {
		return nil, false, nil
	}
	tool := name + "-config"
	version, ok := runTool(ctx, tool, "--version")
	if !ok {
		return nil, false, nil
	}
	cflags, ok := runTool(ctx, tool, "--cflags")
	if !ok {
		return nil, false, nil
	}
	libs, ok := runTool(ctx, tool, "--libs")
	if !ok {
		return nil, false, nil
	}
	dep := &ExternalDependency{
		DepName:    name,
		DepVersion: version,
		Cflags:     splitFlags(cflags),
		Libs:       splitFlags(libs),
		Method:     p.Method(),
	}
	return dep, true, nil
}

// splitFlags shell-splits a tool's flag output. Falls back to whitespace
// fields when the output is not valid shell quoting.
func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	flags, err := shellquote.Split(s)
	if err != nil {
		return strings.Fields(s)
	}
	return flags
}

// StaticProvider serves canned results, used by tests and by the session
// to expose built-in dependencies such as threads.
type StaticProvider struct {
	Name    string
	Results map[string]Dependency
}

func (p *StaticProvider) Method() string {
	if p.Name == "" {
		return "static"
	}
	return p.Name
}

func (p *StaticProvider) Probe(ctx context.Context, name string, modules []string) (Dependency, bool, error) {
	dep, ok := p.Results[name]
	if !ok {
		return nil, false, nil
	}
	return dep, true, nil
}

// DefaultProviders is the standard system-probe chain: pkg-config
// first, then per-dependency config tools.
func DefaultProviders() []Provider {
	return []Provider{NewPkgConfigProvider(), &ConfigToolProvider{}}
}
