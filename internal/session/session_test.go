package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortarbuild/mortar/internal/decl"
	"github.com/mortarbuild/mortar/internal/deps"
	"github.com/mortarbuild/mortar/internal/graph"
	"github.com/mortarbuild/mortar/internal/machine"
	"github.com/mortarbuild/mortar/internal/ninja"
	"github.com/mortarbuild/mortar/internal/options"
	"github.com/mortarbuild/mortar/internal/reconfig"
)

func testMachines() machine.Machines {
	m := &machine.Machine{
		Role:   decl.HostMachine,
		System: "linux",
		Toolchain: machine.Toolchain{
			Compilers: map[string]machine.Compiler{
				"c": {Language: "c", Command: []string{"cc"}},
			},
			Archiver:         []string{"ar"},
			ExtraCompileArgs: map[string][]string{},
		},
	}
	return machine.Machines{Build: m, Host: m}
}

func newSession(t *testing.T, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Machines:  testMachines(),
		SourceDir: t.TempDir(),
		BuildDir:  t.TempDir(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s := New(cfg)
	require.NoError(t, s.Begin(context.Background()))
	require.NoError(t, s.DeclareProject(context.Background(), decl.Project{Name: "demo", Version: "1.0"}))
	return s
}

func edgesOfKind(edges []ninja.Edge, kind ninja.RuleKind) []ninja.Edge {
	var out []ninja.Edge
	for _, e := range edges {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestLibraryAndExecutableEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)

	_, err := s.DeclareTarget(ctx, decl.Target{
		Kind: decl.SharedLibrary, Name: "mylib", Sources: []string{"a.c"},
	})
	require.NoError(t, err)
	_, err = s.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
		LinkWith: []decl.TargetRef{{Name: "mylib"}},
	})
	require.NoError(t, err)

	edges, err := s.Generate(ctx)
	require.NoError(t, err)

	assert.Len(t, edgesOfKind(edges, ninja.RuleCompile), 2)
	links := edgesOfKind(edges, ninja.RuleLink)
	require.Len(t, links, 2)

	var app ninja.Edge
	for _, e := range links {
		if e.Outputs[0] == "app" {
			app = e
		}
	}
	assert.Contains(t, app.Inputs, "libmylib.so")

	// The plan landed on disk.
	data, err := os.ReadFile(filepath.Join(s.cfg.BuildDir, "build.ninja"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "build app: link")
}

func TestOptionalDependencyNotFound(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)

	dep, err := s.DeclareDependency(ctx, decl.DependencyRequest{Name: "foo", Required: false})
	require.NoError(t, err)
	assert.False(t, dep.Found())

	_, err = s.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
		Dependencies: []string{"foo"},
	})
	require.NoError(t, err)

	edges, err := s.Generate(ctx)
	require.NoError(t, err)
	for _, e := range edges {
		assert.NotContains(t, e.Command, "foo")
	}
}

func TestInconsistentConstraintAcrossCalls(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, func(cfg *Config) {
		cfg.Providers = []deps.Provider{&deps.StaticProvider{Results: map[string]deps.Dependency{
			"foo": &deps.ExternalDependency{DepName: "foo", DepVersion: "1.5"},
		}}}
	})

	first, err := s.DeclareDependency(ctx, decl.DependencyRequest{Name: "foo", Constraint: ">=1.0", Required: true})
	require.NoError(t, err)
	assert.Equal(t, "1.5", first.Version())

	_, err = s.DeclareDependency(ctx, decl.DependencyRequest{Name: "foo", Constraint: ">=2.0", Required: true})
	var inconsistent *deps.InconsistentError
	require.ErrorAs(t, err, &inconsistent)
}

func TestEnvironmentBeatsLaterProjectDefault(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, func(cfg *Config) {
		cfg.UserOptions = []PendingOption{
			{Name: "buildtype", Value: "release", Source: options.SourceEnvironment},
		}
		cfg.Driver = func(ctx context.Context, s *Session, name, dir string) error {
			return s.DeclareProject(ctx, decl.Project{
				Name:           name,
				DefaultOptions: map[string]string{"buildtype": "plain"},
			})
		}
	})

	v, err := s.Options().Resolve("buildtype", "")
	require.NoError(t, err)
	assert.Equal(t, "release", v.EncodeString())

	// A subproject proposing its own default must not downgrade it.
	require.NoError(t, s.DeclareSubproject(ctx, decl.Subproject{Name: "sub", Required: true}))
	v, err = s.Options().Resolve("buildtype", "")
	require.NoError(t, err)
	assert.Equal(t, "release", v.EncodeString())
}

func TestFallbackSubprojectProvidesDependency(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, func(cfg *Config) {
		cfg.Driver = func(ctx context.Context, s *Session, name, dir string) error {
			_, err := s.DeclareTarget(ctx, decl.Target{
				Kind: decl.StaticLibrary, Name: "zlib",
				Subdir: "subprojects/zlib", Sources: []string{"inflate.c"},
			})
			if err != nil {
				return err
			}
			return s.ExportDependency("zlib", &deps.InternalDependency{
				DepName: "zlib", DepVersion: "1.3",
				StaticTarget: &decl.TargetRef{Subdir: "subprojects/zlib", Name: "zlib"},
			})
		}
	})

	dep, err := s.DeclareDependency(ctx, decl.DependencyRequest{
		Name: "zlib", Required: true, Fallback: []string{"zlib"},
	})
	require.NoError(t, err)
	require.True(t, dep.Found())
	assert.Equal(t, "1.3", dep.Version())

	_, err = s.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
		Dependencies: []string{"zlib"},
	})
	require.NoError(t, err)

	edges, err := s.Generate(ctx)
	require.NoError(t, err)

	var app ninja.Edge
	for _, e := range edgesOfKind(edges, ninja.RuleLink) {
		if e.Outputs[0] == "app" {
			app = e
		}
	}
	assert.Contains(t, app.Inputs, "subprojects/zlib/libzlib.a")
}

func TestSubprojectFailureIsRemembered(t *testing.T) {
	ctx := context.Background()
	calls := 0
	s := newSession(t, func(cfg *Config) {
		cfg.Driver = func(ctx context.Context, s *Session, name, dir string) error {
			calls++
			return assert.AnError
		}
	})

	err := s.DeclareSubproject(ctx, decl.Subproject{Name: "broken", Required: true})
	require.Error(t, err)

	// The second attempt reuses the recorded outcome.
	err = s.DeclareSubproject(ctx, decl.Subproject{Name: "broken", Required: true})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	// An optional request for the same subproject does not abort.
	assert.NoError(t, s.DeclareSubproject(ctx, decl.Subproject{Name: "broken", Required: false}))
}

func TestFrozenAfterGenerate(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	_, err := s.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
	})
	require.NoError(t, err)

	_, err = s.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconfig.Configured, s.Lifecycle().State())

	_, err = s.DeclareTarget(ctx, decl.Target{Kind: decl.Executable, Name: "late"})
	assert.Error(t, err)
	_, err = s.DeclareDependency(ctx, decl.DependencyRequest{Name: "foo"})
	assert.Error(t, err)
}

func TestCheckStale(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	buildDir := t.TempDir()
	declFile := filepath.Join(srcDir, "mortar.hcl")
	require.NoError(t, os.WriteFile(declFile, []byte("project {}\n"), 0o644))

	configure := func() *Session {
		s := New(Config{Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir})
		require.NoError(t, s.Begin(ctx))
		require.NoError(t, s.DeclareProject(ctx, decl.Project{Name: "demo"}))
		s.TrackFile(declFile)
		_, err := s.DeclareTarget(ctx, decl.Target{
			Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
		})
		require.NoError(t, err)
		_, err = s.Generate(ctx)
		require.NoError(t, err)
		return s
	}
	configure()

	fresh := New(Config{Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir})
	cs, hasPrior, err := fresh.CheckStale(ctx)
	require.NoError(t, err)
	require.True(t, hasPrior)
	assert.True(t, cs.Empty())

	// Touching the declaration file content marks it stale.
	require.NoError(t, os.WriteFile(declFile, []byte("project { changed = true }\n"), 0o644))
	cs, hasPrior, err = fresh.CheckStale(ctx)
	require.NoError(t, err)
	require.True(t, hasPrior)
	assert.Equal(t, []string{declFile}, cs.Files)
}

func TestGenerateIsDeterministic(t *testing.T) {
	ctx := context.Background()
	build := func() []ninja.Edge {
		s := newSession(t)
		_, err := s.DeclareTarget(ctx, decl.Target{
			Kind: decl.SharedLibrary, Name: "mylib", Sources: []string{"a.c"},
		})
		require.NoError(t, err)
		_, err = s.DeclareTarget(ctx, decl.Target{
			Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
			LinkWith: []decl.TargetRef{{Name: "mylib"}},
		})
		require.NoError(t, err)
		edges, err := s.Generate(ctx)
		require.NoError(t, err)
		return edges
	}
	assert.Equal(t, build(), build())
}

func TestCheckStaleOptionChange(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	buildDir := t.TempDir()

	first := New(Config{Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir})
	require.NoError(t, first.Begin(ctx))
	require.NoError(t, first.DeclareProject(ctx, decl.Project{Name: "demo"}))
	_, err := first.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
	})
	require.NoError(t, err)
	_, err = first.Generate(ctx)
	require.NoError(t, err)

	t.Run("new command line value marks stale", func(t *testing.T) {
		s := New(Config{
			Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir,
			UserOptions: []PendingOption{
				{Name: "buildtype", Value: "release", Source: options.SourceCommandLine},
			},
		})
		cs, hasPrior, err := s.CheckStale(ctx)
		require.NoError(t, err)
		require.True(t, hasPrior)
		assert.Equal(t, []string{"buildtype"}, cs.Options)
		assert.Equal(t, reconfig.Stale, s.Lifecycle().State())
		// A stale session can configure without further ceremony.
		assert.NoError(t, s.Begin(ctx))
	})

	t.Run("repeating the recorded value stays clean", func(t *testing.T) {
		s := New(Config{
			Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir,
			UserOptions: []PendingOption{
				{Name: "buildtype", Value: "debug", Source: options.SourceCommandLine},
			},
		})
		cs, hasPrior, err := s.CheckStale(ctx)
		require.NoError(t, err)
		require.True(t, hasPrior)
		assert.True(t, cs.Empty())
		assert.Equal(t, reconfig.Configured, s.Lifecycle().State())
	})
}

func TestCheckStaleDependencyChange(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	buildDir := t.TempDir()

	withZlib := func(version string) []deps.Provider {
		return []deps.Provider{&deps.StaticProvider{Results: map[string]deps.Dependency{
			"zlib": &deps.ExternalDependency{DepName: "zlib", DepVersion: version},
		}}}
	}

	first := New(Config{
		Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir,
		Providers: withZlib("1.2"),
	})
	require.NoError(t, first.Begin(ctx))
	require.NoError(t, first.DeclareProject(ctx, decl.Project{Name: "demo"}))
	_, err := first.DeclareDependency(ctx, decl.DependencyRequest{Name: "zlib"})
	require.NoError(t, err)
	_, err = first.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
		Dependencies: []string{"zlib"},
	})
	require.NoError(t, err)
	_, err = first.Generate(ctx)
	require.NoError(t, err)

	recheck := func(version string) reconfig.ChangeSet {
		s := New(Config{
			Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir,
			Providers: withZlib(version),
		})
		cs, hasPrior, err := s.CheckStale(ctx)
		require.NoError(t, err)
		require.True(t, hasPrior)
		return cs
	}

	assert.True(t, recheck("1.2").Empty())
	assert.Equal(t, []string{"zlib"}, recheck("1.3").Dependencies)

	// The system losing the package entirely is a change too.
	s := New(Config{Machines: testMachines(), SourceDir: srcDir, BuildDir: buildDir})
	cs, _, err := s.CheckStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"zlib"}, cs.Dependencies)
}

func TestUnityOptionEnablesGrouping(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, func(c *Config) {
		c.UserOptions = []PendingOption{
			{Name: "unity", Value: "on", Source: options.SourceCommandLine},
			{Name: "unity_size", Value: "2", Source: options.SourceCommandLine},
		}
	})
	_, err := s.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app",
		Sources: []string{"a.c", "b.c", "c.c", "d.c", "e.c"},
	})
	require.NoError(t, err)

	edges, err := s.Generate(ctx)
	require.NoError(t, err)
	assert.Len(t, edgesOfKind(edges, ninja.RuleCompile), 3)
}

func TestDefaultLibraryOption(t *testing.T) {
	ctx := context.Background()
	declare := func(s *Session) *graph.Target {
		target, err := s.DeclareTarget(ctx, decl.Target{
			Kind: decl.Library, Name: "mylib", Sources: []string{"a.c"},
		})
		require.NoError(t, err)
		return target
	}

	t.Run("defaults to shared", func(t *testing.T) {
		target := declare(newSession(t))
		assert.Equal(t, decl.SharedLibrary, target.Kind)
	})

	t.Run("static", func(t *testing.T) {
		s := newSession(t, func(c *Config) {
			c.UserOptions = []PendingOption{
				{Name: "default_library", Value: "static", Source: options.SourceCommandLine},
			}
		})
		target := declare(s)
		assert.Equal(t, decl.StaticLibrary, target.Kind)

		edges, err := s.Generate(ctx)
		require.NoError(t, err)
		require.Len(t, edgesOfKind(edges, ninja.RuleLink), 1)
		assert.Equal(t, []string{"libmylib.a"}, edgesOfKind(edges, ninja.RuleLink)[0].Outputs)
	})

	t.Run("both", func(t *testing.T) {
		s := newSession(t, func(c *Config) {
			c.UserOptions = []PendingOption{
				{Name: "default_library", Value: "both", Source: options.SourceCommandLine},
			}
		})
		target := declare(s)
		assert.Equal(t, decl.BothLibrary, target.Kind)
	})
}

func TestInstallPrefix(t *testing.T) {
	ctx := context.Background()

	t.Run("default prefix", func(t *testing.T) {
		s := newSession(t)
		_, err := s.DeclareTarget(ctx, decl.Target{
			Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
			Install: decl.Install{Install: true},
		})
		require.NoError(t, err)
		entries := s.Graph().Manifest().Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "/usr/local/bin/app", entries[0].DestPath())
	})

	t.Run("user prefix covers data files too", func(t *testing.T) {
		s := newSession(t, func(c *Config) {
			c.UserOptions = []PendingOption{
				{Name: "prefix", Value: "/opt/demo", Source: options.SourceCommandLine},
			}
		})
		_, err := s.DeclareTarget(ctx, decl.Target{
			Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
			Install: decl.Install{Install: true},
		})
		require.NoError(t, err)
		require.NoError(t, s.DeclareInstallFiles(ctx, decl.InstallFiles{
			Files: []string{"conf/demo.conf"}, Dir: "etc",
		}))

		entries := s.Graph().Manifest().Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, "/opt/demo/bin/app", entries[0].DestPath())
		assert.Equal(t, "/opt/demo/etc/demo.conf", entries[1].DestPath())
	})
}

func TestWerrorOption(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, func(c *Config) {
		c.UserOptions = []PendingOption{
			{Name: "werror", Value: "true", Source: options.SourceCommandLine},
		}
	})
	_, err := s.DeclareTarget(ctx, decl.Target{
		Kind: decl.Executable, Name: "app", Sources: []string{"main.c"},
	})
	require.NoError(t, err)

	edges, err := s.Generate(ctx)
	require.NoError(t, err)
	for _, e := range edgesOfKind(edges, ninja.RuleCompile) {
		assert.Contains(t, e.Command, "-Werror")
	}
}
