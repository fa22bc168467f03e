// Package app wires the configuration pipeline together: logging,
// toolchain detection, option and wrap files, the session, and the
// front end that replays the project's declarations into it.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/mortarbuild/mortar/internal/cli"
	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/deps"
	"github.com/mortarbuild/mortar/internal/hclconf"
	"github.com/mortarbuild/mortar/internal/machine"
	"github.com/mortarbuild/mortar/internal/session"
	"github.com/mortarbuild/mortar/internal/wrap"
)

// Frontend replays a project description into a session. The build
// language itself lives outside this module; embedders provide an
// implementation, and subprojects reuse it as the session's driver.
type Frontend interface {
	// Describe declares the project rooted at dir into the session.
	Describe(ctx context.Context, s *session.Session, dir string) error
}

// detectLanguages are the toolchains probed for a native build.
var detectLanguages = []string{"c", "cpp"}

// App is one configured invocation of the engine.
type App struct {
	cfg      *cli.Config
	logger   *slog.Logger
	loader   *hclconf.Loader
	frontend Frontend
}

// New builds an App with its own isolated logger.
func New(outW io.Writer, cfg *cli.Config, frontend Frontend) *App {
	return &App{
		cfg:      cfg,
		logger:   newLogger(cfg.LogLevel, cfg.LogFormat, outW),
		loader:   hclconf.NewLoader(),
		frontend: frontend,
	}
}

// Run executes one configuration pass: decide staleness, replay the
// project description, and write the build plan.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if a.cfg.EnvFile != "" {
		if err := godotenv.Load(a.cfg.EnvFile); err != nil {
			return &cli.ExitError{Code: cli.ExitUsage, Message: fmt.Sprintf("loading env file: %v", err)}
		}
		a.logger.Debug("Environment file loaded.", "path", a.cfg.EnvFile)
	}

	machines, err := a.buildMachines(ctx)
	if err != nil {
		return err
	}

	wraps := wrap.NewRegistry(filepath.Join(a.cfg.SourceDir, "subprojects"))
	if err := wraps.LoadDir(ctx, a.loader); err != nil {
		return err
	}

	s := session.New(session.Config{
		Machines:    machines,
		SourceDir:   a.cfg.SourceDir,
		BuildDir:    a.cfg.BuildDir,
		Providers:   deps.DefaultProviders(),
		Wraps:       wraps,
		Driver:      a.subprojectDriver(),
		UserOptions: a.cfg.Options,
	})

	changes, hasPrior, err := s.CheckStale(ctx)
	if err != nil {
		return err
	}
	if hasPrior && changes.Empty() {
		if !a.cfg.Reconfigure {
			a.logger.Info("Build directory is up to date, nothing to do.")
			return nil
		}
		if err := s.MarkStale(); err != nil {
			return err
		}
	}
	if hasPrior {
		a.logger.Info("Configuration is stale.",
			"options", changes.Options, "dependencies", changes.Dependencies, "files", changes.Files)
	}

	if err := a.configure(ctx, s); err != nil {
		if failErr := s.Fail(); failErr != nil {
			a.logger.Debug("Lifecycle already settled.", "error", failErr)
		}
		return err
	}
	return nil
}

func (a *App) configure(ctx context.Context, s *session.Session) error {
	if err := s.Begin(ctx); err != nil {
		return err
	}

	if err := a.declareOptionFile(ctx, s, a.cfg.SourceDir); err != nil {
		return err
	}

	if a.frontend == nil {
		return &cli.ExitError{
			Code:    cli.ExitDeclaration,
			Message: "no project front end is linked into this build of mortar",
		}
	}
	if err := a.frontend.Describe(ctx, s, a.cfg.SourceDir); err != nil {
		return err
	}

	_, err := s.Generate(ctx)
	return err
}

// declareOptionFile loads the per-project option declarations, if any.
func (a *App) declareOptionFile(ctx context.Context, s *session.Session, dir string) error {
	path := filepath.Join(dir, "mortar_options.hcl")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	s.TrackFile(path)
	opts, err := a.loader.LoadOptionsFile(ctx, path, "")
	if err != nil {
		return err
	}
	for _, o := range opts {
		if err := s.DeclareOption(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// subprojectDriver replays a subproject through the same front end,
// including the subproject's own option file.
func (a *App) subprojectDriver() session.SubprojectDriver {
	if a.frontend == nil {
		return nil
	}
	return func(ctx context.Context, s *session.Session, name, dir string) error {
		if err := a.declareOptionFile(ctx, s, dir); err != nil {
			return err
		}
		return a.frontend.Describe(ctx, s, dir)
	}
}

// buildMachines resolves the build/host pair: native detection for the
// build machine, the machine file (when given) for the host.
func (a *App) buildMachines(ctx context.Context) (machine.Machines, error) {
	native, err := machine.DetectNative(detectLanguages)
	if err != nil {
		return machine.Machines{}, err
	}

	if a.cfg.MachineFile == "" {
		return machine.Native(native), nil
	}

	host, err := a.loader.LoadMachineFile(ctx, a.cfg.MachineFile)
	if err != nil {
		return machine.Machines{}, err
	}
	a.logger.Info("Cross machine file loaded.", "path", a.cfg.MachineFile, "system", host.System)
	return machine.Machines{Build: native, Host: host}, nil
}
