package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/mortarbuild/mortar/internal/deps"
	"github.com/mortarbuild/mortar/internal/graph"
	"github.com/mortarbuild/mortar/internal/options"
	"github.com/mortarbuild/mortar/internal/session"
)

// Exit codes. External tooling branches on the failure class.
const (
	ExitSuccess     = 0
	ExitDeclaration = 1
	ExitDependency  = 2
	ExitCycle       = 3
	ExitInternal    = 4
	ExitUsage       = 5
)

// ExitError carries a specific process exit code with its message.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Classify maps a configuration error to its exit code.
func Classify(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}

	var invariant *graph.InvariantError
	if errors.As(err, &invariant) {
		return ExitInternal
	}
	var cyclic *graph.CyclicDependencyError
	if errors.As(err, &cyclic) {
		return ExitCycle
	}

	var notFound *deps.NotFoundError
	var inconsistent *deps.InconsistentError
	var overridden *deps.AlreadyOverriddenError
	if errors.As(err, &notFound) || errors.As(err, &inconsistent) || errors.As(err, &overridden) {
		return ExitDependency
	}

	// Everything else is an inconsistent project description.
	return ExitDeclaration
}

// Config is the parsed command line.
type Config struct {
	SourceDir string
	BuildDir  string

	// Options are -D assignments, possibly scoped "subproject:name=value".
	Options []session.PendingOption

	MachineFile string
	EnvFile     string
	Reconfigure bool

	LogLevel  string
	LogFormat string
}

// optionFlags collects repeated -D flags.
type optionFlags []session.PendingOption

func (o *optionFlags) String() string { return fmt.Sprintf("%d options", len(*o)) }

func (o *optionFlags) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("invalid option %q: want name=value", raw)
	}
	scope := ""
	if sub, rest, ok := strings.Cut(name, ":"); ok {
		scope, name = sub, rest
	}
	if name == "" {
		return fmt.Errorf("invalid option %q: empty name", raw)
	}
	*o = append(*o, session.PendingOption{
		Scope:  scope,
		Name:   name,
		Value:  value,
		Source: options.SourceCommandLine,
	})
	return nil
}

// Parse processes command-line arguments. The boolean result is true
// when the program should exit cleanly without configuring.
func Parse(args []string, output io.Writer) (*Config, bool, error) {
	flagSet := flag.NewFlagSet("mortar", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Mortar - a build configuration engine.

Usage:
  mortar [options] SOURCE_DIR BUILD_DIR

Options:
`)
		flagSet.PrintDefaults()
	}

	var opts optionFlags
	flagSet.Var(&opts, "D", "Set a project option, name=value or subproject:name=value. Repeatable.")
	machineFileFlag := flagSet.String("machine-file", "", "Path to a machine description file for cross builds.")
	envFileFlag := flagSet.String("env-file", "", "Path to a .env file loaded before toolchain detection.")
	reconfigureFlag := flagSet.Bool("reconfigure", false, "Reconfigure even when nothing appears stale.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Log level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}

	if flagSet.NArg() < 2 {
		flagSet.Usage()
		return nil, true, nil
	}
	if flagSet.NArg() > 2 {
		return nil, false, &ExitError{Code: ExitUsage, Message: "too many arguments: want SOURCE_DIR BUILD_DIR"}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: ExitUsage, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: ExitUsage, Message: "invalid log-level: must be 'debug', 'info', 'warn' or 'error'"}
	}

	return &Config{
		SourceDir:   flagSet.Arg(0),
		BuildDir:    flagSet.Arg(1),
		Options:     opts,
		MachineFile: *machineFileFlag,
		EnvFile:     *envFileFlag,
		Reconfigure: *reconfigureFlag,
		LogLevel:    logLevel,
		LogFormat:   logFormat,
	}, false, nil
}
