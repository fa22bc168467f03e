package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mortarbuild/mortar/internal/app"
	"github.com/mortarbuild/mortar/internal/cli"
)

// frontend is the project-description front end compiled into this
// binary. The default build ships the engine alone; distributions link
// their own front end here.
var frontend app.Frontend

func main() {
	// Minimal logger until the configured one takes over.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.Classify(err))
	}
}

func run(outW io.Writer, args []string) error {
	cfg, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}
	return app.New(outW, cfg, frontend).Run(context.Background())
}
