package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oqs-tools/pqsetup/internal/app"
	"github.com/oqs-tools/pqsetup/internal/cli"
)

// main is the entrypoint for the pqsetup installer.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCodeFor(err))
	}
}

// run encapsulates the main application logic for easier testing and
// exit-code handling.
func run(outW io.Writer, args []string) error {
	cfg, prof, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	// An interrupt must fail the active step and trigger cleanup, not
	// kill the process mid-write.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	installer, err := app.NewApp(outW, cfg, prof)
	if err != nil {
		return err
	}
	defer installer.Close(context.WithoutCancel(ctx))

	return installer.Run(ctx)
}
