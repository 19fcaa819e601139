// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Command resticdu analyzes disk usage across all snapshots of a restic
// repository. It keeps a per-repository cache of every snapshot's file
// tree and answers "what is taking space" from the aggregate, plus lets
// the operator maintain a persistent set of marked paths and emit them as
// an exclude list.
//
// Logs and progress go to standard error; only `resticdu excludes` writes
// to standard output, so its output can be redirected straight into an
// exclude file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/strongdm/resticdu/internal/cache"
	"github.com/strongdm/resticdu/internal/config"
	"github.com/strongdm/resticdu/internal/ingest"
	"github.com/strongdm/resticdu/internal/restic"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "resticdu: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var verbosity int

	app := &cli.App{
		Name:      "resticdu",
		Usage:     "disk usage across all snapshots of a restic repository",
		Writer:    os.Stderr,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repository",
				Aliases: []string{"r"},
				Usage:   "repository location",
			},
			&cli.StringFlag{
				Name:  "repository-file",
				Usage: "file to read the repository location from",
			},
			&cli.StringFlag{
				Name:  "password-file",
				Usage: "file to read the repository password from",
			},
			&cli.StringFlag{
				Name:  "password-command",
				Usage: "command to obtain the repository password",
			},
			&cli.BoolFlag{
				Name:  "non-interactive",
				Usage: "never prompt; fail instead",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "raise log verbosity (repeatable)",
				Count:   &verbosity,
			},
			&cli.IntFlag{
				Name:    "jobs",
				Aliases: []string{"j"},
				Value:   config.DefaultJobs,
				Usage:   "ingestion concurrency",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "reconcile the cache with the repository",
				Action: func(c *cli.Context) error {
					return withApp(c, verbosity, cmdSync)
				},
			},
			{
				Name:      "ls",
				Usage:     "show the aggregated listing of a directory",
				ArgsUsage: "[PATH]",
				Action: func(c *cli.Context) error {
					return withApp(c, verbosity, cmdList)
				},
			},
			{
				Name:      "mark",
				Usage:     "add paths to the mark set",
				ArgsUsage: "PATH...",
				Action: func(c *cli.Context) error {
					return withApp(c, verbosity, cmdMark)
				},
			},
			{
				Name:      "unmark",
				Usage:     "remove paths from the mark set",
				ArgsUsage: "PATH...",
				Action: func(c *cli.Context) error {
					return withApp(c, verbosity, cmdUnmark)
				},
			},
			{
				Name:  "marks",
				Usage: "list marked paths",
				Action: func(c *cli.Context) error {
					return withApp(c, verbosity, cmdMarks)
				},
			},
			{
				Name:  "clear-marks",
				Usage: "remove every mark",
				Action: func(c *cli.Context) error {
					return withApp(c, verbosity, cmdClearMarks)
				},
			},
			{
				Name:  "excludes",
				Usage: "write marked paths to stdout as an exclude list",
				Action: func(c *cli.Context) error {
					return withApp(c, verbosity, cmdExcludes)
				},
			},
		},
		DefaultCommand: "sync",
	}

	return app.RunContext(ctx, args)
}

// appState is everything a subcommand needs, opened once per invocation.
type appState struct {
	cfg   config.Config
	log   *zap.Logger
	tool  *restic.Tool
	cache *cache.Cache
}

// withApp assembles configuration, logging, the restic tool, and the
// repository's cache, then runs the subcommand.
func withApp(c *cli.Context, verbosity int, fn func(*cli.Context, *appState) error) error {
	cfg := config.Load()
	if v := c.String("repository"); v != "" {
		cfg.Repository = v
	}
	if v := c.String("repository-file"); v != "" {
		cfg.RepositoryFile = v
	}
	if v := c.String("password-file"); v != "" {
		cfg.PasswordFile = v
	}
	if v := c.String("password-command"); v != "" {
		cfg.PasswordCommand = v
	}
	cfg.NonInteractive = c.Bool("non-interactive")
	cfg.Jobs = c.Int("jobs")
	cfg.Verbosity = verbosity
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.Verbosity)
	defer log.Sync()

	tool := restic.New(
		restic.WithBinary(cfg.Binary),
		restic.WithRepository(cfg.Repository),
		restic.WithRepositoryFile(cfg.RepositoryFile),
		restic.WithPasswordFile(cfg.PasswordFile),
		restic.WithPasswordCommand(cfg.PasswordCommand),
		restic.WithLogger(log),
	)

	cachePath, err := locateCache(c.Context, &cfg, tool, log)
	if err != nil {
		return err
	}

	db, err := cache.Open(c.Context, cachePath, cache.WithLogger(log))
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(c, &appState{cfg: cfg, log: log, tool: tool, cache: db})
}

// locateCache names the cache file by the repository's stable id, falling
// back to a hash of the configured location when the id query fails (for
// example, a temporarily unreachable repository with marks to edit).
func locateCache(ctx context.Context, cfg *config.Config, tool *restic.Tool, log *zap.Logger) (string, error) {
	repoID, err := tool.RepositoryID(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		repoID = cache.FallbackID(cfg.Location())
		log.Debug("repository id unavailable, using location hash",
			zap.String("id", repoID), zap.Error(err))
	}
	return cache.DefaultPath(repoID)
}

func newLogger(verbosity int) *zap.Logger {
	level := zapcore.WarnLevel
	switch {
	case verbosity >= 2:
		level = zapcore.DebugLevel
	case verbosity == 1:
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

func cmdSync(c *cli.Context, app *appState) error {
	engine := ingest.New(app.cache, app.tool,
		ingest.WithWorkers(app.cfg.Jobs),
		ingest.WithLogger(app.log),
		ingest.WithProgress(&stderrProgress{}),
	)

	result, err := engine.Run(c.Context)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "synced: %d added, %d deleted, %d entries\n",
		result.Added, result.Deleted, result.Entries)
	for _, failure := range result.Failed {
		fmt.Fprintf(os.Stderr, "failed: %v\n", failure)
	}
	return nil
}

func cmdList(c *cli.Context, app *appState) error {
	path := c.Args().First()
	if path == "" {
		path = "/"
	}
	path = cache.NormalizePath(path)

	id := cache.RootID
	if path != "/" {
		var err error
		id, err = app.cache.LookupPath(c.Context, path)
		if err != nil {
			return err
		}
	}

	listing, err := app.cache.ListDirectory(c.Context, id)
	if err != nil {
		return err
	}

	for _, entry := range listing {
		kind := "file"
		if entry.IsDir {
			kind = "dir"
		}
		flag := " "
		if entry.Marked {
			flag = "*"
		}
		fmt.Fprintf(c.App.Writer, "%s %10s  %-4s  %s\n",
			flag, formatBytes(entry.MaxSize), kind, entry.Component)
	}
	return nil
}

func cmdMark(c *cli.Context, app *appState) error {
	if c.Args().Len() == 0 {
		return fmt.Errorf("mark: at least one path required")
	}
	for _, path := range c.Args().Slice() {
		if err := app.cache.Mark(c.Context, path); err != nil {
			return err
		}
	}
	return nil
}

func cmdUnmark(c *cli.Context, app *appState) error {
	if c.Args().Len() == 0 {
		return fmt.Errorf("unmark: at least one path required")
	}
	for _, path := range c.Args().Slice() {
		if err := app.cache.Unmark(c.Context, path); err != nil {
			return err
		}
	}
	return nil
}

func cmdMarks(c *cli.Context, app *appState) error {
	marks, err := app.cache.SortedMarks(c.Context)
	if err != nil {
		return err
	}
	for _, mark := range marks {
		fmt.Fprintln(c.App.Writer, mark)
	}
	return nil
}

func cmdClearMarks(c *cli.Context, app *appState) error {
	return app.cache.ClearMarks(c.Context)
}

func cmdExcludes(c *cli.Context, app *appState) error {
	// The one command whose output belongs on stdout.
	return app.cache.EmitMarks(c.Context, os.Stdout)
}

// stderrProgress prints coarse sync progress without disturbing stdout.
type stderrProgress struct{}

func (stderrProgress) SnapshotStarted(hash string) {
	fmt.Fprintf(os.Stderr, "ingesting %s\n", shortHash(hash))
}

func (stderrProgress) SnapshotFinished(hash string, err error) {
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "done %s\n", shortHash(hash))
}

func (stderrProgress) Tick(count int64) {
	fmt.Fprintf(os.Stderr, "\r%d entries", count)
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
