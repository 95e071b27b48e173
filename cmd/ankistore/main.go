// Command ankistore manages an Anki-compatible flashcard collection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/conorfennell/ankistore/internal/config"
	"github.com/conorfennell/ankistore/internal/engine"
	"github.com/conorfennell/ankistore/internal/logger"
	"github.com/conorfennell/ankistore/internal/sources"
	"github.com/conorfennell/ankistore/internal/web"
)

const usage = `usage: ankistore <command> [flags] [args]

commands:
  import <file.apkg>...          merge packages into the collection
  stats [deck-id]                print card counts
  gc                             delete unreferenced media files
  sync                           reconcile the configured sources
  serve                          run the HTTP API
  catalog build <dir> <out>      write a catalog of the packages in dir
  catalog update <dir> <file>    refresh counts in an existing catalog
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ankistore:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}
	cmd := args[0]
	cfg, rest, err := config.Load(cmd, args[1:])
	if err != nil {
		return err
	}
	log, err := logger.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	if cmd == "catalog" {
		return runCatalog(ctx, rest, out, log)
	}

	e, err := engine.New(engine.Options{
		DataDir:      cfg.DataDir,
		MediaDir:     cfg.MediaDir,
		SnapshotPath: cfg.Snapshot,
		Flush:        cfg.Flush,
		MediaWorkers: cfg.Import.MediaWorkers,
	}, log)
	if err != nil {
		return err
	}
	res, err := e.Load(ctx)
	if err != nil {
		return err
	}
	log.Debug("collection loaded", "fresh", res.Fresh)
	defer func() {
		if cerr := e.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Error("failed to close collection", "error", cerr)
		}
	}()

	switch cmd {
	case "import":
		return runImport(ctx, e, rest, out)
	case "stats":
		return runStats(e, rest, out)
	case "gc":
		removed, err := e.GC()
		if err != nil {
			return err
		}
		for _, name := range removed {
			fmt.Fprintln(out, name)
		}
		fmt.Fprintf(out, "removed %d files\n", len(removed))
		return nil
	case "sync":
		rep, err := sources.Sync(ctx, e, cfg.Sources, cfg.ReposDir, log)
		if err != nil {
			return err
		}
		return writeJSON(out, rep)
	case "serve":
		srv := web.NewServer(e, web.Options{Sources: cfg.Sources, ReposDir: cfg.ReposDir}, log)
		return srv.ListenAndServe(ctx, cfg.Listen)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runImport(ctx context.Context, e *engine.Engine, paths []string, out io.Writer) error {
	if len(paths) == 0 {
		return errors.New("import needs at least one package")
	}
	for _, path := range paths {
		res, err := e.ImportPackage(ctx, path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Fprintf(out, "%s: %d notes added, %d updated, %d cards added, %d media\n",
			path, res.NotesAdded, res.NotesUpdated, res.CardsAdded, res.Media)
		for _, sk := range res.Skipped {
			fmt.Fprintf(out, "  skipped media %q: %s\n", sk.Name, sk.Reason)
		}
	}
	return nil
}

func runStats(e *engine.Engine, args []string, out io.Writer) error {
	var deckID int64
	if len(args) > 0 {
		if _, err := fmt.Sscan(args[0], &deckID); err != nil {
			return fmt.Errorf("invalid deck id %q", args[0])
		}
	}
	stats, err := e.GetStats(deckID)
	if err != nil {
		return err
	}
	return writeJSON(out, stats)
}

func runCatalog(ctx context.Context, args []string, out io.Writer, log *slog.Logger) error {
	if len(args) != 3 {
		fmt.Fprint(out, usage)
		return errors.New("catalog needs a subcommand, a directory and a file")
	}
	entries, err := sources.BuildCatalog(ctx, args[1], log)
	if err != nil {
		return err
	}
	switch args[0] {
	case "build":
		if err := sources.WriteCatalog(args[2], entries); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d entries to %s\n", len(entries), args[2])
	case "update":
		n, err := sources.UpdateCatalog(args[2], entries, log)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "updated %d entries in %s\n", n, args[2])
	default:
		return fmt.Errorf("unknown catalog subcommand %q", args[0])
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
