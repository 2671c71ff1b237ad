// Command migrate applies the SafeTrade Postgres schema.
//
//	migrate up               apply pending migrations
//	migrate down             roll back the latest migration
//	migrate redo             roll back and re-apply the latest migration
//	migrate up-to <version>
//	migrate down-to <version>
//	migrate status
//	migrate version
//
// DATABASE_URL selects the database and a .env file is honored. The SQL
// files are embedded; MIGRATIONS_DIR reads them from disk instead.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/migrations"
)

const usage = "usage: migrate up|down|redo|status|version|up-to <v>|down-to <v>"

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	fsys, from := source()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("load migrations from %s: %w", from, err)
	}
	logger = logger.With("command", args[0], "source", from)

	switch args[0] {
	case "up":
		results, err := provider.Up(ctx)
		report(logger, results...)
		return err
	case "down":
		res, err := provider.Down(ctx)
		report(logger, res)
		return err
	case "redo":
		res, err := provider.Down(ctx)
		report(logger, res)
		if err != nil {
			return err
		}
		res, err = provider.UpByOne(ctx)
		report(logger, res)
		return err
	case "up-to", "down-to":
		if len(args) < 2 {
			return errors.New(usage)
		}
		version, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("version %q: %w", args[1], err)
		}
		var results []*goose.MigrationResult
		if args[0] == "up-to" {
			results, err = provider.UpTo(ctx, version)
		} else {
			results, err = provider.DownTo(ctx, version)
		}
		report(logger, results...)
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			logger.Info("migration",
				"version", st.Source.Version,
				"file", st.Source.Path,
				"state", st.State,
				"applied_at", st.AppliedAt,
			)
		}
		return nil
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema version", "version", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q; %s", args[0], usage)
	}
}

func source() (fs.FS, string) {
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		return os.DirFS(dir), dir
	}
	return migrations.FS, "embedded"
}

func report(logger *slog.Logger, results ...*goose.MigrationResult) {
	if len(results) == 0 {
		logger.Info("nothing to do")
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		logger.Info("migrated",
			"version", r.Source.Version,
			"direction", r.Direction,
			"duration", r.Duration,
		)
	}
}
