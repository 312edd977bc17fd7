// Command migrate applies or inspects the ledger schema.
//
// Usage:
//
//	migrate up               apply all pending migrations
//	migrate up-to <version>  apply pending migrations up to version
//	migrate down             roll back the newest migration
//	migrate down-to <ver>    roll back to version (0 drops everything)
//	migrate status           list migrations and when they were applied
//	migrate version          print the current schema version
//
// The SQL is embedded in the binary; DATABASE_URL selects the database.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/mbd888/mpescrow/internal/logging"
	"github.com/mbd888/mpescrow/migrations"
	"github.com/pressly/goose/v3"
)

func main() {
	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|up-to N|down|down-to N|status|version")
		os.Exit(2)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("connect database", "error", err)
		os.Exit(1)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		logger.Error("load migrations", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, provider, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *goose.Provider, command string, args []string) error {
	switch command {
	case "up":
		results, err := p.Up(ctx)
		report(results)
		return err
	case "up-to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		results, err := p.UpTo(ctx, v)
		report(results)
		return err
	case "down":
		result, err := p.Down(ctx)
		if result != nil {
			report([]*goose.MigrationResult{result})
		}
		return err
	case "down-to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		results, err := p.DownTo(ctx, v)
		report(results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%5d  %-28s  %s\n", s.Source.Version, s.Source.Path, applied)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func report(results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Println("no migrations to run")
		return
	}
	for _, r := range results {
		fmt.Printf("%-4s %5d  %-28s  %s\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one version argument")
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
