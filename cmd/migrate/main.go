package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"sentinal-convos/internal/config"
	"sentinal-convos/pkg/database"
	"sentinal-convos/pkg/logger"
)

const usage = `
Convos - Database CLI Tool

Usage:
  migrate [flags] [command]

Commands:
  up          Apply all pending migrations
  status      Show the applied schema version
  reset       Roll back every migration and apply them again (DANGEROUS)

Flags:
  -db string   Path to the SQLite database (default from CONVOS_DB_PATH)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate -db /tmp/convos.db status
`

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite database")
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logger.New(cfg.App.Environment)
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("db", cfg.Database.Path))

	ctx := context.Background()
	command := flag.Arg(0)

	switch command {
	case "up", "status", "reset":
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}

	// Open applies pending migrations, so "up" is complete once it returns.
	db, err := database.Open(ctx, cfg.Database.Path, log)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	switch command {
	case "up":
		log.Info("migrations applied")
	case "reset":
		log.Warn("dropping and re-applying every migration")
		if err := database.Reset(ctx, db, log); err != nil {
			log.Fatal("reset failed", zap.Error(err))
		}
		log.Info("database reset completed")
	}

	version, err := database.Version(ctx, db)
	if err != nil {
		log.Fatal("read schema version", zap.Error(err))
	}
	log.Info("schema version", zap.Int64("version", version))
}
