// Command migrate applies or rolls back the keel database schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/internal/storage/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN (defaults to KEEL_PG_DSN)")
		dir     = flag.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	_ = godotenv.Load()

	resolvedDSN := strings.TrimSpace(*dsn)
	if resolvedDSN == "" {
		resolvedDSN = strings.TrimSpace(os.Getenv("KEEL_PG_DSN"))
	}
	if resolvedDSN == "" {
		return errors.New("-database flag or KEEL_PG_DSN is required")
	}
	if strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	if *quiet {
		log = zerolog.Nop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if _, statErr := os.Stat(*dir); statErr != nil && *dir == defaultMigrationsPath {
			log.Info().Msg("migrations directory not found, using embedded migrations")
			return migrations.ApplyEmbedded(ctx, resolvedDSN, log)
		}
		return migrations.Apply(ctx, resolvedDSN, *dir, log)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, resolvedDSN, *dir, steps, log)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
