package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/joao-fontenele/orderflow-saga/internal/config"
)

const usage = "usage: migrate <up|down|version|force VERSION>"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	flag.Parse()
	if flag.NArg() < 1 {
		logger.Error(usage)
		os.Exit(2)
	}

	if err := run(logger, flag.Args()); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, args []string) error {
	cfg, err := config.Load[config.Migrate]()
	if err != nil {
		return err
	}

	m, err := migrate.New(cfg.MigrationsPath, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("no pending migrations")
				return nil
			}
			return err
		}
		logger.Info("migrations applied")

	case "down":
		if err := m.Steps(-1); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("no migrations to roll back")
				return nil
			}
			return err
		}
		logger.Info("migration rolled back")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("current migration version", "version", version, "dirty", dirty)

	case "force":
		if len(args) < 2 {
			return errors.New(usage)
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parse version %q: %w", args[1], err)
		}
		if err := m.Force(version); err != nil {
			return err
		}
		logger.Info("migration version forced", "version", version)

	default:
		return fmt.Errorf("unknown command %q: %s", args[0], usage)
	}

	return nil
}
