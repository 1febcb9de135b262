//go:build integration

package test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresSetup struct {
	ConnStr   string
	container *postgres.PostgresContainer
}

func (p *PostgresSetup) Terminate(ctx context.Context) error {
	return p.container.Terminate(ctx)
}

func StartPostgres(ctx context.Context) (*PostgresSetup, error) {
	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("orderflow"),
		postgres.WithUsername("orderflow"),
		postgres.WithPassword("orderflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	if err := runMigrations(connStr); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &PostgresSetup{ConnStr: connStr, container: container}, nil
}

type RabbitMQSetup struct {
	URL       string
	container *rabbitmq.RabbitMQContainer
}

func (r *RabbitMQSetup) Terminate(ctx context.Context) error {
	return r.container.Terminate(ctx)
}

func StartRabbitMQ(ctx context.Context) (*RabbitMQSetup, error) {
	container, err := rabbitmq.Run(ctx,
		"rabbitmq:3.13-management-alpine",
		rabbitmq.WithAdminUsername("guest"),
		rabbitmq.WithAdminPassword("guest"),
	)
	if err != nil {
		return nil, fmt.Errorf("start rabbitmq container: %w", err)
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get amqp url: %w", err)
	}

	return &RabbitMQSetup{URL: url, container: container}, nil
}

func runMigrations(connStr string) error {
	m, err := migrate.New(migrationsPath(), connStr)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func migrationsPath() string {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filename))
	return "file://" + filepath.Join(projectRoot, "migrations")
}
