package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenPostgres opens an instrumented pool whose connections all use schema as
// search_path, and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn, schema string) (*sql.DB, error) {
	dsn, err := WithSearchPath(dsn, schema)
	if err != nil {
		return nil, err
	}

	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register db stats: %w", err)
	}

	return db, nil
}

// WithSearchPath sets the search_path startup parameter on a postgres:// URL.
func WithSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse postgres url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported postgres url scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
