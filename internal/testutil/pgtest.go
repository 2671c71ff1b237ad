// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/safetrade/migrations"
)

// PGTest returns a migrated database for an integration test, or skips it.
//
// POSTGRES_URL selects an existing database. Otherwise TESTCONTAINERS=1
// starts a throwaway postgres:16 container. Everything is released through
// t.Cleanup; the returned func truncates the documents table early for tests
// that share one database across subtests.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set and TESTCONTAINERS!=1, skipping integration test")
		}
		dsn = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("pgtest: ping: %v", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		t.Fatalf("pgtest: goose provider: %v", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}

	truncate := func() { _, _ = db.ExecContext(ctx, `TRUNCATE documents`) }
	t.Cleanup(truncate)
	return db, truncate
}

func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	pg, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("safetrade"),
		postgres.WithUsername("safetrade"),
		postgres.WithPassword("safetrade"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pg)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn
}
