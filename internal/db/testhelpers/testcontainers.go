// Package testhelpers starts a disposable PostgreSQL for integration tests.
package testhelpers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ajitpratap0/orderbridge/internal/db"
)

// PostgresContainer holds the testcontainer instance and connection details
type PostgresContainer struct {
	Container     *postgres.PostgresContainer
	ConnectionStr string
	DB            *db.DB
}

// SetupTestDatabase starts PostgreSQL, applies the embedded migrations and
// returns a connected DB. The container is terminated when the test ends.
func SetupTestDatabase(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("orderbridge_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()
	if _, err := db.NewMigrator(sqlDB).Migrate(ctx); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	cfg := db.DefaultPoolConfig(connStr)
	cfg.MaxConns = 5
	cfg.MinConns = 1
	database, err := db.New(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(database.Close)

	return &PostgresContainer{
		Container:     container,
		ConnectionStr: connStr,
		DB:            database,
	}
}
