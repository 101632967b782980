package test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/usememos/chatsync/internal/profile"
	"github.com/usememos/chatsync/store"
	"github.com/usememos/chatsync/store/db"
)

// NewTestingStore opens a migrated store for the driver named by the DRIVER
// environment variable. sqlite runs in memory; postgres and mysql start a
// throwaway container.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	driver := getDriverFromEnv()
	dsn := getDSN(ctx, t, driver)

	p := &profile.Profile{
		Mode:   "dev",
		Driver: driver,
		DSN:    dsn,
	}
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}
	ts := store.New(dbDriver)
	if err := ts.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	return driver
}

func getDSN(ctx context.Context, t *testing.T, driver string) string {
	switch driver {
	case "sqlite":
		return ":memory:"
	case "postgres":
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("chatsync"),
			postgres.WithUsername("chatsync"),
			postgres.WithPassword("chatsync"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })
		dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get postgres dsn: %v", err)
		}
		return dsn
	case "mysql":
		ctr, err := mysql.Run(ctx, "mysql:8.0.36",
			mysql.WithDatabase("chatsync"),
			mysql.WithUsername("chatsync"),
			mysql.WithPassword("chatsync"),
		)
		if err != nil {
			t.Fatalf("failed to start mysql container: %v", err)
		}
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })
		dsn, err := ctr.ConnectionString(ctx)
		if err != nil {
			t.Fatalf("failed to get mysql dsn: %v", err)
		}
		return dsn
	default:
		panic(fmt.Sprintf("unsupported DRIVER %q", driver))
	}
}
