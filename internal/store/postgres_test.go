package store

import (
	"context"
	"os"
	"testing"

	"github.com/canopy-eco/canopy/internal/testutil"
	"github.com/canopy-eco/canopy/migrations"
)

var pgStore *PostgresStore

func TestMain(m *testing.M) {
	if os.Getenv("CANOPY_TEST_POSTGRES") == "" {
		// Unit tests (memory, sqlite) run without Docker.
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	ctx := context.Background()
	var err error
	pgStore, err = NewPostgresStore(ctx, tc.DSN, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	if err := pgStore.RunMigrations(ctx, migrations.FS); err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	_ = pgStore.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestPostgresStore(t *testing.T) {
	if pgStore == nil {
		t.Skip("set CANOPY_TEST_POSTGRES=1 to run Postgres integration tests")
	}
	runStoreConformance(t, pgStore)
}

func TestPostgresMigrationsIdempotent(t *testing.T) {
	if pgStore == nil {
		t.Skip("set CANOPY_TEST_POSTGRES=1 to run Postgres integration tests")
	}
	// Running migrations again must be a no-op.
	if err := pgStore.RunMigrations(context.Background(), migrations.FS); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
}
