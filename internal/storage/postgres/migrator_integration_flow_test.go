package postgres

import (
	"context"
	"testing"
	"time"
)

func requireMigrationStatus(t *testing.T, ctx context.Context, store *Store, wantVersion int64, wantCount int) {
	t.Helper()
	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if version != wantVersion || count != wantCount {
		t.Fatalf("migration status: got version=%d count=%d, want version=%d count=%d",
			version, count, wantVersion, wantCount)
	}
}

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	requireMigrationStatus(t, ctx, store, 0, 0)

	steps := []struct {
		name        string
		apply       func() error
		wantVersion int64
		wantCount   int
	}{
		{"up one step", func() error { return store.MigrateUp(ctx, 1) }, 1, 1},
		{"up the rest", func() error { return store.MigrateUp(ctx, 0) }, 4, 4},
		{"repeated up is a no-op", func() error { return store.MigrateUp(ctx, 0) }, 4, 4},
		{"down defaults to one step", func() error { return store.MigrateDown(ctx, 0) }, 3, 3},
	}
	for _, step := range steps {
		if err := step.apply(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		requireMigrationStatus(t, ctx, store, step.wantVersion, step.wantCount)
	}

	pending, err := store.PendingMigrations(ctx)
	if err != nil {
		t.Fatalf("pending migrations: %v", err)
	}
	if len(pending) != 1 || pending[0] != "0004_idempotency_keys" {
		t.Fatalf("unexpected pending migrations: %v", pending)
	}

	if err := store.MigrateDown(ctx, 3); err != nil {
		t.Fatalf("migrate down to empty: %v", err)
	}
	requireMigrationStatus(t, ctx, store, 0, 0)

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("down on an empty schema must be a no-op: %v", err)
	}
}
