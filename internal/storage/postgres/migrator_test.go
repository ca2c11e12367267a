package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func migrationFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys["sql/migrations/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestLoadMigrationsFromFS_OrdersPairsByVersion(t *testing.T) {
	t.Parallel()

	set, err := loadMigrationsFromFS(migrationFS(map[string]string{
		"0010_history.up.sql":   "CREATE TABLE h (id INT);",
		"0010_history.down.sql": "DROP TABLE h;",
		"0002_quotes.up.sql":    "CREATE TABLE q (id INT);",
		"0002_quotes.down.sql":  "DROP TABLE q;",
		"README.md":             "ignored",
	}))
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(set) != 2 || set[0].label() != "0002_quotes" || set[1].label() != "0010_history" {
		t.Fatalf("unexpected migration order: %+v", set)
	}
	if set[1].UpSQL != "CREATE TABLE h (id INT);" || set[1].DownSQL != "DROP TABLE h;" {
		t.Fatalf("scripts are attached to the wrong migration: %+v", set[1])
	}
}

func TestLoadMigrationsFromFS_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		files map[string]string
		want  string
	}{
		"missing down": {
			files: map[string]string{"0001_quotes.up.sql": "SELECT 1;"},
			want:  "both up and down",
		},
		"bad file name": {
			files: map[string]string{"quotes.sql": "SELECT 1;"},
			want:  "invalid migration file name",
		},
		"empty body": {
			files: map[string]string{"0001_quotes.up.sql": " \n", "0001_quotes.down.sql": "SELECT 1;"},
			want:  "empty",
		},
		"name mismatch": {
			files: map[string]string{"0001_quotes.up.sql": "SELECT 1;", "0001_drafts.down.sql": "SELECT 1;"},
			want:  "is named both",
		},
		"no files": {
			files: map[string]string{"notes.txt": "nothing"},
			want:  "no migration files",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := loadMigrationsFromFS(migrationFS(tc.files))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestMigrationSet_PendingAndRollback(t *testing.T) {
	t.Parallel()

	set := migrationSet{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}

	pending := set.pending(map[int64]bool{1: true}, 0)
	if len(pending) != 2 || pending[0].Version != 2 {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
	if limited := set.pending(nil, 1); len(limited) != 1 || limited[0].Version != 1 {
		t.Fatalf("limit must cut the pending set: %+v", limited)
	}

	plan, err := set.rollback([]int64{3, 2})
	if err != nil {
		t.Fatalf("rollback plan failed: %v", err)
	}
	if len(plan) != 2 || plan[0].Name != "c" || plan[1].Name != "b" {
		t.Fatalf("rollback must follow the given order: %+v", plan)
	}
	if _, err := set.rollback([]int64{9}); err == nil {
		t.Fatal("unknown version must not be rolled back")
	}
}

func TestEmbeddedMigrations_AreComplete(t *testing.T) {
	t.Parallel()

	set, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}

	want := []string{"0001_quotes", "0002_quote_history", "0003_outbox_messages", "0004_idempotency_keys"}
	if len(set) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(set))
	}
	for i, m := range set {
		if m.label() != want[i] {
			t.Fatalf("migration %d: expected %s, got %s", i, want[i], m.label())
		}
	}
}

func TestMigrator_NilStoreGuards(t *testing.T) {
	t.Parallel()

	var store *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := store.MigrateUp(ctx, 0); !errors.Is(err, errStoreNotInitialized) {
		t.Fatalf("MigrateUp: expected errStoreNotInitialized, got %v", err)
	}
	if err := store.MigrateDown(ctx, 1); !errors.Is(err, errStoreNotInitialized) {
		t.Fatalf("MigrateDown: expected errStoreNotInitialized, got %v", err)
	}
	if _, _, err := store.MigrationStatus(ctx); !errors.Is(err, errStoreNotInitialized) {
		t.Fatalf("MigrationStatus: expected errStoreNotInitialized, got %v", err)
	}
	if _, err := store.PendingMigrations(ctx); !errors.Is(err, errStoreNotInitialized) {
		t.Fatalf("PendingMigrations: expected errStoreNotInitialized, got %v", err)
	}
}
