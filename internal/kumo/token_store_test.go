package kumo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openkumo/kumo-core/internal/infrastructure/database"
)

func openTokenDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(context.Background(), `
		CREATE TABLE auth_tokens (
			account TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("creating auth_tokens: %v", err)
	}
	return db
}

func TestSQLiteTokenStore_LoadEmpty(t *testing.T) {
	store := NewSQLiteTokenStore(openTokenDB(t), "user@example.com")

	tokens, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tokens != nil {
		t.Errorf("Load() = %+v, want nil for empty store", tokens)
	}
}

func TestSQLiteTokenStore_SaveAndLoad(t *testing.T) {
	store := NewSQLiteTokenStore(openTokenDB(t), "user@example.com")
	ctx := context.Background()

	expiry := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	saved := &StoredTokens{
		Access:    "access-1",
		Refresh:   "refresh-1",
		ExpiresAt: expiry,
	}
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() = nil after Save")
	}
	if loaded.Access != "access-1" || loaded.Refresh != "refresh-1" {
		t.Errorf("loaded tokens = %+v, want access-1/refresh-1", loaded)
	}
	if !loaded.ExpiresAt.Equal(expiry) {
		t.Errorf("ExpiresAt = %v, want %v", loaded.ExpiresAt, expiry)
	}
}

func TestSQLiteTokenStore_SaveRotates(t *testing.T) {
	store := NewSQLiteTokenStore(openTokenDB(t), "user@example.com")
	ctx := context.Background()

	first := &StoredTokens{Access: "a1", Refresh: "r1", ExpiresAt: time.Now().UTC()}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second := &StoredTokens{Access: "a2", Refresh: "r2", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Access != "a2" || loaded.Refresh != "r2" {
		t.Errorf("loaded tokens = %+v, want rotated a2/r2", loaded)
	}
}

func TestSQLiteTokenStore_AccountScoped(t *testing.T) {
	db := openTokenDB(t)
	storeA := NewSQLiteTokenStore(db, "a@example.com")
	storeB := NewSQLiteTokenStore(db, "b@example.com")
	ctx := context.Background()

	if err := storeA.Save(ctx, &StoredTokens{Access: "a", Refresh: "ra", ExpiresAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	tokens, err := storeB.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tokens != nil {
		t.Errorf("Load() for other account = %+v, want nil", tokens)
	}
}
