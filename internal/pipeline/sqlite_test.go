package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_asset_lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	now := time.Now().UTC()

	if err := store.CreateAsset(ctx, testAsset("a1", "alice", now)); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	got, err := store.GetAsset(ctx, "alice", "a1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.Stage != StageQueued || got.Percent != 0 || got.SizeBytes != 1024 {
		t.Errorf("round trip: %+v", got)
	}

	if _, err := store.GetAsset(ctx, "mallory", "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong owner: got %v, want ErrNotFound", err)
	}

	if err := store.UpdateProgress(ctx, "alice", "a1", StageProcessing, 55); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ = store.GetAssetByStorageName(ctx, "alice", "blob-a1")
	if got.Stage != StageProcessing || got.Percent != 55 || got.Status != StatusUploaded {
		t.Errorf("after progress: %+v", got)
	}

	if err := store.UpdateProgress(ctx, "mallory", "a1", StageProcessing, 99); err != nil {
		t.Errorf("wrong-owner update must be a no-op, got %v", err)
	}
	got, _ = store.GetAsset(ctx, "alice", "a1")
	if got.Percent != 55 {
		t.Errorf("wrong-owner update wrote: %+v", got)
	}

	if err := store.FinalizeAsset(ctx, "alice", "a1", StageReady); err != nil {
		t.Fatalf("FinalizeAsset: %v", err)
	}
	got, _ = store.GetAsset(ctx, "alice", "a1")
	if got.Stage != StageReady || got.Status != StageReady || got.Percent != 100 {
		t.Errorf("after finalize: %+v", got)
	}
}

func TestSQLiteStore_list_newest_first(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	base := time.Now().UTC()

	_ = store.CreateAsset(ctx, testAsset("old", "alice", base.Add(-2*time.Hour)))
	_ = store.CreateAsset(ctx, testAsset("new", "alice", base))
	_ = store.CreateAsset(ctx, testAsset("other", "bob", base))

	got, err := store.ListAssets(ctx, "alice")
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("expected [new old], got %+v", got)
	}
}

func TestSQLiteStore_users(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	u := User{ID: "u1", Email: "a@example.com", Name: "A", PasswordHash: "hash", CreatedAt: time.Now().UTC()}

	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	got, err := store.GetUserByEmail(ctx, "a@example.com")
	if err != nil || got.ID != "u1" || got.PasswordHash != "hash" {
		t.Errorf("GetUserByEmail: %+v, %v", got, err)
	}

	if err := store.CreateUser(ctx, User{ID: "u2", Email: "a@example.com", Name: "B", CreatedAt: time.Now().UTC()}); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("duplicate email: got %v, want ErrDuplicateEmail", err)
	}

	if _, err := store.GetUserByEmail(ctx, "missing@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user: got %v, want ErrNotFound", err)
	}
}
