package repository

import (
	"context"
	"testing"
)

// PostgresBrowserStorageRepoはBrowserStorageインターフェースを満たすことを検証
func TestPostgresBrowserStorageRepo_ImplementsInterface(t *testing.T) {
	var _ BrowserStorage = (*PostgresBrowserStorageRepo)(nil)
}

// MemoryBrowserStorageRepoはBrowserStorageインターフェースを満たすことを検証
func TestMemoryBrowserStorageRepo_ImplementsInterface(t *testing.T) {
	var _ BrowserStorage = (*MemoryBrowserStorageRepo)(nil)
}

// NewPostgresBrowserStorageRepoが正しく初期化されることを検証
func TestNewPostgresBrowserStorageRepo_Initializes(t *testing.T) {
	repo := NewPostgresBrowserStorageRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func TestMemoryBrowserStorageRepo_GetItem_Missing(t *testing.T) {
	repo := NewMemoryBrowserStorageRepo()

	value, ok, err := repo.GetItem(context.Background(), "browser-1", KeyAuthUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("ok = true, want false (value=%q)", value)
	}
}

func TestMemoryBrowserStorageRepo_SetThenGet(t *testing.T) {
	repo := NewMemoryBrowserStorageRepo()
	ctx := context.Background()

	if err := repo.SetItem(ctx, "browser-1", KeyEmailForSignIn, "user@example.com"); err != nil {
		t.Fatalf("SetItem returned error: %v", err)
	}

	value, ok, err := repo.GetItem(ctx, "browser-1", KeyEmailForSignIn)
	if err != nil {
		t.Fatalf("GetItem returned error: %v", err)
	}
	if !ok || value != "user@example.com" {
		t.Errorf("GetItem = (%q, %v), want (%q, true)", value, ok, "user@example.com")
	}
}

func TestMemoryBrowserStorageRepo_SetItem_Overwrites(t *testing.T) {
	repo := NewMemoryBrowserStorageRepo()
	ctx := context.Background()

	_ = repo.SetItem(ctx, "browser-1", KeyEmailForSignIn, "old@example.com")
	_ = repo.SetItem(ctx, "browser-1", KeyEmailForSignIn, "new@example.com")

	value, _, _ := repo.GetItem(ctx, "browser-1", KeyEmailForSignIn)
	if value != "new@example.com" {
		t.Errorf("value = %q, want %q", value, "new@example.com")
	}
}

func TestMemoryBrowserStorageRepo_BrowsersAreIsolated(t *testing.T) {
	repo := NewMemoryBrowserStorageRepo()
	ctx := context.Background()

	_ = repo.SetItem(ctx, "browser-1", KeyAuthUser, `{"isLoggedIn":true}`)

	if _, ok, _ := repo.GetItem(ctx, "browser-2", KeyAuthUser); ok {
		t.Error("browser-2 should not see browser-1's item")
	}
}

func TestMemoryBrowserStorageRepo_RemoveItem(t *testing.T) {
	repo := NewMemoryBrowserStorageRepo()
	ctx := context.Background()

	_ = repo.SetItem(ctx, "browser-1", KeyAuthUser, `{"isLoggedIn":true}`)
	if err := repo.RemoveItem(ctx, "browser-1", KeyAuthUser); err != nil {
		t.Fatalf("RemoveItem returned error: %v", err)
	}

	if _, ok, _ := repo.GetItem(ctx, "browser-1", KeyAuthUser); ok {
		t.Error("item should be removed")
	}
	if repo.Len() != 0 {
		t.Errorf("Len = %d, want 0 (empty bucket should be dropped)", repo.Len())
	}
}

func TestMemoryBrowserStorageRepo_RemoveItem_MissingIsNoop(t *testing.T) {
	repo := NewMemoryBrowserStorageRepo()

	if err := repo.RemoveItem(context.Background(), "unknown", KeyAuthUser); err != nil {
		t.Errorf("RemoveItem on missing key returned error: %v", err)
	}
}
