package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSStoreSaveAndDelete(t *testing.T) {
	store := newTestFSStore(t)
	key := StorageKey(time.Date(2026, time.March, 9, 12, 0, 0, 0, time.UTC), "id-1")

	if err := store.Save(context.Background(), key, []byte("jpeg-bytes"), "image/jpeg"); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	path := filepath.Join(store.baseDir, filepath.FromSlash(key))
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read stored capture: %v", err)
	}
	if string(contents) != "jpeg-bytes" {
		t.Fatalf("unexpected stored contents %q", contents)
	}

	if err := store.Delete(context.Background(), key); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected capture removed, stat returned %v", err)
	}
}

func TestFSStoreDeleteToleratesMissingKey(t *testing.T) {
	store := newTestFSStore(t)
	if err := store.Delete(context.Background(), "captures/2026/3/9/ghost.jpg"); err != nil {
		t.Fatalf("missing capture must not error: %v", err)
	}
}

func TestFSStoreRejectsTraversalKeys(t *testing.T) {
	store := newTestFSStore(t)

	tests := []string{"", "  ", "../outside.jpg", "captures/../../etc/passwd", "/absolute.jpg"}
	for _, key := range tests {
		if err := store.Save(context.Background(), key, []byte("x"), "image/jpeg"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected invalid key error for %q, got %v", key, err)
		}
	}
}

func TestStorageKeyIsDatePartitioned(t *testing.T) {
	key := StorageKey(time.Date(2026, time.March, 9, 12, 0, 0, 0, time.UTC), "abc-123")
	if key != "captures/2026/3/9/abc-123.jpg" {
		t.Fatalf("unexpected key %q", key)
	}
}

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(FSStoreConfig{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to construct fs store: %v", err)
	}
	return store
}
