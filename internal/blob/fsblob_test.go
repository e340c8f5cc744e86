package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return store
}

func TestFSStore_PutGetDelete(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "a/b", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := store.Get(ctx, "a/b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}

	if err := store.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "a/b"); err == nil {
		t.Fatal("expected error reading deleted object")
	}
	if err := store.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete of missing object should be a no-op: %v", err)
	}
}

func TestFSStore_PutIfAbsent(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	existed, err := store.PutIfAbsent(ctx, "file-1/chunk-000000", []byte("first"))
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if existed {
		t.Fatal("expected existed=false on first write")
	}

	existed, err = store.PutIfAbsent(ctx, "file-1/chunk-000000", []byte("second"))
	if err != nil {
		t.Fatalf("PutIfAbsent retry: %v", err)
	}
	if !existed {
		t.Fatal("expected existed=true on retry")
	}

	data, err := store.Get(ctx, "file-1/chunk-000000")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "first" {
		t.Fatalf("retry must not overwrite: got %q", data)
	}
}

func TestFSStore_DeletePrefix(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "file-2/chunk-000000", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "file-2/chunk-000001", []byte("y")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.DeletePrefix(ctx, "file-2"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.root, "file-2")); !os.IsNotExist(err) {
		t.Fatalf("expected file-2 directory to be removed, stat err = %v", err)
	}
}

func TestFSStore_RejectsPathEscape(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Fatal("expected error for path escaping root")
	}
	if _, err := store.Get(ctx, "../../etc/passwd"); err == nil {
		t.Fatal("expected error for path escaping root")
	}
}
