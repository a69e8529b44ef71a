package document

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFileStore_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	key := "documents/2024/03/abc-invoice.pdf"

	if err := store.Put(ctx, key, bytes.NewReader([]byte("hello")), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want hello", body)
	}

	head, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Size != 5 {
		t.Errorf("size = %d, want 5", head.Size)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, key); err == nil {
		t.Error("expected error reading deleted key")
	}
}

func TestStorageKey_SanitizesFilename(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	uploadedAt := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	key := StorageKey(uploadedAt, id, "Re chnung (final)!.pdf")
	want := "documents/2024/03/00000000-0000-0000-0000-000000000001-Re_chnung__final__.pdf"
	if key != want {
		t.Errorf("StorageKey = %q, want %q", key, want)
	}
}
