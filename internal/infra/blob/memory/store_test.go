package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"sleecore/internal/blob/core"
)

func TestStoreMissingKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotExist) {
		t.Fatalf("expected ErrNotExist from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotExist) {
		t.Fatalf("expected ErrNotExist from get, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false, got %v %v", ok, err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()
	meta := map[string]string{"a": "1"}
	info, err := store.Put(ctx, "snap/1", bytes.NewReader([]byte("v")), core.PutOptions{ContentType: "text/plain", Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["a"] = "mutated"
	if info.Size != 1 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "snap/1", bytes.NewReader([]byte("v2")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := store.Get(ctx, "snap/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "v" || got.Metadata["a"] != "1" {
		t.Fatalf("unexpected get result %q %+v", data, got)
	}
	if _, err := store.Put(ctx, "other", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := store.List(ctx, "snap/")
	if err != nil || len(list) != 1 || list[0].Key != "snap/1" {
		t.Fatalf("list prefix: %v %+v", err, list)
	}
	if ok, err := store.Delete(ctx, "snap/1"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, fmt.Errorf("fail") }

func TestStorePutErrors(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Put(context.Background(), "bad", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
	if _, err := store.Put(context.Background(), "", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.List(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
