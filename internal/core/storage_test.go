package core

import (
	"context"
	"path/filepath"
	"testing"

	"sleecore/internal/blob"
	"sleecore/pkg/domain"
)

func TestOpenPersistentStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]StorageConfig{
		"memory": {Driver: StorageMemory},
		"sqlite": {SQLitePath: filepath.Join(dir, "state.db")},
		"bolt":   {Driver: StorageBolt, BoltPath: filepath.Join(dir, "state.bolt")},
		"blob":   {Driver: StorageBlob, Blob: blob.Config{Driver: blob.DriverFilesystem, FSRoot: filepath.Join(dir, "blobs")}},
	}
	for name, cfg := range cases {
		store, err := OpenPersistentStore(context.Background(), cfg, nil)
		if err != nil {
			t.Fatalf("%s: open: %v", name, err)
		}
		if _, err := store.RunInTransaction(context.Background(), func(_ context.Context, tx domain.Transaction) error {
			_, err := tx.CreateService(domain.ServiceRecord{ID: testServiceID, State: domain.ServiceActive})
			return err
		}); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if len(store.RulesEngine().Rules()) == 0 {
			t.Fatalf("%s: nil engine must fall back to the default rules", name)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("%s: close: %v", name, err)
		}
		if cfg.Driver == StorageMemory {
			continue
		}
		reopened, err := OpenPersistentStore(context.Background(), cfg, nil)
		if err != nil {
			t.Fatalf("%s: reopen: %v", name, err)
		}
		rec, ok := reopened.GetService(testServiceID)
		if !ok || rec.State != domain.ServiceActive {
			t.Fatalf("%s: expected persisted service, got %+v ok=%v", name, rec, ok)
		}
		_ = reopened.Close()
	}
	if _, err := OpenPersistentStore(context.Background(), StorageConfig{Driver: "tape"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestOpenContainerReportsStoreActionErrors(t *testing.T) {
	var reported int
	c, err := OpenContainer(context.Background(), StorageConfig{Driver: StorageMemory}, nil,
		WithActionErrorHandler(func(context.Context, error) { reported++ }))
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	defer c.Close()
	_, _ = c.Store().RunInTransaction(context.Background(), func(ctx context.Context, _ domain.Transaction) error {
		return AddAfterCommitAction(ctx, func(context.Context) error { panic("boom") })
	})
	if reported != 1 {
		t.Fatalf("expected the panic to be reported once, got %d", reported)
	}
}
