package journal

import (
	"context"
	"path/filepath"
	"testing"
)

func TestCheckpointStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(filepath.Join(t.TempDir(), "state", "checkpoint.json"), true)

	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}
	if err := store.Save(ctx, Checkpoint{Applied: 12, LastSequence: 340}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if cp.Applied != 12 || cp.LastSequence != 340 || cp.UpdatedAt == "" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestCheckpointStoreDisabled(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewCheckpointStore(path, false)
	if err := store.Save(ctx, Checkpoint{Applied: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, err := NewCheckpointStore(path, true).Load(ctx); err != nil || ok {
		t.Fatalf("disabled store wrote a checkpoint: ok=%v err=%v", ok, err)
	}
}

type memoryBackend struct {
	applied, seq uint64
	saved        bool
}

func (m *memoryBackend) LoadState(_ context.Context, name string) (uint64, uint64, bool, error) {
	return m.applied, m.seq, m.saved, nil
}

func (m *memoryBackend) SaveState(_ context.Context, name string, applied, seq uint64) error {
	m.applied, m.seq, m.saved = applied, seq, true
	return nil
}

func TestDBStateStore(t *testing.T) {
	ctx := context.Background()
	var nilStore *DBStateStore
	if _, ok, err := nilStore.Load(ctx); ok || err != nil {
		t.Fatalf("nil store should be empty")
	}

	backend := &memoryBackend{}
	store := &DBStateStore{Store: backend, Name: "replay"}
	if _, ok, _ := store.Load(ctx); ok {
		t.Fatalf("expected no state")
	}
	if err := store.Save(ctx, Checkpoint{Applied: 3, LastSequence: 9}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp, ok, err := store.Load(ctx)
	if err != nil || !ok || cp.Applied != 3 || cp.LastSequence != 9 {
		t.Fatalf("unexpected state: %+v ok=%v err=%v", cp, ok, err)
	}
}
