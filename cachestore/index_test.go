package cachestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/craftpm/craft/registry"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRecordAndInfo(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	if err := idx.Record(ctx, registry.Key{Name: "leftpad", Version: "1.0.0"}, "/cache/leftpad@1.0.0.tgz", 1024); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := idx.Record(ctx, registry.Key{Name: "rightpad", Version: "2.0.0"}, "/cache/rightpad@2.0.0.tgz", 2048); err != nil {
		t.Fatalf("Record: %v", err)
	}

	stats, err := idx.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if stats.PackageCount != 2 {
		t.Errorf("PackageCount = %d, want 2", stats.PackageCount)
	}
	if stats.TotalBytes != 3072 {
		t.Errorf("TotalBytes = %d, want 3072", stats.TotalBytes)
	}
}

func TestRecordUpsertsOnConflict(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	key := registry.Key{Name: "leftpad", Version: "1.0.0"}

	if err := idx.Record(ctx, key, "/cache/leftpad@1.0.0.tgz", 1024); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := idx.Record(ctx, key, "/cache/leftpad@1.0.0.tgz", 2048); err != nil {
		t.Fatalf("second Record: %v", err)
	}

	stats, err := idx.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if stats.PackageCount != 1 {
		t.Errorf("PackageCount = %d, want 1 after re-recording the same key", stats.PackageCount)
	}
	if stats.TotalBytes != 2048 {
		t.Errorf("TotalBytes = %d, want 2048 (updated size)", stats.TotalBytes)
	}
}

func TestRemoveAndClear(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	a := registry.Key{Name: "a", Version: "1.0.0"}
	b := registry.Key{Name: "b", Version: "1.0.0"}

	if err := idx.Record(ctx, a, "/cache/a@1.0.0.tgz", 10); err != nil {
		t.Fatalf("Record a: %v", err)
	}
	if err := idx.Record(ctx, b, "/cache/b@1.0.0.tgz", 20); err != nil {
		t.Fatalf("Record b: %v", err)
	}

	if err := idx.Remove(ctx, a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	stats, err := idx.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if stats.PackageCount != 1 {
		t.Errorf("PackageCount after Remove = %d, want 1", stats.PackageCount)
	}

	if err := idx.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	stats, err = idx.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if stats.PackageCount != 0 {
		t.Errorf("PackageCount after Clear = %d, want 0", stats.PackageCount)
	}
}
