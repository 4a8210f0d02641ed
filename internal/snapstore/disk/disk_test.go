package disk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/consulkit/internal/snapstore/snapstoretest"
)

func TestDiskStore(t *testing.T) {
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "archive")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snapstoretest.Exercise(t, store)
}

func TestDiskStoreSkipsInFlightUploads(t *testing.T) {
	root := t.TempDir()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, tmpPrefix+"abc"), []byte("partial"), 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	infos, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected temp uploads hidden, got %+v", infos)
	}
	if _, err := store.Put(context.Background(), tmpPrefix+"x", strings.NewReader("x"), 1); err == nil {
		t.Fatalf("expected reserved prefix to be rejected")
	}
}

func TestDiskStoreShortBodyLeavesNoFile(t *testing.T) {
	root := t.TempDir()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.Put(context.Background(), "a.snap", strings.NewReader("abc"), 10); err == nil {
		t.Fatalf("expected short body error")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty root, found %d entries", len(entries))
	}
}

func TestDiskStorePrune(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := New(Config{Root: root, Retention: 24 * time.Hour, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, name := range []string{"old.snap", "fresh.snap"} {
		if _, err := store.Put(ctx, name, strings.NewReader(name), -1); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}
	old := now.Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(root, "old.snap"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	fresh := now.Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(root, "fresh.snap"), fresh, fresh); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	removed, err := store.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != "old.snap" {
		t.Fatalf("removed = %v", removed)
	}
	infos, _ := store.List(ctx)
	if len(infos) != 1 || infos[0].Name != "fresh.snap" {
		t.Fatalf("remaining = %+v", infos)
	}
}

func TestVerify(t *testing.T) {
	checks := Verify(context.Background(), Config{Root: t.TempDir()})
	if len(checks) != 3 {
		t.Fatalf("expected 3 checks, got %+v", checks)
	}
	for _, check := range checks {
		if check.Err != nil {
			t.Fatalf("check %s: %v", check.Name, check.Err)
		}
	}
	if checks := Verify(context.Background(), Config{}); len(checks) != 1 || checks[0].Err == nil {
		t.Fatalf("expected init failure, got %+v", checks)
	}
}
