// Package snapstoretest holds the behaviour checks every snapstore backend
// must pass.
package snapstoretest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/consulkit/internal/snapstore"
)

// Exercise runs the shared lifecycle checks against store. The store must
// start empty.
func Exercise(t *testing.T, store snapstore.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if infos, err := store.List(ctx); err != nil || len(infos) != 0 {
		t.Fatalf("initial list = %v, %v", infos, err)
	}
	if _, _, err := store.Get(ctx, "missing.snap"); !errors.Is(err, snapstore.ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing.snap"); !errors.Is(err, snapstore.ErrNotFound) {
		t.Fatalf("delete missing: expected ErrNotFound, got %v", err)
	}
	if _, err := store.Put(ctx, "bad/name", strings.NewReader("x"), 1); !errors.Is(err, snapstore.ErrInvalidName) {
		t.Fatalf("put invalid: expected ErrInvalidName, got %v", err)
	}

	first := bytes.Repeat([]byte("raft-state-"), 1024)
	info, err := store.Put(ctx, "b.snap", bytes.NewReader(first), int64(len(first)))
	if err != nil {
		t.Fatalf("put b.snap: %v", err)
	}
	if info.Name != "b.snap" || info.Size != int64(len(first)) {
		t.Fatalf("put info = %+v", info)
	}
	// Unknown size goes through the streaming path.
	if _, err := store.Put(ctx, "a.snap", io.MultiReader(strings.NewReader("hello "), strings.NewReader("world")), -1); err != nil {
		t.Fatalf("put a.snap: %v", err)
	}

	rc, info, err := store.Get(ctx, "b.snap")
	if err != nil {
		t.Fatalf("get b.snap: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read b.snap: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("b.snap payload mismatch: %d bytes", len(got))
	}
	if info.Size != int64(len(first)) {
		t.Fatalf("get info size = %d", info.Size)
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "a.snap" || infos[1].Name != "b.snap" {
		t.Fatalf("list = %+v", infos)
	}
	if infos[0].Size != int64(len("hello world")) {
		t.Fatalf("a.snap size = %d", infos[0].Size)
	}

	replacement := []byte("replaced")
	if _, err := store.Put(ctx, "b.snap", bytes.NewReader(replacement), int64(len(replacement))); err != nil {
		t.Fatalf("overwrite b.snap: %v", err)
	}
	rc, _, err = store.Get(ctx, "b.snap")
	if err != nil {
		t.Fatalf("get replaced: %v", err)
	}
	got, _ = io.ReadAll(rc)
	rc.Close()
	if string(got) != "replaced" {
		t.Fatalf("replaced payload = %q", got)
	}

	if err := store.Delete(ctx, "a.snap"); err != nil {
		t.Fatalf("delete a.snap: %v", err)
	}
	if _, _, err := store.Get(ctx, "a.snap"); !errors.Is(err, snapstore.ErrNotFound) {
		t.Fatalf("get deleted: expected ErrNotFound, got %v", err)
	}
	infos, err = store.List(ctx)
	if err != nil || len(infos) != 1 || infos[0].Name != "b.snap" {
		t.Fatalf("list after delete = %+v, %v", infos, err)
	}
}
