package azure

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"pkt.systems/consulkit/internal/snapstore"
)

func TestNewValidation(t *testing.T) {
	cases := []Config{
		{Container: "c", AccountKey: "k"},
		{Account: "a", AccountKey: "k"},
		{Account: "a", Container: "c"},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("append sas: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected url %s", got)
	}
	got, _ = appendSASToken("https://acct.blob.core.windows.net/?a=1", "b=2")
	if !strings.HasSuffix(got, "?a=1&b=2") {
		t.Fatalf("unexpected merged url %s", got)
	}
}

// fakeBlobService answers container creation and reports every blob as
// missing, which is enough to exercise the not-found mapping.
func fakeBlobService(t *testing.T, created *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Query().Get("restype") == "container" {
			if created.Add(1) > 1 {
				w.Header().Set("x-ms-error-code", "ContainerAlreadyExists")
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStoreMapsMissingBlobs(t *testing.T) {
	var created atomic.Int32
	srv := fakeBlobService(t, &created)
	cfg := Config{
		Account:    "devaccount",
		AccountKey: base64.StdEncoding.EncodeToString([]byte("not-a-real-key")),
		Endpoint:   srv.URL + "/devaccount",
		Container:  "snapshots",
		Prefix:     "dc1",
	}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// A second store tolerates the existing container.
	if _, err := New(cfg); err != nil {
		t.Fatalf("new with existing container: %v", err)
	}
	if created.Load() != 2 {
		t.Fatalf("expected two container create calls, got %d", created.Load())
	}
	ctx := context.Background()
	if _, _, err := store.Get(ctx, "missing.snap"); !errors.Is(err, snapstore.ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing.snap"); !errors.Is(err, snapstore.ErrNotFound) {
		t.Fatalf("delete missing: expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "../escape"); !errors.Is(err, snapstore.ErrInvalidName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
}
