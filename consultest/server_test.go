package consultest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"pkt.systems/consulkit/api"
)

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func createSession(t *testing.T, srv *Server, body string) string {
	t.Helper()
	resp := do(t, http.MethodPut, srv.URL+"/v1/session/create", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session create status %d", resp.StatusCode)
	}
	return decode[api.SessionCreateResponse](t, resp).ID
}

func TestKVPutGetAndMissing(t *testing.T) {
	srv := Start(t)
	resp := do(t, http.MethodPut, srv.URL+"/v1/kv/app/config?flags=7", "hello")
	if ok := decode[bool](t, resp); !ok {
		t.Fatalf("expected put to succeed")
	}
	resp = do(t, http.MethodGet, srv.URL+"/v1/kv/app/config", "")
	pairs := decode[api.KVPairs](t, resp)
	if len(pairs) != 1 || string(pairs[0].Value) != "hello" || pairs[0].Flags != 7 {
		t.Fatalf("unexpected pairs %+v", pairs)
	}
	if resp.Header.Get("X-Consul-Index") == "" {
		t.Fatalf("missing index header")
	}
	resp = do(t, http.MethodGet, srv.URL+"/v1/kv/app/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestKVBlockingQueryWakesOnWrite(t *testing.T) {
	srv := Start(t)
	srv.Put("watched", []byte("v1"), 0)
	index := srv.Index()

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/v1/kv/watched?index=" + strconv.FormatUint(index, 10) + "&wait=5000ms")
		if err != nil {
			done <- nil
			return
		}
		done <- resp
	}()
	time.Sleep(50 * time.Millisecond)
	srv.Put("watched", []byte("v2"), 0)

	select {
	case resp := <-done:
		if resp == nil {
			t.Fatalf("blocking query failed")
		}
		defer resp.Body.Close()
		pairs := decode[api.KVPairs](t, resp)
		if string(pairs[0].Value) != "v2" {
			t.Fatalf("expected v2, got %q", pairs[0].Value)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("blocking query did not wake")
	}
}

func TestAcquireReleaseAndSessionInvalidation(t *testing.T) {
	srv := Start(t)
	s1 := createSession(t, srv, `{"TTL":"10s"}`)
	s2 := createSession(t, srv, `{"TTL":"10s","Behavior":"delete"}`)

	if ok := decode[bool](t, do(t, http.MethodPut, srv.URL+"/v1/kv/lock?acquire="+s1, "a")); !ok {
		t.Fatalf("first acquire should win")
	}
	if ok := decode[bool](t, do(t, http.MethodPut, srv.URL+"/v1/kv/lock?acquire="+s2, "b")); ok {
		t.Fatalf("second acquire should lose")
	}
	if !srv.ExpireSession(s1) {
		t.Fatalf("expire session: unknown")
	}
	if pair := srv.Get("lock"); pair == nil || pair.Session != "" {
		t.Fatalf("expected released key, got %+v", pair)
	}
	if ok := decode[bool](t, do(t, http.MethodPut, srv.URL+"/v1/kv/lock?acquire="+s2, "b")); !ok {
		t.Fatalf("acquire after release should win")
	}
	srv.ExpireSession(s2)
	if pair := srv.Get("lock"); pair != nil {
		t.Fatalf("delete behaviour should remove key, got %+v", pair)
	}
}

func TestRenewUnknownSession(t *testing.T) {
	srv := Start(t)
	resp := do(t, http.MethodPut, srv.URL+"/v1/session/renew/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSessionTTLExpiry(t *testing.T) {
	srv := Start(t)
	id := createSession(t, srv, `{"TTL":"50ms"}`)
	deadline := time.Now().Add(2 * time.Second)
	for srv.HasSession(id) {
		if time.Now().After(deadline) {
			t.Fatalf("session %s never expired", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTxnCommitAndRollback(t *testing.T) {
	srv := Start(t)
	id := createSession(t, srv, "")
	body := `[{"KV":{"Verb":"lock","Key":"k","Value":"dg==","Session":"` + id + `"}}]`
	resp := do(t, http.MethodPut, srv.URL+"/v1/txn", body)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("txn status %d: %s", resp.StatusCode, raw)
	}
	body = `[{"KV":{"Verb":"set","Key":"other","Value":"dg=="}},{"KV":{"Verb":"check-not-exists","Key":"k"}}]`
	resp = do(t, http.MethodPut, srv.URL+"/v1/txn", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	out := decode[api.TxnResponse](t, resp)
	if len(out.Errors) != 1 || out.Errors[0].OpIndex != 1 {
		t.Fatalf("unexpected errors %+v", out.Errors)
	}
	if srv.Get("other") != nil {
		t.Fatalf("rolled back write leaked")
	}
}

func TestWithoutTxn(t *testing.T) {
	srv := Start(t, WithoutTxn())
	resp := do(t, http.MethodPut, srv.URL+"/v1/txn", `[]`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestFailNext(t *testing.T) {
	srv := Start(t)
	srv.FailNext("/v1/status/", 1)
	if resp := do(t, http.MethodGet, srv.URL+"/v1/status/leader", ""); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected injected 500, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/status/leader", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected recovery, got %d", resp.StatusCode)
	}
	if n := srv.Requests("/v1/status/leader"); n != 2 {
		t.Fatalf("expected 2 requests, got %d", n)
	}
}
