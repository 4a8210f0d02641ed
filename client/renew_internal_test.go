package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/consulkit/internal/clock"
)

type renewStub struct {
	mu       sync.Mutex
	status   int
	ttl      string
	renews   int
	destroys int
}

func (s *renewStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/session/renew/"):
		s.renews++
		if s.status != http.StatusOK {
			http.Error(w, "stub failure", s.status)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/v1/session/renew/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"ID":"` + id + `","TTL":"` + s.ttl + `"}]`))
	case strings.HasPrefix(r.URL.Path, "/v1/session/destroy/"):
		s.destroys++
		_, _ = w.Write([]byte("true"))
	default:
		http.NotFound(w, r)
	}
}

func (s *renewStub) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renews, s.destroys
}

func newRenewHarness(t *testing.T, stub *renewStub) (*Client, *clock.Manual) {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cli, err := New(srv.URL, withClock(clk))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli, clk
}

func waitDone(t *testing.T, r *SessionRenewer) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("renewer did not finish, state %s", r.State())
	}
}

func TestRenewerRenewsAtHalfTTLAndAdoptsServerTTL(t *testing.T) {
	stub := &renewStub{status: http.StatusOK, ttl: "20s"}
	cli, clk := newRenewHarness(t, stub)

	r := cli.Session().NewRenewer("sess-1", 10*time.Second, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	clk.BlockUntil(1)
	clk.Advance(4 * time.Second)
	if renews, _ := stub.counts(); renews != 0 {
		t.Fatalf("renewed before half ttl: %d", renews)
	}
	clk.Advance(time.Second)
	clk.BlockUntil(1)
	if renews, _ := stub.counts(); renews != 1 {
		t.Fatalf("expected one renewal, got %d", renews)
	}
	if r.TTL() != 20*time.Second {
		t.Fatalf("server ttl not adopted: %s", r.TTL())
	}

	clk.Advance(9 * time.Second)
	if renews, _ := stub.counts(); renews != 1 {
		t.Fatalf("renewed before new half ttl: %d", renews)
	}
	clk.Advance(time.Second)
	clk.BlockUntil(1)
	if renews, _ := stub.counts(); renews != 2 {
		t.Fatalf("expected two renewals, got %d", renews)
	}
	if r.State() != RenewRenewing {
		t.Fatalf("state = %s", r.State())
	}
}

func TestRenewerRetriesThenExpires(t *testing.T) {
	stub := &renewStub{status: http.StatusInternalServerError}
	cli, clk := newRenewHarness(t, stub)

	r := cli.Session().NewRenewer("sess-2", 3*time.Second, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	clk.BlockUntil(1)
	clk.Advance(1500 * time.Millisecond)
	clk.BlockUntil(1)
	if r.State() != RenewRenewing {
		t.Fatalf("transient failure should not be terminal, state %s", r.State())
	}
	clk.Advance(RenewRetryBackoff)
	clk.BlockUntil(1)
	clk.Advance(RenewRetryBackoff)
	waitDone(t, r)

	if r.State() != RenewExpired {
		t.Fatalf("state = %s", r.State())
	}
	if !errors.Is(r.Err(), ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", r.Err())
	}
	var apiErr *APIError
	if !errors.As(r.Err(), &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected last failure in error chain, got %v", r.Err())
	}
	// Retries that would start after the TTL has run out are skipped.
	if renews, destroys := stub.counts(); renews != 2 || destroys != 0 {
		t.Fatalf("renews=%d destroys=%d", renews, destroys)
	}
}

func TestRenewerStopsOnUnknownSession(t *testing.T) {
	stub := &renewStub{status: http.StatusNotFound}
	cli, clk := newRenewHarness(t, stub)

	r := cli.Session().NewRenewer("sess-3", 10*time.Second, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)
	waitDone(t, r)
	if r.State() != RenewExpired || !errors.Is(r.Err(), ErrSessionExpired) {
		t.Fatalf("state=%s err=%v", r.State(), r.Err())
	}
}

func TestRenewerCancelDestroysSession(t *testing.T) {
	stub := &renewStub{status: http.StatusOK, ttl: "10s"}
	cli, clk := newRenewHarness(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	r := cli.Session().NewRenewer("sess-4", 10*time.Second, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.BlockUntil(1)
	cancel()
	waitDone(t, r)
	if r.State() != RenewCancelled || r.Err() != nil {
		t.Fatalf("state=%s err=%v", r.State(), r.Err())
	}
	if _, destroys := stub.counts(); destroys != 1 {
		t.Fatalf("expected one destroy, got %d", destroys)
	}
	r.Stop()
}

func TestRenewerStartValidation(t *testing.T) {
	cli, _ := newRenewHarness(t, &renewStub{status: http.StatusOK})
	var cfgErr *ConfigError
	if err := cli.Session().NewRenewer("", time.Second, nil).Start(context.Background()); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for empty id, got %v", err)
	}
	if err := cli.Session().NewRenewer("id", 0, nil).Start(context.Background()); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for zero ttl, got %v", err)
	}
	r := cli.Session().NewRenewer("id", time.Second, nil)
	r.Stop()
	if r.State() != RenewIdle {
		t.Fatalf("stop before start changed state to %s", r.State())
	}
}

func TestRenewStateString(t *testing.T) {
	cases := map[RenewState]string{
		RenewIdle:      "idle",
		RenewRenewing:  "renewing",
		RenewExpired:   "expired",
		RenewCancelled: "cancelled",
		RenewState(9):  "RenewState(9)",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", state, got, want)
		}
	}
	if RenewRenewing.Terminal() || !RenewExpired.Terminal() || !RenewCancelled.Terminal() {
		t.Fatalf("terminal classification wrong")
	}
}

func TestRenewerBoundsHungRenewByTTL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/session/renew/") {
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte("true"))
	}))
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL, WithHTTPTimeout(time.Minute))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	r := cli.Session().NewRenewer("sess-hung", 300*time.Millisecond, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, r)
	if r.State() != RenewExpired {
		t.Fatalf("state = %s", r.State())
	}
	if !errors.Is(r.Err(), ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", r.Err())
	}
}
