package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/consulkit/api"
)

// Session wraps the /v1/session endpoints.
type Session struct {
	c *Client
}

// Create creates a session and returns its ID. A nil entry uses the server defaults.
func (s *Session) Create(ctx context.Context, se *api.SessionEntry, q *WriteOptions) (string, *WriteMeta, error) {
	var out api.SessionCreateResponse
	var body any
	if se != nil {
		body = se
	}
	wm, err := s.c.write(ctx, http.MethodPut, "/v1/session/create", body, &out, q)
	if err != nil {
		return "", nil, err
	}
	if out.ID == "" {
		return "", nil, fmt.Errorf("consul: session create returned no id")
	}
	return out.ID, wm, nil
}

// CreateNoChecks creates a session that is not bound to any health check,
// so it lives exactly as long as its TTL is renewed.
func (s *Session) CreateNoChecks(ctx context.Context, se *api.SessionEntry, q *WriteOptions) (string, *WriteMeta, error) {
	if se == nil {
		return s.Create(ctx, nil, q)
	}
	entry := api.SessionEntry{
		Name:      se.Name,
		Node:      se.Node,
		LockDelay: se.LockDelay,
		Behavior:  se.Behavior,
		TTL:       se.TTL,
		Checks:    []string{},
	}
	var out api.SessionCreateResponse
	r := newRequest(http.MethodPut, "/v1/session/create")
	r.setWriteOptions(q)
	r.obj = noChecksEntry{SessionEntry: entry}
	wm, err := s.c.writeRequest(ctx, r, &out)
	if err != nil {
		return "", nil, err
	}
	return out.ID, wm, nil
}

// noChecksEntry serialises an explicit empty Checks list so the server does
// not attach the default serfHealth check.
type noChecksEntry struct {
	api.SessionEntry
	Checks []string `json:"Checks"`
}

// Destroy invalidates a session, releasing or deleting the keys it holds.
func (s *Session) Destroy(ctx context.Context, id string, q *WriteOptions) (*WriteMeta, error) {
	if id == "" {
		return nil, configError("session", ErrSessionNotFound)
	}
	return s.c.write(ctx, http.MethodPut, "/v1/session/destroy/"+id, nil, nil, q)
}

// Renew resets the TTL of a session and returns the server's view of it. A
// session the server no longer knows yields ErrSessionExpired.
func (s *Session) Renew(ctx context.Context, id string, q *WriteOptions) (*api.SessionEntry, *WriteMeta, error) {
	if id == "" {
		return nil, nil, configError("session", ErrSessionNotFound)
	}
	r := newRequest(http.MethodPut, "/v1/session/renew/"+id)
	r.setWriteOptions(q)
	rtt, resp, err := s.c.doRequest(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	if err := requireOK(r.method, r.path, resp); err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	var entries []*api.SessionEntry
	if err := decodeBody(resp, &entries); err != nil {
		return nil, nil, err
	}
	wm := &WriteMeta{RequestTime: rtt}
	if len(entries) == 0 {
		return nil, wm, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	return entries[0], wm, nil
}

// Info reads one session. An unknown ID returns a nil entry and nil error.
func (s *Session) Info(ctx context.Context, id string, q *QueryOptions) (*api.SessionEntry, *QueryMeta, error) {
	if id == "" {
		return nil, nil, configError("session", ErrSessionNotFound)
	}
	var entries []*api.SessionEntry
	qm, err := s.c.query(ctx, "/v1/session/info/"+id, &entries, q)
	if err != nil {
		if IsNotFound(err) {
			return nil, &QueryMeta{}, nil
		}
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, qm, nil
	}
	return entries[0], qm, nil
}

// IsKnown reports whether the server still has a live session with this ID.
func (s *Session) IsKnown(ctx context.Context, id string) (bool, error) {
	entry, _, err := s.Info(ctx, id, nil)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// List returns every active session.
func (s *Session) List(ctx context.Context, q *QueryOptions) ([]*api.SessionEntry, *QueryMeta, error) {
	var entries []*api.SessionEntry
	qm, err := s.c.query(ctx, "/v1/session/list", &entries, q)
	if err != nil {
		return nil, nil, err
	}
	return entries, qm, nil
}

// Node returns the sessions bound to a node.
func (s *Session) Node(ctx context.Context, node string, q *QueryOptions) ([]*api.SessionEntry, *QueryMeta, error) {
	var entries []*api.SessionEntry
	qm, err := s.c.query(ctx, "/v1/session/node/"+node, &entries, q)
	if err != nil {
		return nil, nil, err
	}
	return entries, qm, nil
}

// RenewPeriodic keeps the session alive until ctx is cancelled or the session
// expires. It blocks; on cancellation the session is destroyed and nil is
// returned, on expiry an error wrapping ErrSessionExpired is returned.
func (s *Session) RenewPeriodic(ctx context.Context, ttl time.Duration, id string, q *WriteOptions) error {
	r := s.NewRenewer(id, ttl, q)
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-r.Done()
	return r.Err()
}

// ParseTTL reads the TTL string of a SessionEntry.
func ParseTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("consul: parse session ttl %q: %w", raw, err)
	}
	return d, nil
}

// FormatTTL renders a duration in the server's TTL format.
func FormatTTL(d time.Duration) string {
	return d.String()
}
