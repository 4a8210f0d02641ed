package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"pkt.systems/consulkit/api"
)

// Event wraps the /v1/event endpoints.
type Event struct {
	c *Client
}

// Fire broadcasts a user event and returns its ID.
func (e *Event) Fire(ctx context.Context, ev *api.UserEvent, q *WriteOptions) (string, *WriteMeta, error) {
	if ev == nil || ev.Name == "" {
		return "", nil, configError("event", errors.New("event name required"))
	}
	r := newRequest(http.MethodPut, "/v1/event/fire/"+ev.Name)
	r.setWriteOptions(q)
	if ev.NodeFilter != "" {
		r.params.Set("node", ev.NodeFilter)
	}
	if ev.ServiceFilter != "" {
		r.params.Set("service", ev.ServiceFilter)
	}
	if ev.TagFilter != "" {
		r.params.Set("tag", ev.TagFilter)
	}
	if len(ev.Payload) > 0 {
		r.body = bytes.NewReader(ev.Payload)
		r.header.Set("Content-Type", "application/octet-stream")
	}
	var out api.UserEvent
	wm, err := e.c.writeRequest(ctx, r, &out)
	if err != nil {
		return "", nil, err
	}
	return out.ID, wm, nil
}

// List returns the most recent events, optionally filtered by name. Blocking
// on events uses the index derived from the newest event ID.
func (e *Event) List(ctx context.Context, name string, q *QueryOptions) ([]*api.UserEvent, *QueryMeta, error) {
	r := newRequest(http.MethodGet, "/v1/event/list")
	r.setQueryOptions(q)
	if name != "" {
		r.params.Set("name", name)
	}
	var out []*api.UserEvent
	qm, err := e.c.queryRequest(ctx, r, &out)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// IDToIndex converts an event ID into the index used for blocking event
// queries: the upper and lower halves of the UUID XORed together.
func (e *Event) IDToIndex(id string) uint64 {
	raw := strings.ReplaceAll(id, "-", "")
	if len(raw) != 32 {
		return 0
	}
	buf, err := hex.DecodeString(raw)
	if err != nil {
		return 0
	}
	var lower, upper uint64
	for i := range 8 {
		upper = upper<<8 | uint64(buf[i])
		lower = lower<<8 | uint64(buf[i+8])
	}
	return lower ^ upper
}
