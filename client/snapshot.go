package client

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// Snapshot wraps the /v1/snapshot endpoint.
type Snapshot struct {
	c *Client
}

// Save streams a point-in-time snapshot of the server state. The caller must
// close the returned reader.
func (s *Snapshot) Save(ctx context.Context, q *QueryOptions) (io.ReadCloser, *QueryMeta, error) {
	r := newRequest(http.MethodGet, "/v1/snapshot")
	r.setQueryOptions(q)
	r.streaming = true
	rtt, resp, err := s.c.doRequest(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if err := requireOK(r.method, r.path, resp); err != nil {
		return nil, nil, err
	}
	qm := &QueryMeta{RequestTime: rtt}
	if err := parseQueryMeta(resp, qm); err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	s.c.logDebugCtx(ctx, "client.snapshot.save", "index", qm.LastIndex)
	return resp.Body, qm, nil
}

// Restore replaces the server state with the snapshot read from in.
func (s *Snapshot) Restore(ctx context.Context, in io.Reader, q *WriteOptions) error {
	if in == nil {
		return configError("snapshot", errors.New("reader required"))
	}
	r := newRequest(http.MethodPut, "/v1/snapshot")
	r.setWriteOptions(q)
	r.body = in
	r.streaming = true
	r.header.Set("Content-Type", "application/octet-stream")
	if _, err := s.c.writeRequest(ctx, r, nil); err != nil {
		return err
	}
	s.c.logInfoCtx(ctx, "client.snapshot.restore")
	return nil
}
