package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pkt.systems/consulkit/internal/version"
)

const (
	headerToken       = "X-Consul-Token"
	headerIndex       = "X-Consul-Index"
	headerLastContact = "X-Consul-Lastcontact"
	headerKnownLeader = "X-Consul-Knownleader"
)

// QueryOptions tunes read requests.
type QueryOptions struct {
	// Datacenter overrides the client's default datacenter.
	Datacenter string
	// Token overrides the client's default token.
	Token string
	// AllowStale lets any server answer, trading consistency for latency.
	AllowStale bool
	// RequireConsistent forces a leader round-trip.
	RequireConsistent bool
	// WaitIndex turns the read into a blocking query that returns once the
	// index moves past this value or WaitTime elapses.
	WaitIndex uint64
	// WaitTime bounds a blocking query. Zero uses the client default.
	WaitTime time.Duration
	// Near sorts results by round-trip time from the named node.
	Near string
	// NodeMeta filters results by node metadata.
	NodeMeta map[string]string
}

// WriteOptions tunes write requests.
type WriteOptions struct {
	Datacenter string
	Token      string
}

// QueryMeta describes the server state that answered a read.
type QueryMeta struct {
	// LastIndex is the X-Consul-Index of the response; feed it back as WaitIndex.
	LastIndex uint64
	// LastContact is how long ago the answering server heard from the leader.
	LastContact time.Duration
	// KnownLeader reports whether the cluster had a leader.
	KnownLeader bool
	// RequestTime is the wall time the request took.
	RequestTime time.Duration
}

// WriteMeta describes a completed write.
type WriteMeta struct {
	RequestTime time.Duration
}

type request struct {
	method    string
	path      string
	params    url.Values
	header    http.Header
	body      io.Reader
	obj       any
	blocking  bool
	streaming bool
	waitTime  time.Duration
	token     string
	dc        string
}

func newRequest(method, path string) *request {
	return &request{
		method: method,
		path:   path,
		params: make(url.Values),
		header: make(http.Header),
	}
}

func (r *request) setQueryOptions(q *QueryOptions) {
	if q == nil {
		return
	}
	if q.Datacenter != "" {
		r.dc = q.Datacenter
	}
	if q.Token != "" {
		r.token = q.Token
	}
	if q.AllowStale {
		r.params.Set("stale", "")
	}
	if q.RequireConsistent {
		r.params.Set("consistent", "")
	}
	if q.WaitIndex != 0 {
		r.params.Set("index", strconv.FormatUint(q.WaitIndex, 10))
		r.blocking = true
		r.waitTime = q.WaitTime
	}
	if q.Near != "" {
		r.params.Set("near", q.Near)
	}
	for k, v := range q.NodeMeta {
		r.params.Add("node-meta", k+":"+v)
	}
}

func (r *request) setWriteOptions(q *WriteOptions) {
	if q == nil {
		return
	}
	if q.Datacenter != "" {
		r.dc = q.Datacenter
	}
	if q.Token != "" {
		r.token = q.Token
	}
}

// durToMsec renders a wait time the way the server parses it.
func durToMsec(d time.Duration) string {
	ms := d / time.Millisecond
	if d > 0 && ms == 0 {
		ms = 1
	}
	return fmt.Sprintf("%dms", ms)
}

// doRequest sends r and returns the raw response. The caller owns resp.Body,
// closing it also releases the request timeout.
func (c *Client) doRequest(ctx context.Context, r *request) (time.Duration, *http.Response, error) {
	if c.closed.Load() {
		return 0, nil, ErrClientClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, ep, httpClient := c.snapshot()

	if r.dc == "" {
		r.dc = cfg.Datacenter
	}
	if r.dc != "" {
		r.params.Set("dc", r.dc)
	}
	if r.token == "" {
		r.token = cfg.Token
	}
	if r.blocking {
		wait := r.waitTime
		if wait <= 0 {
			wait = cfg.WaitTime
		}
		if wait > 0 {
			r.params.Set("wait", durToMsec(wait))
		}
	}

	var body io.Reader = r.body
	if r.obj != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(r.obj); err != nil {
			return 0, nil, fmt.Errorf("consul: encode %s body: %w", r.path, err)
		}
		body = buf
		r.header.Set("Content-Type", "application/json")
	}

	target := *ep.base
	target.Path = ep.base.Path + r.path
	target.RawQuery = r.params.Encode()

	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if !r.blocking && !r.streaming && c.httpTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.httpTimeout)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, target.String(), body)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	for k, vals := range r.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if r.token != "" {
		req.Header.Set(headerToken, r.token)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	applyCorrelationHeader(ctx, req)

	start := time.Now()
	c.logTraceCtx(ctx, "client.http.attempt", "method", r.method, "path", r.path, "blocking", r.blocking)
	resp, err := httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return elapsed, nil, ctxErr
		}
		c.logDebugCtx(ctx, "client.http.error", "method", r.method, "path", r.path, "error", err, "duration", elapsed)
		return elapsed, nil, fmt.Errorf("consul: %s %s: %w", r.method, r.path, err)
	}
	c.logTraceCtx(ctx, "client.http.success", "method", r.method, "path", r.path, "status", resp.StatusCode, "duration", elapsed)
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return elapsed, resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// requireOK turns a non-2xx response into an *APIError, consuming and closing
// the body in that case.
func requireOK(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return decodeError(method, path, resp)
}

func decodeError(method, path string, resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("consul: read %s error body: %w", path, err)
	}
	return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: data}
}

func decodeBody(resp *http.Response, out any) error {
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("consul: decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}

func parseQueryMeta(resp *http.Response, q *QueryMeta) error {
	header := resp.Header
	if raw := header.Get(headerIndex); raw != "" {
		index, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("consul: parse %s: %w", headerIndex, err)
		}
		q.LastIndex = index
	}
	if raw := header.Get(headerLastContact); raw != "" {
		ms, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("consul: parse %s: %w", headerLastContact, err)
		}
		q.LastContact = time.Duration(ms) * time.Millisecond
	}
	q.KnownLeader = header.Get(headerKnownLeader) == "true"
	return nil
}

// query performs a GET and decodes the JSON body into out. A 404 is
// reported as an *APIError; callers that treat absence as a value check
// IsNotFound.
func (c *Client) query(ctx context.Context, path string, out any, q *QueryOptions) (*QueryMeta, error) {
	r := newRequest(http.MethodGet, path)
	r.setQueryOptions(q)
	return c.queryRequest(ctx, r, out)
}

func (c *Client) queryRequest(ctx context.Context, r *request, out any) (*QueryMeta, error) {
	rtt, resp, err := c.doRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := requireOK(r.method, r.path, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	qm := &QueryMeta{RequestTime: rtt}
	if err := parseQueryMeta(resp, qm); err != nil {
		return nil, err
	}
	if err := decodeBody(resp, out); err != nil {
		return nil, err
	}
	return qm, nil
}

// write performs a PUT/POST/DELETE with an optional JSON body and decodes
// the JSON response into out when non-nil.
func (c *Client) write(ctx context.Context, method, path string, in, out any, q *WriteOptions) (*WriteMeta, error) {
	r := newRequest(method, path)
	r.setWriteOptions(q)
	r.obj = in
	return c.writeRequest(ctx, r, out)
}

func (c *Client) writeRequest(ctx context.Context, r *request, out any) (*WriteMeta, error) {
	rtt, resp, err := c.doRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := requireOK(r.method, r.path, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := decodeBody(resp, out); err != nil {
		return nil, err
	}
	return &WriteMeta{RequestTime: rtt}, nil
}
