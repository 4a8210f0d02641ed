package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/consulkit/api"
)

// KV wraps the /v1/kv and /v1/txn endpoints.
type KV struct {
	c *Client
}

func validateKey(key string, allowEmpty bool) error {
	if key == "" && !allowEmpty {
		return configError("key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return configError("key", fmt.Errorf("%w: %q must not begin with a slash", ErrInvalidKey, key))
	}
	return nil
}

// Get reads a single key. A missing key returns a nil pair and a nil error;
// the QueryMeta is still populated so the caller can block on the next change.
func (k *KV) Get(ctx context.Context, key string, q *QueryOptions) (*api.KVPair, *QueryMeta, error) {
	if err := validateKey(key, false); err != nil {
		return nil, nil, err
	}
	pairs, qm, err := k.getInternal(ctx, key, nil, q)
	if err != nil || len(pairs) == 0 {
		return nil, qm, err
	}
	return pairs[0], qm, nil
}

// List reads every key under prefix.
func (k *KV) List(ctx context.Context, prefix string, q *QueryOptions) (api.KVPairs, *QueryMeta, error) {
	if err := validateKey(prefix, true); err != nil {
		return nil, nil, err
	}
	return k.getInternal(ctx, prefix, map[string]string{"recurse": ""}, q)
}

// Keys lists key names under prefix, folding at separator when non-empty.
func (k *KV) Keys(ctx context.Context, prefix, separator string, q *QueryOptions) ([]string, *QueryMeta, error) {
	if err := validateKey(prefix, true); err != nil {
		return nil, nil, err
	}
	r := newRequest(http.MethodGet, "/v1/kv/"+prefix)
	r.setQueryOptions(q)
	r.params.Set("keys", "")
	if separator != "" {
		r.params.Set("separator", separator)
	}
	var keys []string
	qm, err := k.readAllowMissing(ctx, r, &keys)
	return keys, qm, err
}

func (k *KV) getInternal(ctx context.Context, key string, params map[string]string, q *QueryOptions) (api.KVPairs, *QueryMeta, error) {
	r := newRequest(http.MethodGet, "/v1/kv/"+key)
	r.setQueryOptions(q)
	for name, value := range params {
		r.params.Set(name, value)
	}
	var pairs api.KVPairs
	qm, err := k.readAllowMissing(ctx, r, &pairs)
	return pairs, qm, err
}

func (k *KV) readAllowMissing(ctx context.Context, r *request, out any) (*QueryMeta, error) {
	rtt, resp, err := k.c.doRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	qm := &QueryMeta{RequestTime: rtt}
	if resp.StatusCode == http.StatusNotFound {
		defer resp.Body.Close()
		if err := parseQueryMeta(resp, qm); err != nil {
			return nil, err
		}
		return qm, nil
	}
	if err := requireOK(r.method, r.path, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := parseQueryMeta(resp, qm); err != nil {
		return nil, err
	}
	if err := decodeBody(resp, out); err != nil {
		return nil, err
	}
	return qm, nil
}

// Put writes p.Value under p.Key unconditionally.
func (k *KV) Put(ctx context.Context, p *api.KVPair, q *WriteOptions) (*WriteMeta, error) {
	_, wm, err := k.put(ctx, p, nil, q)
	return wm, err
}

// CAS writes p only if the stored ModifyIndex equals p.ModifyIndex. Index
// zero means create-if-absent.
func (k *KV) CAS(ctx context.Context, p *api.KVPair, q *WriteOptions) (bool, *WriteMeta, error) {
	return k.put(ctx, p, map[string]string{"cas": strconv.FormatUint(p.ModifyIndex, 10)}, q)
}

// Acquire writes p and takes the key for p.Session if no other session holds it.
func (k *KV) Acquire(ctx context.Context, p *api.KVPair, q *WriteOptions) (bool, *WriteMeta, error) {
	if p.Session == "" {
		return false, nil, configError("session", fmt.Errorf("acquire of %q requires a session", p.Key))
	}
	return k.put(ctx, p, map[string]string{"acquire": p.Session}, q)
}

// Release writes p and lets go of the key if it is held by p.Session.
func (k *KV) Release(ctx context.Context, p *api.KVPair, q *WriteOptions) (bool, *WriteMeta, error) {
	if p.Session == "" {
		return false, nil, configError("session", fmt.Errorf("release of %q requires a session", p.Key))
	}
	return k.put(ctx, p, map[string]string{"release": p.Session}, q)
}

func (k *KV) put(ctx context.Context, p *api.KVPair, params map[string]string, q *WriteOptions) (bool, *WriteMeta, error) {
	if p == nil {
		return false, nil, configError("pair", fmt.Errorf("nil pair"))
	}
	if err := validateKey(p.Key, false); err != nil {
		return false, nil, err
	}
	r := newRequest(http.MethodPut, "/v1/kv/"+p.Key)
	r.setWriteOptions(q)
	for name, value := range params {
		r.params.Set(name, value)
	}
	if p.Flags != 0 {
		r.params.Set("flags", strconv.FormatUint(p.Flags, 10))
	}
	r.body = bytes.NewReader(p.Value)
	r.header.Set("Content-Type", "application/octet-stream")
	var ok bool
	wm, err := k.c.writeRequest(ctx, r, &ok)
	if err != nil {
		return false, nil, err
	}
	return ok, wm, nil
}

// Delete removes a single key.
func (k *KV) Delete(ctx context.Context, key string, q *WriteOptions) (*WriteMeta, error) {
	_, wm, err := k.deleteInternal(ctx, key, nil, q)
	return wm, err
}

// DeleteCAS removes p.Key only if its ModifyIndex still equals p.ModifyIndex.
func (k *KV) DeleteCAS(ctx context.Context, p *api.KVPair, q *WriteOptions) (bool, *WriteMeta, error) {
	if p == nil {
		return false, nil, configError("pair", fmt.Errorf("nil pair"))
	}
	return k.deleteInternal(ctx, p.Key, map[string]string{"cas": strconv.FormatUint(p.ModifyIndex, 10)}, q)
}

// DeleteTree removes every key under prefix.
func (k *KV) DeleteTree(ctx context.Context, prefix string, q *WriteOptions) (*WriteMeta, error) {
	_, wm, err := k.deleteInternal(ctx, prefix, map[string]string{"recurse": ""}, q)
	return wm, err
}

func (k *KV) deleteInternal(ctx context.Context, key string, params map[string]string, q *WriteOptions) (bool, *WriteMeta, error) {
	if err := validateKey(key, params != nil && hasParam(params, "recurse")); err != nil {
		return false, nil, err
	}
	r := newRequest(http.MethodDelete, "/v1/kv/"+key)
	r.setWriteOptions(q)
	for name, value := range params {
		r.params.Set(name, value)
	}
	var ok bool
	wm, err := k.c.writeRequest(ctx, r, &ok)
	if err != nil {
		return false, nil, err
	}
	return ok, wm, nil
}

func hasParam(params map[string]string, name string) bool {
	_, ok := params[name]
	return ok
}

// Txn submits ops atomically. It reports ok=false with the per-operation
// errors in the response when the server rolled the transaction back.
func (k *KV) Txn(ctx context.Context, ops api.TxnOps, q *QueryOptions) (bool, *api.TxnResponse, *QueryMeta, error) {
	r := newRequest(http.MethodPut, "/v1/txn")
	r.setQueryOptions(q)
	r.blocking = false
	r.params.Del("index")
	r.obj = ops
	rtt, resp, err := k.c.doRequest(ctx, r)
	if err != nil {
		return false, nil, nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return false, nil, nil, decodeError(r.method, r.path, resp)
	}
	defer resp.Body.Close()
	qm := &QueryMeta{RequestTime: rtt}
	if err := parseQueryMeta(resp, qm); err != nil {
		return false, nil, nil, err
	}
	var txnResp api.TxnResponse
	if err := decodeBody(resp, &txnResp); err != nil {
		return false, nil, nil, err
	}
	return resp.StatusCode == http.StatusOK, &txnResp, qm, nil
}
