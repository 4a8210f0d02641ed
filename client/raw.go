package client

import (
	"context"
	"net/http"
)

// RawQuery issues a GET against any API path and decodes the JSON body into T.
// It is the escape hatch for endpoints without a typed wrapper.
func RawQuery[T any](ctx context.Context, c *Client, path string, q *QueryOptions) (T, *QueryMeta, error) {
	var out T
	qm, err := c.query(ctx, path, &out, q)
	if err != nil {
		var zero T
		return zero, nil, err
	}
	return out, qm, nil
}

// RawWrite PUTs in as JSON to any API path and decodes the response into Out.
func RawWrite[In, Out any](ctx context.Context, c *Client, path string, in In, q *WriteOptions) (Out, *WriteMeta, error) {
	var out Out
	wm, err := c.write(ctx, http.MethodPut, path, in, &out, q)
	if err != nil {
		var zero Out
		return zero, nil, err
	}
	return out, wm, nil
}
