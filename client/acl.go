package client

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/consulkit/api"
)

// ACL wraps the /v1/acl token endpoints.
type ACL struct {
	c *Client
}

// TokenCreate creates a token and returns it with its generated IDs.
func (a *ACL) TokenCreate(ctx context.Context, token *api.ACLToken, q *WriteOptions) (*api.ACLToken, *WriteMeta, error) {
	if token == nil {
		return nil, nil, configError("token", errors.New("token required"))
	}
	if token.AccessorID != "" {
		return nil, nil, configError("token", errors.New("AccessorID is assigned by the server"))
	}
	var out api.ACLToken
	wm, err := a.c.write(ctx, http.MethodPut, "/v1/acl/token", token, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// TokenUpdate replaces the token identified by token.AccessorID.
func (a *ACL) TokenUpdate(ctx context.Context, token *api.ACLToken, q *WriteOptions) (*api.ACLToken, *WriteMeta, error) {
	if token == nil || token.AccessorID == "" {
		return nil, nil, configError("token", errors.New("AccessorID required"))
	}
	var out api.ACLToken
	wm, err := a.c.write(ctx, http.MethodPut, "/v1/acl/token/"+token.AccessorID, token, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// TokenClone copies a token under a new accessor.
func (a *ACL) TokenClone(ctx context.Context, accessorID, description string, q *WriteOptions) (*api.ACLToken, *WriteMeta, error) {
	if accessorID == "" {
		return nil, nil, configError("token", errors.New("AccessorID required"))
	}
	body := &api.ACLToken{Description: description}
	var out api.ACLToken
	wm, err := a.c.write(ctx, http.MethodPut, "/v1/acl/token/"+accessorID+"/clone", body, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// TokenDelete removes a token.
func (a *ACL) TokenDelete(ctx context.Context, accessorID string, q *WriteOptions) (*WriteMeta, error) {
	if accessorID == "" {
		return nil, configError("token", errors.New("AccessorID required"))
	}
	return a.c.write(ctx, http.MethodDelete, "/v1/acl/token/"+accessorID, nil, nil, q)
}

// TokenRead reads a token. An unknown accessor yields a nil token.
func (a *ACL) TokenRead(ctx context.Context, accessorID string, q *QueryOptions) (*api.ACLToken, *QueryMeta, error) {
	var out api.ACLToken
	qm, err := a.c.query(ctx, "/v1/acl/token/"+accessorID, &out, q)
	if err != nil {
		if IsNotFound(err) {
			return nil, &QueryMeta{}, nil
		}
		return nil, nil, err
	}
	return &out, qm, nil
}

// TokenReadSelf reads the token the request is made with.
func (a *ACL) TokenReadSelf(ctx context.Context, q *QueryOptions) (*api.ACLToken, *QueryMeta, error) {
	var out api.ACLToken
	qm, err := a.c.query(ctx, "/v1/acl/token/self", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}

// TokenList lists all tokens.
func (a *ACL) TokenList(ctx context.Context, q *QueryOptions) ([]*api.ACLToken, *QueryMeta, error) {
	var out []*api.ACLToken
	qm, err := a.c.query(ctx, "/v1/acl/tokens", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}
