package client

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/consulkit/api"
)

// PreparedQuery wraps the /v1/query endpoints.
type PreparedQuery struct {
	c *Client
}

// Create stores a new prepared query and returns its ID.
func (p *PreparedQuery) Create(ctx context.Context, def *api.PreparedQueryDefinition, q *WriteOptions) (string, *WriteMeta, error) {
	if def == nil {
		return "", nil, configError("query", errors.New("definition required"))
	}
	var out api.PreparedQueryCreateResponse
	wm, err := p.c.write(ctx, http.MethodPost, "/v1/query", def, &out, q)
	if err != nil {
		return "", nil, err
	}
	return out.ID, wm, nil
}

// Update replaces the prepared query identified by def.ID.
func (p *PreparedQuery) Update(ctx context.Context, def *api.PreparedQueryDefinition, q *WriteOptions) (*WriteMeta, error) {
	if def == nil || def.ID == "" {
		return nil, configError("query", errors.New("query ID required"))
	}
	return p.c.write(ctx, http.MethodPut, "/v1/query/"+def.ID, def, nil, q)
}

// List returns every prepared query.
func (p *PreparedQuery) List(ctx context.Context, q *QueryOptions) ([]*api.PreparedQueryDefinition, *QueryMeta, error) {
	var out []*api.PreparedQueryDefinition
	qm, err := p.c.query(ctx, "/v1/query", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Get reads one prepared query.
func (p *PreparedQuery) Get(ctx context.Context, id string, q *QueryOptions) ([]*api.PreparedQueryDefinition, *QueryMeta, error) {
	var out []*api.PreparedQueryDefinition
	qm, err := p.c.query(ctx, "/v1/query/"+id, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Delete removes a prepared query.
func (p *PreparedQuery) Delete(ctx context.Context, id string, q *WriteOptions) (*WriteMeta, error) {
	return p.c.write(ctx, http.MethodDelete, "/v1/query/"+id, nil, nil, q)
}

// Execute runs a prepared query by ID or name.
func (p *PreparedQuery) Execute(ctx context.Context, idOrName string, q *QueryOptions) (*api.PreparedQueryExecuteResponse, *QueryMeta, error) {
	var out api.PreparedQueryExecuteResponse
	qm, err := p.c.query(ctx, "/v1/query/"+idOrName+"/execute", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}
