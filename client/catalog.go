package client

import (
	"context"
	"net/http"

	"pkt.systems/consulkit/api"
)

// Catalog wraps the /v1/catalog endpoints.
type Catalog struct {
	c *Client
}

// Register adds or updates a node, service or check in the catalog.
func (cat *Catalog) Register(ctx context.Context, reg *api.CatalogRegistration, q *WriteOptions) (*WriteMeta, error) {
	return cat.c.write(ctx, http.MethodPut, "/v1/catalog/register", reg, nil, q)
}

// Deregister removes a node, service or check from the catalog.
func (cat *Catalog) Deregister(ctx context.Context, dereg *api.CatalogDeregistration, q *WriteOptions) (*WriteMeta, error) {
	return cat.c.write(ctx, http.MethodPut, "/v1/catalog/deregister", dereg, nil, q)
}

// Datacenters lists the known datacenters.
func (cat *Catalog) Datacenters(ctx context.Context) ([]string, error) {
	var out []string
	if _, err := cat.c.query(ctx, "/v1/catalog/datacenters", &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Nodes lists the catalog nodes.
func (cat *Catalog) Nodes(ctx context.Context, q *QueryOptions) ([]*api.Node, *QueryMeta, error) {
	var out []*api.Node
	qm, err := cat.c.query(ctx, "/v1/catalog/nodes", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Services maps each service name to its tags.
func (cat *Catalog) Services(ctx context.Context, q *QueryOptions) (map[string][]string, *QueryMeta, error) {
	var out map[string][]string
	qm, err := cat.c.query(ctx, "/v1/catalog/services", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Service lists the instances of a service, optionally filtered by tag.
func (cat *Catalog) Service(ctx context.Context, service, tag string, q *QueryOptions) ([]*api.CatalogService, *QueryMeta, error) {
	r := newRequest(http.MethodGet, "/v1/catalog/service/"+service)
	r.setQueryOptions(q)
	if tag != "" {
		r.params.Set("tag", tag)
	}
	var out []*api.CatalogService
	qm, err := cat.c.queryRequest(ctx, r, &out)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Node returns a node and the services registered on it. An unknown node
// yields a nil result.
func (cat *Catalog) Node(ctx context.Context, node string, q *QueryOptions) (*api.CatalogNode, *QueryMeta, error) {
	var out *api.CatalogNode
	qm, err := cat.c.query(ctx, "/v1/catalog/node/"+node, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}
