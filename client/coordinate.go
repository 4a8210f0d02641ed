package client

import (
	"context"

	"pkt.systems/consulkit/api"
)

// Coordinate wraps the /v1/coordinate endpoints.
type Coordinate struct {
	c *Client
}

// Datacenters returns the WAN coordinates of the servers in every datacenter.
func (co *Coordinate) Datacenters(ctx context.Context) ([]*api.CoordinateDatacenterMap, error) {
	var out []*api.CoordinateDatacenterMap
	if _, err := co.c.query(ctx, "/v1/coordinate/datacenters", &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Nodes returns the LAN coordinates of the nodes in the local datacenter.
func (co *Coordinate) Nodes(ctx context.Context, q *QueryOptions) ([]*api.CoordinateEntry, *QueryMeta, error) {
	var out []*api.CoordinateEntry
	qm, err := co.c.query(ctx, "/v1/coordinate/nodes", &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}
