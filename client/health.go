package client

import (
	"context"
	"fmt"
	"net/http"

	"pkt.systems/consulkit/api"
)

// Health wraps the /v1/health endpoints.
type Health struct {
	c *Client
}

// Node returns the checks of one node.
func (h *Health) Node(ctx context.Context, node string, q *QueryOptions) (api.HealthChecks, *QueryMeta, error) {
	var out api.HealthChecks
	qm, err := h.c.query(ctx, "/v1/health/node/"+node, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Checks returns the checks associated with a service.
func (h *Health) Checks(ctx context.Context, service string, q *QueryOptions) (api.HealthChecks, *QueryMeta, error) {
	var out api.HealthChecks
	qm, err := h.c.query(ctx, "/v1/health/checks/"+service, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// Service returns the instances of a service with their node and checks,
// optionally narrowed to a tag and to instances whose checks all pass.
func (h *Health) Service(ctx context.Context, service, tag string, passingOnly bool, q *QueryOptions) ([]*api.ServiceEntry, *QueryMeta, error) {
	r := newRequest(http.MethodGet, "/v1/health/service/"+service)
	r.setQueryOptions(q)
	if tag != "" {
		r.params.Set("tag", tag)
	}
	if passingOnly {
		r.params.Set("passing", "1")
	}
	var out []*api.ServiceEntry
	qm, err := h.c.queryRequest(ctx, r, &out)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}

// State returns every check in the given state; api.HealthAny lists all.
func (h *Health) State(ctx context.Context, state api.HealthState, q *QueryOptions) (api.HealthChecks, *QueryMeta, error) {
	switch state {
	case api.HealthAny, api.HealthPassing, api.HealthWarning, api.HealthCritical:
	default:
		return nil, nil, configError("state", fmt.Errorf("unsupported health state %q", state))
	}
	var out api.HealthChecks
	qm, err := h.c.query(ctx, "/v1/health/state/"+string(state), &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out, qm, nil
}
