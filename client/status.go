package client

import "context"

// Status wraps the /v1/status endpoints.
type Status struct {
	c *Client
}

// Leader returns the address of the current Raft leader, or "" without one.
func (s *Status) Leader(ctx context.Context) (string, error) {
	var leader string
	if _, err := s.c.query(ctx, "/v1/status/leader", &leader, nil); err != nil {
		return "", err
	}
	return leader, nil
}

// Peers returns the Raft peer addresses.
func (s *Status) Peers(ctx context.Context) ([]string, error) {
	var peers []string
	if _, err := s.c.query(ctx, "/v1/status/peers", &peers, nil); err != nil {
		return nil, err
	}
	return peers, nil
}
