package client

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/consulkit/api"
)

// Operator wraps the /v1/operator endpoints.
type Operator struct {
	c *Client
}

// RaftGetConfiguration returns the current Raft peer set.
func (o *Operator) RaftGetConfiguration(ctx context.Context, q *QueryOptions) (*api.RaftConfiguration, error) {
	var out api.RaftConfiguration
	if _, err := o.c.query(ctx, "/v1/operator/raft/configuration", &out, q); err != nil {
		return nil, err
	}
	return &out, nil
}

// RaftRemovePeerByAddress removes a stale server from the Raft peer set.
func (o *Operator) RaftRemovePeerByAddress(ctx context.Context, address string, q *WriteOptions) error {
	if address == "" {
		return configError("address", errors.New("peer address required"))
	}
	r := newRequest(http.MethodDelete, "/v1/operator/raft/peer")
	r.setWriteOptions(q)
	r.params.Set("address", address)
	_, err := o.c.writeRequest(ctx, r, nil)
	return err
}

// KeyringInstall adds a gossip encryption key to every pool.
func (o *Operator) KeyringInstall(ctx context.Context, key string, q *WriteOptions) error {
	_, err := o.c.write(ctx, http.MethodPost, "/v1/operator/keyring", &api.KeyringRequest{Key: key}, nil, q)
	return err
}

// KeyringList returns the installed keys per pool.
func (o *Operator) KeyringList(ctx context.Context, q *QueryOptions) ([]*api.KeyringResponse, error) {
	var out []*api.KeyringResponse
	if _, err := o.c.query(ctx, "/v1/operator/keyring", &out, q); err != nil {
		return nil, err
	}
	return out, nil
}

// KeyringRemove deletes a gossip encryption key.
func (o *Operator) KeyringRemove(ctx context.Context, key string, q *WriteOptions) error {
	_, err := o.c.write(ctx, http.MethodDelete, "/v1/operator/keyring", &api.KeyringRequest{Key: key}, nil, q)
	return err
}

// KeyringUse makes key the primary gossip encryption key.
func (o *Operator) KeyringUse(ctx context.Context, key string, q *WriteOptions) error {
	_, err := o.c.write(ctx, http.MethodPut, "/v1/operator/keyring", &api.KeyringRequest{Key: key}, nil, q)
	return err
}
