// Package api holds the wire types of the Consul HTTP API used by the client
// and the in-memory test agent. Field names and JSON tags follow the server's
// PascalCase encoding.
package api
