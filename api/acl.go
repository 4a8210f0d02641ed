package api

// ACLLink references a policy or role by ID or name.
type ACLLink struct {
	ID   string `json:"ID,omitempty"`
	Name string `json:"Name,omitempty"`
}

// ACLServiceIdentity grants a token the privileges of a service.
type ACLServiceIdentity struct {
	ServiceName string   `json:"ServiceName"`
	Datacenters []string `json:"Datacenters,omitempty"`
}

// ACLToken is an access token.
type ACLToken struct {
	// CreateIndex and ModifyIndex are set by the server.
	CreateIndex uint64 `json:"CreateIndex,omitempty"`
	ModifyIndex uint64 `json:"ModifyIndex,omitempty"`
	// AccessorID is the public identifier of the token.
	AccessorID string `json:"AccessorID,omitempty"`
	// SecretID is the bearer value sent as X-Consul-Token.
	SecretID          string                `json:"SecretID,omitempty"`
	Description       string                `json:"Description,omitempty"`
	Policies          []*ACLLink            `json:"Policies,omitempty"`
	Roles             []*ACLLink            `json:"Roles,omitempty"`
	ServiceIdentities []*ACLServiceIdentity `json:"ServiceIdentities,omitempty"`
	Local             bool                  `json:"Local,omitempty"`
	AuthMethod        string                `json:"AuthMethod,omitempty"`
	ExpirationTime    string                `json:"ExpirationTime,omitempty"`
	ExpirationTTL     string                `json:"ExpirationTTL,omitempty"`
}
