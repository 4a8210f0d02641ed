package api

// QueryDatacenterOptions controls failover to other datacenters.
type QueryDatacenterOptions struct {
	NearestN    int      `json:"NearestN,omitempty"`
	Datacenters []string `json:"Datacenters,omitempty"`
}

// QueryDNSOptions controls DNS answers for a prepared query.
type QueryDNSOptions struct {
	TTL string `json:"TTL,omitempty"`
}

// QueryTemplate turns a prepared query into a template matched by name prefix.
type QueryTemplate struct {
	Type   string `json:"Type,omitempty"`
	Regexp string `json:"Regexp,omitempty"`
}

// ServiceQuery selects the service instances a prepared query returns.
type ServiceQuery struct {
	Service     string                 `json:"Service"`
	Near        string                 `json:"Near,omitempty"`
	Failover    QueryDatacenterOptions `json:"Failover,omitempty"`
	OnlyPassing bool                   `json:"OnlyPassing,omitempty"`
	Tags        []string               `json:"Tags,omitempty"`
	NodeMeta    map[string]string      `json:"NodeMeta,omitempty"`
}

// PreparedQueryDefinition is a stored query.
type PreparedQueryDefinition struct {
	ID       string          `json:"ID,omitempty"`
	Name     string          `json:"Name,omitempty"`
	Session  string          `json:"Session,omitempty"`
	Token    string          `json:"Token,omitempty"`
	Service  ServiceQuery    `json:"Service"`
	DNS      QueryDNSOptions `json:"DNS,omitempty"`
	Template QueryTemplate   `json:"Template,omitempty"`
}

// PreparedQueryExecuteResponse is returned by GET /v1/query/<id>/execute.
type PreparedQueryExecuteResponse struct {
	Service    string          `json:"Service"`
	Nodes      []*ServiceEntry `json:"Nodes"`
	DNS        QueryDNSOptions `json:"DNS"`
	Datacenter string          `json:"Datacenter"`
	Failovers  int             `json:"Failovers"`
}

// PreparedQueryCreateResponse is returned by POST /v1/query.
type PreparedQueryCreateResponse struct {
	ID string `json:"ID"`
}
