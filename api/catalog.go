package api

// Node is a catalog node.
type Node struct {
	ID         string            `json:"ID,omitempty"`
	Node       string            `json:"Node"`
	Address    string            `json:"Address"`
	Datacenter string            `json:"Datacenter,omitempty"`
	Meta       map[string]string `json:"Meta,omitempty"`
}

// CatalogService is one service instance returned by GET /v1/catalog/service/<name>.
type CatalogService struct {
	Node                     string            `json:"Node"`
	Address                  string            `json:"Address"`
	ServiceID                string            `json:"ServiceID"`
	ServiceName              string            `json:"ServiceName"`
	ServiceAddress           string            `json:"ServiceAddress"`
	ServiceTags              []string          `json:"ServiceTags"`
	ServicePort              int               `json:"ServicePort"`
	ServiceEnableTagOverride bool              `json:"ServiceEnableTagOverride"`
	ServiceMeta              map[string]string `json:"ServiceMeta,omitempty"`
}

// CatalogNode is returned by GET /v1/catalog/node/<name>.
type CatalogNode struct {
	Node     *Node                    `json:"Node"`
	Services map[string]*AgentService `json:"Services"`
}

// CatalogRegistration is the body of PUT /v1/catalog/register.
type CatalogRegistration struct {
	Node       string        `json:"Node"`
	Address    string        `json:"Address"`
	Datacenter string        `json:"Datacenter,omitempty"`
	Service    *AgentService `json:"Service,omitempty"`
	Check      *AgentCheck   `json:"Check,omitempty"`
}

// CatalogDeregistration is the body of PUT /v1/catalog/deregister.
type CatalogDeregistration struct {
	Node       string `json:"Node"`
	Address    string `json:"Address,omitempty"`
	Datacenter string `json:"Datacenter,omitempty"`
	ServiceID  string `json:"ServiceID,omitempty"`
	CheckID    string `json:"CheckID,omitempty"`
}
