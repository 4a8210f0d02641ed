package api

// AgentService is a service registered with the local agent.
type AgentService struct {
	ID                string            `json:"ID"`
	Service           string            `json:"Service"`
	Tags              []string          `json:"Tags,omitempty"`
	Port              int               `json:"Port"`
	Address           string            `json:"Address"`
	EnableTagOverride bool              `json:"EnableTagOverride"`
	Meta              map[string]string `json:"Meta,omitempty"`
}

// AgentServiceCheck is a check definition embedded in a service registration.
// Durations are Go duration strings.
type AgentServiceCheck struct {
	Interval                       string      `json:"Interval,omitempty"`
	Timeout                        string      `json:"Timeout,omitempty"`
	TTL                            string      `json:"TTL,omitempty"`
	HTTP                           string      `json:"HTTP,omitempty"`
	TCP                            string      `json:"TCP,omitempty"`
	Status                         HealthState `json:"Status,omitempty"`
	TLSSkipVerify                  bool        `json:"TLSSkipVerify,omitempty"`
	DeregisterCriticalServiceAfter string      `json:"DeregisterCriticalServiceAfter,omitempty"`
}

// AgentServiceRegistration is the body of PUT /v1/agent/service/register.
type AgentServiceRegistration struct {
	ID                string               `json:"ID,omitempty"`
	Name              string               `json:"Name,omitempty"`
	Tags              []string             `json:"Tags,omitempty"`
	Port              int                  `json:"Port,omitempty"`
	Address           string               `json:"Address,omitempty"`
	EnableTagOverride bool                 `json:"EnableTagOverride,omitempty"`
	Check             *AgentServiceCheck   `json:"Check,omitempty"`
	Checks            []*AgentServiceCheck `json:"Checks,omitempty"`
	Meta              map[string]string    `json:"Meta,omitempty"`
}

// AgentCheck is a check known to the local agent.
type AgentCheck struct {
	Node        string      `json:"Node"`
	CheckID     string      `json:"CheckID"`
	Name        string      `json:"Name"`
	Status      HealthState `json:"Status"`
	Notes       string      `json:"Notes"`
	Output      string      `json:"Output"`
	ServiceID   string      `json:"ServiceID"`
	ServiceName string      `json:"ServiceName"`
}

// AgentCheckRegistration is the body of PUT /v1/agent/check/register.
type AgentCheckRegistration struct {
	ID        string `json:"ID,omitempty"`
	Name      string `json:"Name,omitempty"`
	Notes     string `json:"Notes,omitempty"`
	ServiceID string `json:"ServiceID,omitempty"`
	AgentServiceCheck
}

// AgentMember is a gossip pool member reported by GET /v1/agent/members.
type AgentMember struct {
	Name   string            `json:"Name"`
	Addr   string            `json:"Addr"`
	Port   uint16            `json:"Port"`
	Tags   map[string]string `json:"Tags"`
	Status int               `json:"Status"`
}

// TTLStatus is the status reported for a TTL check via PUT /v1/agent/check/update.
type TTLStatus string

const (
	TTLPass TTLStatus = "passing"
	TTLWarn TTLStatus = "warning"
	TTLFail TTLStatus = "critical"
)

// CheckUpdate is the body of PUT /v1/agent/check/update/<id>.
type CheckUpdate struct {
	Status TTLStatus `json:"Status"`
	Output string    `json:"Output,omitempty"`
}
