package api

import "strings"

// HealthState is a check status.
type HealthState string

const (
	HealthAny         HealthState = "any"
	HealthPassing     HealthState = "passing"
	HealthWarning     HealthState = "warning"
	HealthCritical    HealthState = "critical"
	HealthMaintenance HealthState = "maintenance"
)

// Check IDs the server uses for maintenance mode.
const (
	NodeMaintCheckID   = "_node_maintenance"
	ServiceMaintPrefix = "_service_maintenance:"
)

// HealthCheck is a single check result.
type HealthCheck struct {
	Node        string      `json:"Node"`
	CheckID     string      `json:"CheckID"`
	Name        string      `json:"Name"`
	Status      HealthState `json:"Status"`
	Notes       string      `json:"Notes"`
	Output      string      `json:"Output"`
	ServiceID   string      `json:"ServiceID"`
	ServiceName string      `json:"ServiceName"`
}

// HealthChecks is a list of checks.
type HealthChecks []*HealthCheck

// AggregatedStatus folds a set of checks into one state. Maintenance wins over
// critical, critical over warning, warning over passing. An empty set is passing.
func (c HealthChecks) AggregatedStatus() HealthState {
	var warning, critical bool
	for _, check := range c {
		if check == nil {
			continue
		}
		if check.CheckID == NodeMaintCheckID || strings.HasPrefix(check.CheckID, ServiceMaintPrefix) {
			return HealthMaintenance
		}
		switch check.Status {
		case HealthCritical:
			critical = true
		case HealthWarning:
			warning = true
		}
	}
	switch {
	case critical:
		return HealthCritical
	case warning:
		return HealthWarning
	default:
		return HealthPassing
	}
}

// ServiceEntry is one instance returned by GET /v1/health/service/<name>.
type ServiceEntry struct {
	Node    *Node         `json:"Node"`
	Service *AgentService `json:"Service"`
	Checks  HealthChecks  `json:"Checks"`
}
