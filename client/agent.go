package client

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/consulkit/api"
)

// Agent wraps the /v1/agent endpoints of the agent the client talks to.
type Agent struct {
	c *Client
}

// Self returns the agent's configuration and member information.
func (a *Agent) Self(ctx context.Context) (map[string]map[string]any, error) {
	var out map[string]map[string]any
	if _, err := a.c.query(ctx, "/v1/agent/self", &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// NodeName returns the agent's node name from Self.
func (a *Agent) NodeName(ctx context.Context) (string, error) {
	info, err := a.Self(ctx)
	if err != nil {
		return "", err
	}
	name, _ := info["Config"]["NodeName"].(string)
	return name, nil
}

// Members lists the gossip pool members, the WAN pool when wan is set.
func (a *Agent) Members(ctx context.Context, wan bool) ([]*api.AgentMember, error) {
	r := newRequest(http.MethodGet, "/v1/agent/members")
	if wan {
		r.params.Set("wan", "1")
	}
	var out []*api.AgentMember
	if _, err := a.c.queryRequest(ctx, r, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Services returns the services registered with the agent.
func (a *Agent) Services(ctx context.Context) (map[string]*api.AgentService, error) {
	var out map[string]*api.AgentService
	if _, err := a.c.query(ctx, "/v1/agent/services", &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Checks returns the checks registered with the agent.
func (a *Agent) Checks(ctx context.Context) (map[string]*api.AgentCheck, error) {
	var out map[string]*api.AgentCheck
	if _, err := a.c.query(ctx, "/v1/agent/checks", &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// ServiceRegister registers a service with the agent.
func (a *Agent) ServiceRegister(ctx context.Context, reg *api.AgentServiceRegistration) error {
	if reg == nil || reg.Name == "" {
		return configError("service", errors.New("service name required"))
	}
	_, err := a.c.write(ctx, http.MethodPut, "/v1/agent/service/register", reg, nil, nil)
	return err
}

// ServiceDeregister removes a service from the agent.
func (a *Agent) ServiceDeregister(ctx context.Context, serviceID string) error {
	_, err := a.c.write(ctx, http.MethodPut, "/v1/agent/service/deregister/"+serviceID, nil, nil, nil)
	return err
}

// CheckRegister registers a check with the agent.
func (a *Agent) CheckRegister(ctx context.Context, reg *api.AgentCheckRegistration) error {
	if reg == nil || reg.Name == "" {
		return configError("check", errors.New("check name required"))
	}
	_, err := a.c.write(ctx, http.MethodPut, "/v1/agent/check/register", reg, nil, nil)
	return err
}

// CheckDeregister removes a check from the agent.
func (a *Agent) CheckDeregister(ctx context.Context, checkID string) error {
	_, err := a.c.write(ctx, http.MethodPut, "/v1/agent/check/deregister/"+checkID, nil, nil, nil)
	return err
}

// PassTTL marks a TTL check as passing.
func (a *Agent) PassTTL(ctx context.Context, checkID, note string) error {
	return a.UpdateTTL(ctx, checkID, note, api.TTLPass)
}

// WarnTTL marks a TTL check as warning.
func (a *Agent) WarnTTL(ctx context.Context, checkID, note string) error {
	return a.UpdateTTL(ctx, checkID, note, api.TTLWarn)
}

// FailTTL marks a TTL check as critical.
func (a *Agent) FailTTL(ctx context.Context, checkID, note string) error {
	return a.UpdateTTL(ctx, checkID, note, api.TTLFail)
}

// UpdateTTL sets the status and output of a TTL check.
func (a *Agent) UpdateTTL(ctx context.Context, checkID, output string, status api.TTLStatus) error {
	body := &api.CheckUpdate{Status: status, Output: output}
	_, err := a.c.write(ctx, http.MethodPut, "/v1/agent/check/update/"+checkID, body, nil, nil)
	return err
}

// EnableServiceMaintenance puts a service into maintenance mode.
func (a *Agent) EnableServiceMaintenance(ctx context.Context, serviceID, reason string) error {
	return a.maintenance(ctx, "/v1/agent/service/maintenance/"+serviceID, true, reason)
}

// DisableServiceMaintenance takes a service out of maintenance mode.
func (a *Agent) DisableServiceMaintenance(ctx context.Context, serviceID string) error {
	return a.maintenance(ctx, "/v1/agent/service/maintenance/"+serviceID, false, "")
}

// EnableNodeMaintenance puts the agent's node into maintenance mode.
func (a *Agent) EnableNodeMaintenance(ctx context.Context, reason string) error {
	return a.maintenance(ctx, "/v1/agent/maintenance", true, reason)
}

// DisableNodeMaintenance takes the agent's node out of maintenance mode.
func (a *Agent) DisableNodeMaintenance(ctx context.Context) error {
	return a.maintenance(ctx, "/v1/agent/maintenance", false, "")
}

func (a *Agent) maintenance(ctx context.Context, path string, enable bool, reason string) error {
	r := newRequest(http.MethodPut, path)
	if enable {
		r.params.Set("enable", "true")
	} else {
		r.params.Set("enable", "false")
	}
	if reason != "" {
		r.params.Set("reason", reason)
	}
	_, err := a.c.writeRequest(ctx, r, nil)
	return err
}

// Join asks the agent to join the node at addr, over the WAN when wan is set.
func (a *Agent) Join(ctx context.Context, addr string, wan bool) error {
	r := newRequest(http.MethodPut, "/v1/agent/join/"+addr)
	if wan {
		r.params.Set("wan", "1")
	}
	_, err := a.c.writeRequest(ctx, r, nil)
	return err
}

// ForceLeave moves a failed node to the left state.
func (a *Agent) ForceLeave(ctx context.Context, node string) error {
	_, err := a.c.write(ctx, http.MethodPut, "/v1/agent/force-leave/"+node, nil, nil, nil)
	return err
}
