package consultest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/consulkit/api"
)

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	rest := tail(r.URL.Path, "/v1/agent/")
	switch {
	case rest == "self" && r.Method == http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]map[string]any{
			"Config": {"NodeName": DefaultNode, "Datacenter": DefaultDatacenter},
			"Member": {"Name": DefaultNode, "Addr": "127.0.0.1", "Status": 1},
		})
	case rest == "members" && r.Method == http.MethodGet:
		s.writeJSON(w, http.StatusOK, []*api.AgentMember{{
			Name:   DefaultNode,
			Addr:   "127.0.0.1",
			Port:   8301,
			Status: 1,
			Tags:   map[string]string{"dc": DefaultDatacenter, "role": "consul"},
		}})
	case rest == "services" && r.Method == http.MethodGet:
		s.mu.Lock()
		out := make(map[string]*api.AgentService, len(s.services))
		for id, svc := range s.services {
			cp := *svc
			out[id] = &cp
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	case rest == "checks" && r.Method == http.MethodGet:
		s.mu.Lock()
		out := make(map[string]*api.AgentCheck, len(s.checks))
		for id, chk := range s.checks {
			cp := *chk
			out[id] = &cp
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	case rest == "service/register" && r.Method == http.MethodPut:
		var reg api.AgentServiceRegistration
		if err := decodeJSON(r, &reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.registerService(&reg)
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(rest, "service/deregister/") && r.Method == http.MethodPut:
		id := tail(rest, "service/deregister/")
		s.mu.Lock()
		_, ok := s.services[id]
		delete(s.services, id)
		for checkID, chk := range s.checks {
			if chk.ServiceID == id {
				delete(s.checks, checkID)
			}
		}
		s.bumpLocked()
		s.mu.Unlock()
		if !ok {
			http.Error(w, "Unknown service ID \""+id+"\"", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case rest == "check/register" && r.Method == http.MethodPut:
		var reg api.AgentCheckRegistration
		if err := decodeJSON(r, &reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := reg.ID
		if id == "" {
			id = reg.Name
		}
		status := reg.Status
		if status == "" {
			status = api.HealthCritical
		}
		s.mu.Lock()
		s.checks[id] = &api.AgentCheck{
			Node:      DefaultNode,
			CheckID:   id,
			Name:      reg.Name,
			Status:    status,
			Notes:     reg.Notes,
			ServiceID: reg.ServiceID,
		}
		if svc, ok := s.services[reg.ServiceID]; ok {
			s.checks[id].ServiceName = svc.Service
		}
		s.bumpLocked()
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(rest, "check/deregister/") && r.Method == http.MethodPut:
		id := tail(rest, "check/deregister/")
		s.mu.Lock()
		delete(s.checks, id)
		s.bumpLocked()
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(rest, "check/update/") && r.Method == http.MethodPut:
		id := tail(rest, "check/update/")
		var upd api.CheckUpdate
		if err := decodeJSON(r, &upd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		chk, ok := s.checks[id]
		if ok {
			chk.Status = api.HealthState(upd.Status)
			chk.Output = upd.Output
			s.bumpLocked()
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, "Unknown check ID \""+id+"\"", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(rest, "service/maintenance/") && r.Method == http.MethodPut:
		id := tail(rest, "service/maintenance/")
		s.mu.Lock()
		svc, ok := s.services[id]
		if ok {
			s.setMaintenanceLocked(api.ServiceMaintPrefix+id, svc.ID, svc.Service, r.URL.Query().Get("enable") == "true", r.URL.Query().Get("reason"))
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, "Unknown service ID \""+id+"\"", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case rest == "maintenance" && r.Method == http.MethodPut:
		s.mu.Lock()
		s.setMaintenanceLocked(api.NodeMaintCheckID, "", "", r.URL.Query().Get("enable") == "true", r.URL.Query().Get("reason"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(rest, "join/") && r.Method == http.MethodPut,
		strings.HasPrefix(rest, "force-leave/") && r.Method == http.MethodPut:
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) registerService(reg *api.AgentServiceRegistration) {
	id := reg.ID
	if id == "" {
		id = reg.Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[id] = &api.AgentService{
		ID:                id,
		Service:           reg.Name,
		Tags:              append([]string(nil), reg.Tags...),
		Port:              reg.Port,
		Address:           reg.Address,
		EnableTagOverride: reg.EnableTagOverride,
		Meta:              reg.Meta,
	}
	checks := reg.Checks
	if reg.Check != nil {
		checks = append([]*api.AgentServiceCheck{reg.Check}, checks...)
	}
	for i, chk := range checks {
		checkID := "service:" + id
		if len(checks) > 1 {
			checkID = checkID + ":" + strconv.Itoa(i+1)
		}
		status := chk.Status
		if status == "" {
			status = api.HealthCritical
		}
		s.checks[checkID] = &api.AgentCheck{
			Node:        DefaultNode,
			CheckID:     checkID,
			Name:        "Service '" + reg.Name + "' check",
			Status:      status,
			ServiceID:   id,
			ServiceName: reg.Name,
		}
	}
	s.bumpLocked()
}

func (s *Server) setMaintenanceLocked(checkID, serviceID, serviceName string, enable bool, reason string) {
	if !enable {
		delete(s.checks, checkID)
		s.bumpLocked()
		return
	}
	if reason == "" {
		reason = "Maintenance mode is enabled for this node, but no reason was provided."
	}
	s.checks[checkID] = &api.AgentCheck{
		Node:        DefaultNode,
		CheckID:     checkID,
		Name:        "Maintenance Mode",
		Status:      api.HealthCritical,
		Notes:       reason,
		ServiceID:   serviceID,
		ServiceName: serviceName,
	}
	s.bumpLocked()
}

func (s *Server) healthChecksLocked(match func(*api.AgentCheck) bool) api.HealthChecks {
	out := api.HealthChecks{}
	for _, chk := range s.checks {
		if !match(chk) {
			continue
		}
		out = append(out, &api.HealthCheck{
			Node:        chk.Node,
			CheckID:     chk.CheckID,
			Name:        chk.Name,
			Status:      chk.Status,
			Notes:       chk.Notes,
			Output:      chk.Output,
			ServiceID:   chk.ServiceID,
			ServiceName: chk.ServiceName,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckID < out[j].CheckID })
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.waitForIndex(r)
	rest := tail(r.URL.Path, "/v1/health/")
	kind, arg, _ := strings.Cut(rest, "/")
	s.mu.Lock()
	switch kind {
	case "node":
		out := s.healthChecksLocked(func(c *api.AgentCheck) bool { return c.Node == arg })
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	case "checks":
		out := s.healthChecksLocked(func(c *api.AgentCheck) bool { return c.ServiceName == arg })
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	case "state":
		out := s.healthChecksLocked(func(c *api.AgentCheck) bool {
			return arg == string(api.HealthAny) || string(c.Status) == arg
		})
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	case "service":
		out := s.serviceEntriesLocked(arg, r.URL.Query().Get("tag"), r.URL.Query().Has("passing"))
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	default:
		s.mu.Unlock()
		http.NotFound(w, r)
	}
}

func (s *Server) serviceEntriesLocked(name, tag string, passingOnly bool) []*api.ServiceEntry {
	out := []*api.ServiceEntry{}
	for _, svc := range s.services {
		if svc.Service != name || (tag != "" && !hasTag(svc.Tags, tag)) {
			continue
		}
		checks := s.healthChecksLocked(func(c *api.AgentCheck) bool {
			return c.ServiceID == svc.ID || (c.ServiceID == "" && c.Node == DefaultNode)
		})
		if passingOnly && checks.AggregatedStatus() != api.HealthPassing {
			continue
		}
		cp := *svc
		out = append(out, &api.ServiceEntry{
			Node:    &api.Node{Node: DefaultNode, Address: "127.0.0.1", Datacenter: DefaultDatacenter},
			Service: &cp,
			Checks:  checks,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service.ID < out[j].Service.ID })
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	rest := tail(r.URL.Path, "/v1/catalog/")
	kind, arg, _ := strings.Cut(rest, "/")
	switch {
	case kind == "register" && r.Method == http.MethodPut:
		var reg api.CatalogRegistration
		if err := decodeJSON(r, &reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if reg.Service != nil {
			s.registerService(&api.AgentServiceRegistration{
				ID:      reg.Service.ID,
				Name:    reg.Service.Service,
				Tags:    reg.Service.Tags,
				Port:    reg.Service.Port,
				Address: reg.Service.Address,
				Meta:    reg.Service.Meta,
			})
		}
		s.writeJSON(w, http.StatusOK, true)
	case kind == "deregister" && r.Method == http.MethodPut:
		var dereg api.CatalogDeregistration
		if err := decodeJSON(r, &dereg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		if dereg.ServiceID != "" {
			delete(s.services, dereg.ServiceID)
		}
		if dereg.CheckID != "" {
			delete(s.checks, dereg.CheckID)
		}
		s.bumpLocked()
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, true)
	case kind == "datacenters" && r.Method == http.MethodGet:
		s.writeJSON(w, http.StatusOK, []string{DefaultDatacenter})
	case kind == "nodes" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		s.writeJSON(w, http.StatusOK, []*api.Node{{Node: DefaultNode, Address: "127.0.0.1", Datacenter: DefaultDatacenter}})
	case kind == "services" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		s.mu.Lock()
		out := map[string][]string{"consul": {}}
		for _, svc := range s.services {
			out[svc.Service] = append(out[svc.Service], svc.Tags...)
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	case kind == "service" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		tag := r.URL.Query().Get("tag")
		s.mu.Lock()
		out := []*api.CatalogService{}
		for _, svc := range s.services {
			if svc.Service != arg || (tag != "" && !hasTag(svc.Tags, tag)) {
				continue
			}
			out = append(out, &api.CatalogService{
				Node:           DefaultNode,
				Address:        "127.0.0.1",
				ServiceID:      svc.ID,
				ServiceName:    svc.Service,
				ServiceAddress: svc.Address,
				ServiceTags:    svc.Tags,
				ServicePort:    svc.Port,
				ServiceMeta:    svc.Meta,
			})
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
		s.writeJSON(w, http.StatusOK, out)
	case kind == "node" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		if arg != DefaultNode {
			s.writeJSON(w, http.StatusOK, nil)
			return
		}
		s.mu.Lock()
		services := make(map[string]*api.AgentService, len(s.services))
		for id, svc := range s.services {
			cp := *svc
			services[id] = &cp
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, &api.CatalogNode{
			Node:     &api.Node{Node: DefaultNode, Address: "127.0.0.1", Datacenter: DefaultDatacenter},
			Services: services,
		})
	default:
		http.NotFound(w, r)
	}
}
