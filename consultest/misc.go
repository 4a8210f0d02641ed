package consultest

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/consulkit/api"
)

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	leader := ""
	if len(s.peers) > 0 {
		leader = s.peers[0]
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, leader)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	peers := append([]string{}, s.peers...)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	rest := tail(r.URL.Path, "/v1/event/")
	switch {
	case strings.HasPrefix(rest, "fire/") && r.Method == http.MethodPut:
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := r.URL.Query()
		s.mu.Lock()
		s.ltime++
		ev := &api.UserEvent{
			ID:            uuid.NewString(),
			Name:          tail(rest, "fire/"),
			Payload:       payload,
			NodeFilter:    q.Get("node"),
			ServiceFilter: q.Get("service"),
			TagFilter:     q.Get("tag"),
			Version:       1,
			LTime:         s.ltime,
		}
		s.events = append(s.events, ev)
		s.bumpLocked()
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, ev)
	case rest == "list" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		name := r.URL.Query().Get("name")
		s.mu.Lock()
		out := []*api.UserEvent{}
		for _, ev := range s.events {
			if name == "" || ev.Name == name {
				cp := *ev
				out = append(out, &cp)
			}
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleACL(w http.ResponseWriter, r *http.Request) {
	rest := tail(r.URL.Path, "/v1/acl/")
	switch {
	case rest == "tokens" && r.Method == http.MethodGet:
		s.mu.Lock()
		out := make([]*api.ACLToken, 0, len(s.tokens))
		for _, tok := range s.tokens {
			cp := *tok
			cp.SecretID = ""
			out = append(out, &cp)
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].AccessorID < out[j].AccessorID })
		s.writeJSON(w, http.StatusOK, out)
	case rest == "token" && r.Method == http.MethodPut:
		var tok api.ACLToken
		if err := decodeJSON(r, &tok); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tok.AccessorID = uuid.NewString()
		if tok.SecretID == "" {
			tok.SecretID = uuid.NewString()
		}
		s.mu.Lock()
		tok.CreateIndex = s.bumpLocked()
		tok.ModifyIndex = tok.CreateIndex
		stored := tok
		s.tokens[tok.AccessorID] = &stored
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, tok)
	case rest == "token/self" && r.Method == http.MethodGet:
		secret := r.Header.Get("X-Consul-Token")
		s.mu.Lock()
		var found *api.ACLToken
		for _, tok := range s.tokens {
			if tok.SecretID == secret {
				cp := *tok
				found = &cp
			}
		}
		s.mu.Unlock()
		if found == nil {
			http.Error(w, "ACL not found", http.StatusForbidden)
			return
		}
		s.writeJSON(w, http.StatusOK, found)
	case strings.HasPrefix(rest, "token/"):
		id := tail(rest, "token/")
		clone := false
		if before, ok := strings.CutSuffix(id, "/clone"); ok {
			id, clone = before, true
		}
		s.mu.Lock()
		tok, ok := s.tokens[id]
		if !ok {
			s.mu.Unlock()
			http.Error(w, "ACL not found", http.StatusNotFound)
			return
		}
		switch {
		case clone && r.Method == http.MethodPut:
			var body api.ACLToken
			_ = decodeJSON(r, &body)
			cp := *tok
			cp.AccessorID = uuid.NewString()
			cp.SecretID = uuid.NewString()
			cp.Description = body.Description
			cp.CreateIndex = s.bumpLocked()
			cp.ModifyIndex = cp.CreateIndex
			stored := cp
			s.tokens[cp.AccessorID] = &stored
			s.mu.Unlock()
			s.writeJSON(w, http.StatusOK, cp)
		case r.Method == http.MethodGet:
			cp := *tok
			s.mu.Unlock()
			s.writeJSON(w, http.StatusOK, cp)
		case r.Method == http.MethodPut:
			var body api.ACLToken
			if err := decodeJSON(r, &body); err != nil {
				s.mu.Unlock()
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			body.AccessorID = tok.AccessorID
			if body.SecretID == "" {
				body.SecretID = tok.SecretID
			}
			body.CreateIndex = tok.CreateIndex
			body.ModifyIndex = s.bumpLocked()
			stored := body
			s.tokens[id] = &stored
			s.mu.Unlock()
			s.writeJSON(w, http.StatusOK, body)
		case r.Method == http.MethodDelete:
			delete(s.tokens, id)
			s.bumpLocked()
			s.mu.Unlock()
			s.writeJSON(w, http.StatusOK, true)
		default:
			s.mu.Unlock()
			methodNotAllowed(w)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleOperator(w http.ResponseWriter, r *http.Request) {
	rest := tail(r.URL.Path, "/v1/operator/")
	switch {
	case rest == "raft/configuration" && r.Method == http.MethodGet:
		s.mu.Lock()
		cfg := api.RaftConfiguration{Index: s.index}
		for i, peer := range s.peers {
			cfg.Servers = append(cfg.Servers, &api.RaftServer{
				ID:      peer,
				Node:    DefaultNode,
				Address: peer,
				Leader:  i == 0,
				Voter:   true,
			})
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, cfg)
	case rest == "raft/peer" && r.Method == http.MethodDelete:
		addr := r.URL.Query().Get("address")
		s.mu.Lock()
		kept := s.peers[:0]
		found := false
		for _, peer := range s.peers {
			if peer == addr {
				found = true
				continue
			}
			kept = append(kept, peer)
		}
		s.peers = kept
		s.mu.Unlock()
		if !found {
			http.Error(w, "address \""+addr+"\" was not found in the Raft configuration", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	case rest == "keyring":
		s.handleKeyring(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleKeyring(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.mu.Lock()
		keys := make(map[string]int, len(s.keyring))
		for k, v := range s.keyring {
			keys[k] = v
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, []*api.KeyringResponse{
			{WAN: true, Datacenter: DefaultDatacenter, Keys: keys, NumNodes: 1},
			{WAN: false, Datacenter: DefaultDatacenter, Keys: keys, NumNodes: 1},
		})
		return
	}
	var req api.KeyringRequest
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		s.keyring[req.Key] = 1
	case http.MethodPut:
		if _, ok := s.keyring[req.Key]; !ok {
			http.Error(w, "key not installed", http.StatusInternalServerError)
			return
		}
	case http.MethodDelete:
		delete(s.keyring, req.Key)
	default:
		methodNotAllowed(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	coord := &api.SerfCoordinate{Vec: make([]float64, 8), Error: 1.5, Height: 1e-5}
	switch tail(r.URL.Path, "/v1/coordinate/") {
	case "datacenters":
		s.writeJSON(w, http.StatusOK, []*api.CoordinateDatacenterMap{{
			Datacenter:  DefaultDatacenter,
			Coordinates: []*api.CoordinateEntry{{Node: DefaultNode + "." + DefaultDatacenter, Coord: coord}},
		}})
	case "nodes":
		s.waitForIndex(r)
		s.writeJSON(w, http.StatusOK, []*api.CoordinateEntry{{Node: DefaultNode, Coord: coord}})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(tail(r.URL.Path, "/v1/query"), "/")
	id, action, _ := strings.Cut(rest, "/")
	switch {
	case id == "" && r.Method == http.MethodPost:
		var def api.PreparedQueryDefinition
		if err := decodeJSON(r, &def); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if def.Service.Service == "" {
			http.Error(w, "Must provide a Service name to query", http.StatusBadRequest)
			return
		}
		def.ID = uuid.NewString()
		s.mu.Lock()
		s.queries[def.ID] = &def
		s.bumpLocked()
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, api.PreparedQueryCreateResponse{ID: def.ID})
	case id == "" && r.Method == http.MethodGet:
		s.mu.Lock()
		out := make([]*api.PreparedQueryDefinition, 0, len(s.queries))
		for _, def := range s.queries {
			cp := *def
			out = append(out, &cp)
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		s.writeJSON(w, http.StatusOK, out)
	case action == "execute" && r.Method == http.MethodGet:
		s.mu.Lock()
		def := s.lookupQueryLocked(id)
		if def == nil {
			s.mu.Unlock()
			http.Error(w, "Query not found", http.StatusNotFound)
			return
		}
		nodes := s.serviceEntriesLocked(def.Service.Service, "", def.Service.OnlyPassing)
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, api.PreparedQueryExecuteResponse{
			Service:    def.Service.Service,
			Nodes:      nodes,
			DNS:        def.DNS,
			Datacenter: DefaultDatacenter,
		})
	case action == "" && r.Method == http.MethodGet:
		s.mu.Lock()
		def := s.lookupQueryLocked(id)
		s.mu.Unlock()
		if def == nil {
			http.Error(w, "Query not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, []*api.PreparedQueryDefinition{def})
	case action == "" && r.Method == http.MethodPut:
		var def api.PreparedQueryDefinition
		if err := decodeJSON(r, &def); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		_, ok := s.queries[id]
		if ok {
			def.ID = id
			s.queries[id] = &def
			s.bumpLocked()
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, "Query not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case action == "" && r.Method == http.MethodDelete:
		s.mu.Lock()
		delete(s.queries, id)
		s.bumpLocked()
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) lookupQueryLocked(idOrName string) *api.PreparedQueryDefinition {
	if def, ok := s.queries[idOrName]; ok {
		cp := *def
		return &cp
	}
	for _, def := range s.queries {
		if def.Name != "" && def.Name == idOrName {
			cp := *def
			return &cp
		}
	}
	return nil
}

type snapshotImage struct {
	Index uint64       `json:"Index"`
	KV    api.KVPairs  `json:"KV"`
	Meta  snapshotMeta `json:"Meta"`
}

type snapshotMeta struct {
	Node       string `json:"Node"`
	Datacenter string `json:"Datacenter"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		image := snapshotImage{
			Index: s.index,
			KV:    s.listLocked(""),
			Meta:  snapshotMeta{Node: DefaultNode, Datacenter: DefaultDatacenter},
		}
		s.mu.Unlock()
		raw, err := json.Marshal(image)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Consul-Index", strconv.FormatUint(image.Index, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	case http.MethodPut:
		var image snapshotImage
		if err := json.NewDecoder(r.Body).Decode(&image); err != nil {
			http.Error(w, "failed to read snapshot: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.kv = make(map[string]*api.KVPair, len(image.KV))
		for _, pair := range image.KV {
			cp := clonePair(pair)
			cp.Session = ""
			s.kv[pair.Key] = cp
		}
		if image.Index > s.index {
			s.index = image.Index
		}
		s.bumpLocked()
		s.mu.Unlock()
		s.logger.Info("consultest.snapshot.restored", "keys", len(image.KV))
		w.WriteHeader(http.StatusOK)
	default:
		methodNotAllowed(w)
	}
}
