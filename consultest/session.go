package consultest

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/consulkit/api"
)

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := tail(r.URL.Path, "/v1/session/")
	op, arg, _ := strings.Cut(rest, "/")
	switch {
	case op == "create" && r.Method == http.MethodPut:
		s.sessionCreate(w, r)
	case op == "destroy" && r.Method == http.MethodPut:
		s.mu.Lock()
		s.invalidateLocked(arg)
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, true)
	case op == "renew" && r.Method == http.MethodPut:
		s.sessionRenew(w, arg)
	case op == "info" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		s.mu.Lock()
		out := []*api.SessionEntry{}
		if sess, ok := s.sessions[arg]; ok {
			entry := sess.entry
			out = append(out, &entry)
		}
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, out)
	case op == "list" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		s.writeJSON(w, http.StatusOK, s.sessionsWhere(func(*session) bool { return true }))
	case op == "node" && r.Method == http.MethodGet:
		s.waitForIndex(r)
		s.writeJSON(w, http.StatusOK, s.sessionsWhere(func(sess *session) bool { return sess.entry.Node == arg }))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) sessionCreate(w http.ResponseWriter, r *http.Request) {
	var entry api.SessionEntry
	if err := decodeJSON(r, &entry); err != nil {
		http.Error(w, "Request decode failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	var ttl time.Duration
	if entry.TTL != "" {
		d, err := time.ParseDuration(entry.TTL)
		if err != nil {
			http.Error(w, "Request decode failed: invalid TTL", http.StatusBadRequest)
			return
		}
		if d < 10*time.Millisecond || d > 24*time.Hour {
			http.Error(w, "Invalid Session TTL '"+entry.TTL+"'", http.StatusBadRequest)
			return
		}
		ttl = d
	}
	if entry.Behavior == "" {
		entry.Behavior = api.SessionBehaviorRelease
	}
	if entry.Node == "" {
		entry.Node = DefaultNode
	}
	if entry.Checks == nil {
		entry.Checks = []string{"serfHealth"}
	}
	entry.ID = uuid.NewString()

	s.mu.Lock()
	entry.CreateIndex = s.bumpLocked()
	sess := &session{entry: entry, ttl: ttl}
	if ttl > 0 {
		sess.expires = time.Now().Add(ttl)
	}
	s.sessions[entry.ID] = sess
	s.mu.Unlock()
	s.logger.Debug("consultest.session.created", "session", entry.ID, "ttl", ttl, "behavior", entry.Behavior)
	s.writeJSON(w, http.StatusOK, api.SessionCreateResponse{ID: entry.ID})
}

func (s *Server) sessionRenew(w http.ResponseWriter, id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Session id '"+id+"' not found", http.StatusNotFound)
		return
	}
	if sess.ttl > 0 {
		sess.expires = time.Now().Add(sess.ttl)
	}
	entry := sess.entry
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, []*api.SessionEntry{&entry})
}

func (s *Server) sessionsWhere(match func(*session) bool) []*api.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*api.SessionEntry{}
	for _, sess := range s.sessions {
		if match(sess) {
			entry := sess.entry
			out = append(out, &entry)
		}
	}
	return out
}

// invalidateLocked removes a session and releases or deletes the keys it holds.
func (s *Server) invalidateLocked(id string) bool {
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	delete(s.sessions, id)
	idx := s.index + 1
	for key, pair := range s.kv {
		if pair.Session != id {
			continue
		}
		if sess.entry.Behavior == api.SessionBehaviorDelete {
			delete(s.kv, key)
			continue
		}
		next := clonePair(pair)
		next.Session = ""
		next.ModifyIndex = idx
		s.kv[key] = next
	}
	s.bumpLocked()
	return true
}

// ExpireSession invalidates a session as if its TTL ran out.
func (s *Server) ExpireSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked(id)
}

// SetSessionTTL changes the TTL the server reports and enforces for a session.
func (s *Server) SetSessionTTL(id string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.ttl = ttl
	sess.entry.TTL = ttl.String()
	sess.expires = time.Now().Add(ttl)
	return true
}

// Sessions returns the IDs of the live sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// HasSession reports whether a session is live.
func (s *Server) HasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}
