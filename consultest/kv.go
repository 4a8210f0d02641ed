package consultest

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/consulkit/api"
)

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := tail(r.URL.Path, "/v1/kv/")
	switch r.Method {
	case http.MethodGet:
		s.kvGet(w, r, key)
	case http.MethodPut:
		s.kvPut(w, r, key)
	case http.MethodDelete:
		s.kvDelete(w, r, key)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) kvGet(w http.ResponseWriter, r *http.Request, key string) {
	s.waitForIndex(r)
	q := r.URL.Query()
	s.mu.Lock()
	index := s.index
	switch {
	case q.Has("keys"):
		keys := s.keysLocked(key, q.Get("separator"))
		s.mu.Unlock()
		if len(keys) == 0 {
			s.notFound(w)
			return
		}
		s.writeJSONAt(w, http.StatusOK, index, keys)
	case q.Has("recurse"):
		pairs := s.listLocked(key)
		s.mu.Unlock()
		if len(pairs) == 0 {
			s.notFound(w)
			return
		}
		s.writeJSONAt(w, http.StatusOK, index, pairs)
	default:
		pair, ok := s.kv[key]
		var out *api.KVPair
		if ok {
			out = clonePair(pair)
		}
		s.mu.Unlock()
		if out == nil {
			s.notFound(w)
			return
		}
		s.writeJSONAt(w, http.StatusOK, index, api.KVPairs{out})
	}
}

func (s *Server) listLocked(prefix string) api.KVPairs {
	var pairs api.KVPairs
	for k, pair := range s.kv {
		if strings.HasPrefix(k, prefix) {
			pairs = append(pairs, clonePair(pair))
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs
}

func (s *Server) keysLocked(prefix, separator string) []string {
	seen := make(map[string]struct{})
	for k := range s.kv {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name := k
		if separator != "" {
			rest := k[len(prefix):]
			if i := strings.Index(rest, separator); i >= 0 {
				name = prefix + rest[:i+len(separator)]
			}
		}
		seen[name] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) kvPut(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		http.Error(w, "Missing key name", http.StatusBadRequest)
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	var flags uint64
	if raw := q.Get("flags"); raw != "" {
		flags, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid flags", http.StatusBadRequest)
			return
		}
	}
	op := kvWrite{key: key, value: value, flags: flags}
	switch {
	case q.Has("acquire"):
		op.verb = api.KVLock
		op.session = q.Get("acquire")
	case q.Has("release"):
		op.verb = api.KVUnlock
		op.session = q.Get("release")
	case q.Has("cas"):
		op.verb = api.KVCAS
		op.index, err = strconv.ParseUint(q.Get("cas"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid cas index", http.StatusBadRequest)
			return
		}
	default:
		op.verb = api.KVSet
	}

	s.mu.Lock()
	ok, failure := s.applyWriteLocked(s.kv, op, s.index+1)
	if ok {
		s.bumpLocked()
	}
	s.mu.Unlock()
	if failure == errInvalidSession {
		http.Error(w, "invalid session \""+op.session+"\"", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, ok)
}

func (s *Server) kvDelete(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	op := kvWrite{key: key}
	switch {
	case q.Has("recurse"):
		op.verb = api.KVDeleteTree
	case q.Has("cas"):
		op.verb = api.KVDeleteCAS
		idx, err := strconv.ParseUint(q.Get("cas"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid cas index", http.StatusBadRequest)
			return
		}
		op.index = idx
	default:
		if key == "" {
			http.Error(w, "Missing key name", http.StatusBadRequest)
			return
		}
		op.verb = api.KVDelete
	}
	s.mu.Lock()
	ok, _ := s.applyWriteLocked(s.kv, op, s.index+1)
	if ok {
		s.bumpLocked()
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, ok)
}

type kvWrite struct {
	verb    api.KVOp
	key     string
	value   []byte
	flags   uint64
	index   uint64
	session string
}

type failureReason string

const (
	errNone           failureReason = ""
	errInvalidSession failureReason = "invalid session"
	errCASFailed      failureReason = "cas failed"
	errLockHeld       failureReason = "lock held by another session"
	errNotHolder      failureReason = "lock not held by session"
	errKeyMissing     failureReason = "key does not exist"
	errKeyExists      failureReason = "key exists"
	errSessionCheck   failureReason = "session check failed"
)

// applyWriteLocked applies one KV mutation to store at raft index idx. It
// reports whether the write took effect and, if not, why.
func (s *Server) applyWriteLocked(store map[string]*api.KVPair, op kvWrite, idx uint64) (bool, failureReason) {
	existing := store[op.key]
	put := func(session string, lockIndexDelta uint64) {
		next := &api.KVPair{
			Key:         op.key,
			Flags:       op.flags,
			Value:       append([]byte(nil), op.value...),
			ModifyIndex: idx,
			CreateIndex: idx,
			Session:     session,
		}
		if existing != nil {
			next.CreateIndex = existing.CreateIndex
			next.LockIndex = existing.LockIndex
		}
		next.LockIndex += lockIndexDelta
		store[op.key] = next
	}

	switch op.verb {
	case api.KVSet:
		session := ""
		if existing != nil {
			session = existing.Session
		}
		put(session, 0)
		return true, errNone
	case api.KVCAS:
		if op.index == 0 && existing != nil {
			return false, errCASFailed
		}
		if op.index != 0 && (existing == nil || existing.ModifyIndex != op.index) {
			return false, errCASFailed
		}
		session := ""
		if existing != nil {
			session = existing.Session
		}
		put(session, 0)
		return true, errNone
	case api.KVLock:
		if _, ok := s.sessions[op.session]; !ok || op.session == "" {
			return false, errInvalidSession
		}
		if existing != nil && existing.Session != "" && existing.Session != op.session {
			return false, errLockHeld
		}
		if existing != nil && existing.Session == op.session {
			put(op.session, 0)
			return true, errNone
		}
		put(op.session, 1)
		return true, errNone
	case api.KVUnlock:
		if existing == nil || existing.Session != op.session {
			return false, errNotHolder
		}
		put("", 0)
		return true, errNone
	case api.KVDelete:
		delete(store, op.key)
		return true, errNone
	case api.KVDeleteCAS:
		if existing == nil {
			return op.index == 0, errKeyMissing
		}
		if existing.ModifyIndex != op.index {
			return false, errCASFailed
		}
		delete(store, op.key)
		return true, errNone
	case api.KVDeleteTree:
		for k := range store {
			if strings.HasPrefix(k, op.key) {
				delete(store, k)
			}
		}
		return true, errNone
	case api.KVCheckIndex:
		if existing == nil || existing.ModifyIndex != op.index {
			return false, errCASFailed
		}
		return true, errNone
	case api.KVCheckSession:
		if existing == nil || existing.Session != op.session {
			return false, errSessionCheck
		}
		return true, errNone
	case api.KVCheckNotExists:
		if existing != nil {
			return false, errKeyExists
		}
		return true, errNone
	case api.KVGet:
		if existing == nil {
			return false, errKeyMissing
		}
		return true, errNone
	case api.KVGetTree:
		return true, errNone
	}
	return false, failureReason("unknown verb " + string(op.verb))
}

func clonePair(p *api.KVPair) *api.KVPair {
	cp := *p
	cp.Value = append([]byte(nil), p.Value...)
	return &cp
}

// Put stores a key directly, bypassing HTTP.
func (s *Server) Put(key string, value []byte, flags uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyWriteLocked(s.kv, kvWrite{verb: api.KVSet, key: key, value: value, flags: flags}, s.index+1)
	s.bumpLocked()
}

// Get returns a copy of a stored key, or nil.
func (s *Server) Get(key string) *api.KVPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pair, ok := s.kv[key]; ok {
		return clonePair(pair)
	}
	return nil
}

// Keys returns every stored key under prefix.
func (s *Server) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysLocked(prefix, "")
}
