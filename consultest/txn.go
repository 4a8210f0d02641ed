package consultest

import (
	"net/http"
	"strings"

	"pkt.systems/consulkit/api"
)

func (s *Server) handleTxn(w http.ResponseWriter, r *http.Request) {
	if s.noTxn {
		http.NotFound(w, r)
		return
	}
	var ops api.TxnOps
	if err := decodeJSON(r, &ops); err != nil {
		http.Error(w, "Failed to parse body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(ops) == 0 {
		http.Error(w, "transaction contains no operations", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	staged := make(map[string]*api.KVPair, len(s.kv))
	for k, v := range s.kv {
		staged[k] = v
	}
	idx := s.index + 1
	var resp api.TxnResponse
	writes := false
	for i, op := range ops {
		if op == nil || op.KV == nil {
			resp.Errors = append(resp.Errors, &api.TxnError{OpIndex: i, What: "unsupported operation"})
			continue
		}
		kv := op.KV
		ok, why := s.applyWriteLocked(staged, kvWrite{
			verb:    kv.Verb,
			key:     kv.Key,
			value:   kv.Value,
			flags:   kv.Flags,
			index:   kv.Index,
			session: kv.Session,
		}, idx)
		if !ok {
			resp.Errors = append(resp.Errors, &api.TxnError{OpIndex: i, What: string(why)})
			continue
		}
		switch kv.Verb {
		case api.KVGetTree:
			for k, pair := range staged {
				if strings.HasPrefix(k, kv.Key) {
					resp.Results = append(resp.Results, &api.TxnResult{KV: clonePair(pair)})
				}
			}
		case api.KVDelete, api.KVDeleteCAS, api.KVDeleteTree, api.KVCheckIndex, api.KVCheckSession, api.KVCheckNotExists:
		default:
			if pair := staged[kv.Key]; pair != nil {
				result := clonePair(pair)
				if kv.Verb != api.KVGet {
					result.Value = nil
				}
				resp.Results = append(resp.Results, &api.TxnResult{KV: result})
			}
		}
		switch kv.Verb {
		case api.KVGet, api.KVGetTree, api.KVCheckIndex, api.KVCheckSession, api.KVCheckNotExists:
		default:
			writes = true
		}
	}
	if len(resp.Errors) > 0 {
		index := s.index
		s.mu.Unlock()
		resp.Results = nil
		s.writeJSONAt(w, http.StatusConflict, index, resp)
		return
	}
	if writes {
		s.kv = staged
		s.bumpLocked()
	}
	index := s.index
	s.mu.Unlock()
	s.writeJSONAt(w, http.StatusOK, index, resp)
}
