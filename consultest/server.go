// Package consultest runs an in-memory agent that speaks the parts of the
// HTTP API consulkit uses: KV with blocking queries and sessions, /v1/txn,
// sessions with TTL expiry, and lightweight catalog, agent, health, ACL,
// operator, event, prepared query and snapshot endpoints.
//
// It is meant for tests:
//
//	srv := consultest.Start(t)
//	cli := srv.Client(t)
//	lock, _ := cli.LockKey("service/leader")
package consultest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/client"
	"pkt.systems/pslog"
)

const (
	// DefaultNode is the node name the server reports for itself.
	DefaultNode = "consultest"
	// DefaultDatacenter is the only datacenter the server knows.
	DefaultDatacenter = "dc1"
	// DefaultLeader is the address reported by /v1/status/leader.
	DefaultLeader = "127.0.0.1:8300"

	defaultMaxWait = 5 * time.Minute
	reapInterval   = 20 * time.Millisecond
)

// Server is an in-memory agent behind an httptest listener.
type Server struct {
	// URL is the base address clients should use.
	URL string

	http   *httptest.Server
	logger pslog.Logger
	socket string

	mu       sync.Mutex
	index    uint64
	changed  chan struct{}
	kv       map[string]*api.KVPair
	sessions map[string]*session
	noTxn    bool
	failures map[string]int
	requests map[string]int

	ltime    uint64
	events   []*api.UserEvent
	services map[string]*api.AgentService
	checks   map[string]*api.AgentCheck
	tokens   map[string]*api.ACLToken
	queries  map[string]*api.PreparedQueryDefinition
	keyring  map[string]int
	peers    []string

	closing   chan struct{}
	closeOnce sync.Once
	reaperWG  sync.WaitGroup
}

type session struct {
	entry   api.SessionEntry
	ttl     time.Duration
	expires time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithoutTxn makes /v1/txn answer 404 like agents that predate transactions.
func WithoutTxn() Option {
	return func(s *Server) { s.noTxn = true }
}

// WithLogger routes request logs to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With(pslog.TrustedString("sys"), "consultest")
		}
	}
}

// WithUnixSocket serves on a unix socket at path instead of loopback TCP.
// URL becomes unix://path.
func WithUnixSocket(path string) Option {
	return func(s *Server) { s.socket = path }
}

// WithPeers sets the raft peer set reported by status and operator endpoints.
// The first peer is the leader.
func WithPeers(peers ...string) Option {
	return func(s *Server) {
		if len(peers) > 0 {
			s.peers = append([]string(nil), peers...)
		}
	}
}

// New starts a server. Callers must Close it.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   pslog.NoopLogger(),
		changed:  make(chan struct{}),
		kv:       make(map[string]*api.KVPair),
		sessions: make(map[string]*session),
		failures: make(map[string]int),
		requests: make(map[string]int),
		services: make(map[string]*api.AgentService),
		checks:   make(map[string]*api.AgentCheck),
		tokens:   make(map[string]*api.ACLToken),
		queries:  make(map[string]*api.PreparedQueryDefinition),
		keyring:  make(map[string]int),
		peers:    []string{DefaultLeader},
		closing:  make(chan struct{}),
		index:    1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = httptest.NewUnstartedServer(s.routes())
	if s.socket != "" {
		ln, err := net.Listen("unix", s.socket)
		if err != nil {
			panic(fmt.Sprintf("consultest: listen on %s: %v", s.socket, err))
		}
		_ = s.http.Listener.Close()
		s.http.Listener = ln
	}
	s.http.Start()
	s.URL = s.http.URL
	if s.socket != "" {
		s.URL = "unix://" + s.socket
	}
	s.reaperWG.Add(1)
	go s.reaper()
	s.logger.Info("consultest.start", "url", s.URL, "txn", !s.noTxn)
	return s
}

// Start runs a server for the duration of t.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := New(opts...)
	t.Cleanup(s.Close)
	return s
}

// Close stops the listener and the session reaper.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.http.CloseClientConnections()
		s.http.Close()
		s.reaperWG.Wait()
	})
}

// Client returns a client pointed at the server, closed when t finishes.
func (s *Server) Client(t testing.TB, opts ...client.Option) *client.Client {
	t.Helper()
	cli, err := s.NewClient(opts...)
	if err != nil {
		t.Fatalf("consultest client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

// NewClient returns a client pointed at the server. Ambient CONSUL_* env
// settings other than the address still apply.
func (s *Server) NewClient(opts ...client.Option) (*client.Client, error) {
	cfg, err := client.DefaultConfig()
	if err != nil {
		return nil, err
	}
	cfg.Address = s.URL
	cfg.Token = ""
	cfg.TLS = client.TLSConfig{}
	return client.NewWithConfig(cfg, opts...)
}

// FailNext makes the next n requests whose path starts with prefix answer 500.
func (s *Server) FailNext(prefix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[prefix] += n
}

// Requests counts the requests received so far whose path starts with prefix.
func (s *Server) Requests(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for path, n := range s.requests {
		if strings.HasPrefix(path, prefix) {
			total += n
		}
	}
	return total
}

// Index returns the current raft index.
func (s *Server) Index() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/kv/", s.handleKV)
	mux.HandleFunc("PUT /v1/txn", s.handleTxn)
	mux.HandleFunc("/v1/session/", s.handleSession)
	mux.HandleFunc("GET /v1/status/leader", s.handleLeader)
	mux.HandleFunc("GET /v1/status/peers", s.handlePeers)
	mux.HandleFunc("/v1/event/", s.handleEvent)
	mux.HandleFunc("/v1/agent/", s.handleAgent)
	mux.HandleFunc("/v1/health/", s.handleHealth)
	mux.HandleFunc("/v1/catalog/", s.handleCatalog)
	mux.HandleFunc("/v1/acl/", s.handleACL)
	mux.HandleFunc("/v1/operator/", s.handleOperator)
	mux.HandleFunc("/v1/coordinate/", s.handleCoordinate)
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/query/", s.handleQuery)
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Trace("consultest.request", "method", r.Method, "path", r.URL.Path, "query", r.URL.RawQuery)
		if s.injectFailure(r.URL.Path) {
			s.logger.Debug("consultest.request.injected_failure", "method", r.Method, "path", r.URL.Path)
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Has("dc") && r.URL.Query().Get("dc") != DefaultDatacenter {
			http.Error(w, fmt.Sprintf("No path to datacenter %q", r.URL.Query().Get("dc")), http.StatusInternalServerError)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailure(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[path]++
	for prefix, n := range s.failures {
		if n > 0 && strings.HasPrefix(path, prefix) {
			s.failures[prefix] = n - 1
			return true
		}
	}
	return false
}

// bumpLocked advances the raft index and wakes blocking queries.
func (s *Server) bumpLocked() uint64 {
	s.index++
	close(s.changed)
	s.changed = make(chan struct{})
	return s.index
}

// waitForIndex implements blocking query semantics: it returns once the index
// moves past the requested one, the wait elapses or the request goes away.
func (s *Server) waitForIndex(r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("index")
	if raw == "" {
		return
	}
	want, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || want == 0 {
		return
	}
	wait := defaultMaxWait
	if w := q.Get("wait"); w != "" {
		if d, err := time.ParseDuration(w); err == nil && d > 0 {
			wait = min(d, defaultMaxWait)
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.index > want {
			s.mu.Unlock()
			return
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			return
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		}
	}
}

func (s *Server) reaper() {
	defer s.reaperWG.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.ttl > 0 && now.After(sess.expires) {
					s.logger.Debug("consultest.session.expired", "session", id)
					s.invalidateLocked(id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	s.mu.Lock()
	index := s.index
	s.mu.Unlock()
	s.writeJSONAt(w, status, index, v)
}

func (s *Server) writeJSONAt(w http.ResponseWriter, status int, index uint64, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
	w.Header().Set("X-Consul-Knownleader", "true")
	w.Header().Set("X-Consul-Lastcontact", "0")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) notFound(w http.ResponseWriter) {
	s.mu.Lock()
	index := s.index
	s.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
	w.Header().Set("X-Consul-Knownleader", "true")
	w.WriteHeader(http.StatusNotFound)
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func tail(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}
