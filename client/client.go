package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/consulkit/internal/clock"
	"pkt.systems/pslog"
)

// Default client tuning knobs.
const (
	DefaultHTTPTimeout         = 15 * time.Second
	DefaultMaxIdleConns        = 64
	DefaultMaxIdleConnsPerHost = 32
	// DefaultCloseTimeout bounds best-effort cleanup requests (session destroy)
	// issued after the caller's context is gone.
	DefaultCloseTimeout = 5 * time.Second
)

// Client talks to a single agent over HTTP. It is safe for concurrent use.
type Client struct {
	mu         sync.RWMutex
	config     Config
	endpoint   endpoint
	httpClient *http.Client
	ownsHTTP   bool

	logger       pslog.Base
	clock        clock.Clock
	metrics      *clientMetrics
	httpTimeout  time.Duration
	closeTimeout time.Duration
	tracing      bool

	// txnMode caches whether /v1/txn accepts lock verbs: 0 unknown, 1 yes, 2 no.
	txnMode atomic.Int32

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. TLS settings from Config are
// not applied to caller supplied clients.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = withSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithToken sets the default ACL token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.config.Token = token
	}
}

// WithDatacenter sets the default datacenter.
func WithDatacenter(dc string) Option {
	return func(c *Client) {
		c.config.Datacenter = strings.TrimSpace(dc)
	}
}

// WithWaitTime sets the default bound of blocking queries.
func WithWaitTime(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.WaitTime = d
		}
	}
}

// WithTLS configures HTTPS transport.
func WithTLS(t TLSConfig) Option {
	return func(c *Client) {
		c.config.TLS = t
		if c.config.Scheme == "" || c.config.Scheme == "http" {
			c.config.Scheme = "https"
		}
	}
}

// WithHTTPTimeout overrides the per-request timeout of non-blocking calls.
// Blocking queries are bounded by their wait time instead.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithCloseTimeout overrides the timeout of best-effort cleanup requests.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithTracing wraps the transport with OpenTelemetry HTTP instrumentation.
func WithTracing() Option {
	return func(c *Client) {
		c.tracing = true
	}
}

func withClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// New creates a client for address (host:port, URL or unix:///socket). An empty
// address falls back to CONSUL_HTTP_ADDR and then DefaultAddress. The remaining
// connection settings are read from the CONSUL_* environment and may be
// overridden with options.
//
//	cli, err := client.New("127.0.0.1:8500", client.WithToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
func New(address string, opts ...Option) (*Client, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(address); trimmed != "" {
		cfg.Address = trimmed
	}
	return NewWithConfig(cfg, opts...)
}

// NewWithConfig creates a client from an explicit Config.
func NewWithConfig(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		config:       cfg,
		logger:       pslog.NoopLogger(),
		clock:        clock.Real{},
		httpTimeout:  DefaultHTTPTimeout,
		closeTimeout: DefaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initialize(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) initialize() error {
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	ep, err := c.config.resolve()
	if err != nil {
		return err
	}
	if c.httpClient == nil {
		cli, err := buildHTTPClient(ep, c.config.TLS)
		if err != nil {
			return err
		}
		c.httpClient = cli
		c.ownsHTTP = true
	}
	if c.httpClient.Timeout != 0 {
		c.httpClient.Timeout = 0
	}
	if c.tracing {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		wrapped := *c.httpClient
		wrapped.Transport = otelhttp.NewTransport(base)
		c.httpClient = &wrapped
	}
	c.endpoint = ep
	c.metrics = newClientMetrics(c.logger)
	c.logInfo("client.init", "address", ep.base.String(), "unix_socket", ep.unixSocket, "datacenter", c.config.Datacenter)
	return nil
}

// ApplyConfig re-applies connection settings to a live client. Requests already
// in flight finish with the settings they started with. When the client owns its
// transport, a changed address or TLS configuration rebuilds it.
func (c *Client) ApplyConfig(cfg Config) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ep, err := cfg.resolve()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownsHTTP && (cfg.TLS != c.config.TLS || ep.unixSocket != c.endpoint.unixSocket) {
		cli, err := buildHTTPClient(ep, cfg.TLS)
		if err != nil {
			return err
		}
		if c.tracing {
			cli.Transport = otelhttp.NewTransport(cli.Transport)
		}
		old := c.httpClient
		c.httpClient = cli
		closeIdle(old)
	}
	c.config = cfg
	c.endpoint = ep
	c.txnMode.Store(0)
	c.logInfo("client.config.applied", "address", ep.base.String(), "datacenter", cfg.Datacenter, "token_set", cfg.Token != "")
	return nil
}

// Config returns a copy of the active configuration.
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Close marks the client disposed and releases idle connections. Subsequent
// requests fail with ErrClientClosed.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.RLock()
		closeIdle(c.httpClient)
		c.mu.RUnlock()
		c.logDebug("client.closed")
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

func (c *Client) snapshot() (Config, endpoint, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config, c.endpoint, c.httpClient
}

func (c *Client) closeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.closeTimeout)
}

func buildHTTPClient(ep endpoint, tlsCfg TLSConfig) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	applyDefaultTransportTuning(transport)
	if ep.unixSocket != "" {
		socket := ep.unixSocket
		dialer := &net.Dialer{Timeout: DefaultHTTPTimeout, KeepAlive: 15 * time.Second}
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		}
		transport.DialTLSContext = nil
		transport.TLSClientConfig = nil
		return &http.Client{Transport: transport}, nil
	}
	built, err := tlsCfg.build()
	if err != nil {
		return nil, err
	}
	if built != nil {
		transport.TLSClientConfig = built
	}
	return &http.Client{Transport: transport}, nil
}

func applyDefaultTransportTuning(tr *http.Transport) {
	if tr == nil {
		return
	}
	if tr.MaxIdleConns < DefaultMaxIdleConns {
		tr.MaxIdleConns = DefaultMaxIdleConns
	}
	if tr.MaxIdleConnsPerHost < DefaultMaxIdleConnsPerHost {
		tr.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
}

type idleCloser interface {
	CloseIdleConnections()
}

func closeIdle(cli *http.Client) {
	if cli == nil {
		return
	}
	if transport := cli.Transport; transport != nil {
		if closer, ok := transport.(idleCloser); ok {
			closer.CloseIdleConnections()
		}
		return
	}
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		base.CloseIdleConnections()
	}
}

// KV returns the key/value endpoint.
func (c *Client) KV() *KV { return &KV{c: c} }

// Session returns the session endpoint.
func (c *Client) Session() *Session { return &Session{c: c} }

// Status returns the status endpoint.
func (c *Client) Status() *Status { return &Status{c: c} }

// Event returns the user event endpoint.
func (c *Client) Event() *Event { return &Event{c: c} }

// Health returns the health endpoint.
func (c *Client) Health() *Health { return &Health{c: c} }

// Catalog returns the catalog endpoint.
func (c *Client) Catalog() *Catalog { return &Catalog{c: c} }

// Agent returns the local agent endpoint.
func (c *Client) Agent() *Agent { return &Agent{c: c} }

// ACL returns the ACL token endpoint.
func (c *Client) ACL() *ACL { return &ACL{c: c} }

// Operator returns the operator endpoint.
func (c *Client) Operator() *Operator { return &Operator{c: c} }

// Coordinate returns the network coordinate endpoint.
func (c *Client) Coordinate() *Coordinate { return &Coordinate{c: c} }

// PreparedQuery returns the prepared query endpoint.
func (c *Client) PreparedQuery() *PreparedQuery { return &PreparedQuery{c: c} }

// Snapshot returns the snapshot endpoint.
func (c *Client) Snapshot() *Snapshot { return &Snapshot{c: c} }

func (c *Client) String() string {
	_, ep, _ := c.snapshot()
	if ep.unixSocket != "" {
		return fmt.Sprintf("consul(unix://%s)", ep.unixSocket)
	}
	return fmt.Sprintf("consul(%s)", ep.base)
}
