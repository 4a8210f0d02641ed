package consulkit

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/consulkit/client"
	"pkt.systems/consulkit/internal/pathutil"
	"pkt.systems/pslog"
)

const (
	// EnvPrefix prefixes every environment variable read by the CLI.
	EnvPrefix = "CONSULKIT"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultLockSessionTTL is the TTL of sessions created by the lock command.
	DefaultLockSessionTTL = 15 * time.Second
	// DefaultLockWaitTime bounds each blocking read while waiting for a lock.
	DefaultLockWaitTime = 15 * time.Second
	// DefaultMonitorRetryTime is the pause between monitor retries on 5xx.
	DefaultMonitorRetryTime = 2 * time.Second
	// DefaultHTTPTimeout bounds non-blocking requests.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultChildShutdownGrace is how long a child gets between SIGTERM and SIGKILL.
	DefaultChildShutdownGrace = 5 * time.Second
	// DefaultS3MaxPartSize tunes multipart uploads to S3-compatible archives.
	DefaultS3MaxPartSize = 16 << 20
	// DefaultSnapshotPrefix is the object prefix used when the archive URL has none.
	DefaultSnapshotPrefix = ""
	// DefaultAzureEndpointPattern expands Azure account names into their HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
)

// Config is the file, environment and flag model shared by the CLI and by
// programs that want the same knobs.
type Config struct {
	// Address is host:port, an http(s):// URL or unix:///path/to/socket.
	Address string
	// Scheme is http or https when Address carries none.
	Scheme string
	// Datacenter is the default dc for requests.
	Datacenter string
	// Token is the ACL token. TokenFile is read when Token is empty.
	Token     string
	TokenFile string
	// TLS material for https agents.
	CAFile             string
	CertFile           string
	KeyFile            string
	TLSServerName      string
	InsecureSkipVerify bool
	// WaitTime bounds blocking queries without an explicit wait.
	WaitTime time.Duration
	// HTTPTimeout bounds non-blocking requests.
	HTTPTimeout time.Duration
	// Tracing wraps the client transport with OpenTelemetry instrumentation.
	Tracing bool

	// LockSessionTTL, LockWaitTime and LockDelay configure sessions created by
	// the lock command.
	LockSessionTTL   time.Duration
	LockWaitTime     time.Duration
	LockDelay        time.Duration
	MonitorRetries   int
	MonitorRetryTime time.Duration
	// ChildShutdownGrace is the SIGTERM to SIGKILL window for lock children.
	ChildShutdownGrace time.Duration

	// SnapshotStore is the archive URL (mem://, disk://, s3://, aws://, azure://).
	SnapshotStore string
	// SnapshotRetention prunes disk archives older than this; zero keeps all.
	SnapshotRetention time.Duration
	// SnapshotSpoolDir holds uploads of unknown length; empty uses os.TempDir.
	SnapshotSpoolDir string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	S3MaxPartSize     int64
	AWSRegion         string
	AWSKMSKeyID       string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Address = strings.TrimSpace(c.Address)
	c.Scheme = strings.ToLower(strings.TrimSpace(c.Scheme))
	switch c.Scheme {
	case "", "http", "https":
	default:
		return fmt.Errorf("config: scheme must be http or https, got %q", c.Scheme)
	}
	if err := pathutil.ExpandEach(&c.TokenFile, &c.CAFile, &c.CertFile, &c.KeyFile, &c.SnapshotSpoolDir); err != nil {
		return fmt.Errorf("config: expand path: %w", err)
	}
	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("config: token and token-file are mutually exclusive")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("config: client-cert and client-key must be set together")
	}
	for name, d := range map[string]time.Duration{
		"wait-time":            c.WaitTime,
		"http-timeout":         c.HTTPTimeout,
		"lock-session-ttl":     c.LockSessionTTL,
		"lock-wait-time":       c.LockWaitTime,
		"lock-delay":           c.LockDelay,
		"monitor-retry-time":   c.MonitorRetryTime,
		"child-shutdown-grace": c.ChildShutdownGrace,
		"snapshot-retention":   c.SnapshotRetention,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must be >= 0", name)
		}
	}
	if c.MonitorRetries < 0 {
		return fmt.Errorf("config: monitor-retries must be >= 0")
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.LockSessionTTL == 0 {
		c.LockSessionTTL = DefaultLockSessionTTL
	}
	if c.LockSessionTTL < 10*time.Second || c.LockSessionTTL > 24*time.Hour {
		return fmt.Errorf("config: lock-session-ttl must be between 10s and 24h")
	}
	if c.LockWaitTime == 0 {
		c.LockWaitTime = DefaultLockWaitTime
	}
	if c.MonitorRetryTime == 0 {
		c.MonitorRetryTime = DefaultMonitorRetryTime
	}
	if c.ChildShutdownGrace == 0 {
		c.ChildShutdownGrace = DefaultChildShutdownGrace
	}
	if c.S3MaxPartSize <= 0 {
		c.S3MaxPartSize = DefaultS3MaxPartSize
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if store := strings.TrimSpace(c.SnapshotStore); store != "" {
		u, err := url.Parse(store)
		if err != nil {
			return fmt.Errorf("config: parse snapshot-store: %w", err)
		}
		switch u.Scheme {
		case "mem", "memory", "disk", "s3", "azure":
		case "aws":
			region := strings.TrimSpace(u.Query().Get("region"))
			if region == "" {
				region = strings.TrimSpace(c.AWSRegion)
			}
			if region == "" {
				return fmt.Errorf("config: aws snapshot store requires aws-region")
			}
		default:
			return fmt.Errorf("config: snapshot-store scheme %q not supported", u.Scheme)
		}
	}
	return nil
}

// ClientConfig converts c into the SDK connection settings, reading TokenFile
// when set. Environment defaults from client.DefaultConfig fill fields c
// leaves empty.
func (c Config) ClientConfig() (client.Config, error) {
	cfg, err := client.DefaultConfig()
	if err != nil {
		return client.Config{}, err
	}
	if c.Address != "" {
		cfg.Address = c.Address
	}
	if c.Scheme != "" {
		cfg.Scheme = c.Scheme
	}
	if c.Datacenter != "" {
		cfg.Datacenter = c.Datacenter
	}
	switch {
	case c.Token != "":
		cfg.Token = c.Token
	case c.TokenFile != "":
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return client.Config{}, fmt.Errorf("config: read token-file: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(data))
	}
	if c.WaitTime > 0 {
		cfg.WaitTime = c.WaitTime
	}
	if c.CAFile != "" {
		cfg.TLS.CAFile = c.CAFile
	}
	if c.CertFile != "" {
		cfg.TLS.CertFile = c.CertFile
		cfg.TLS.KeyFile = c.KeyFile
	}
	if c.TLSServerName != "" {
		cfg.TLS.ServerName = c.TLSServerName
	}
	if c.InsecureSkipVerify {
		cfg.TLS.InsecureSkipVerify = true
	}
	return cfg, nil
}

// ClientOptions returns the SDK options implied by c.
func (c Config) ClientOptions(logger pslog.Base) []client.Option {
	opts := []client.Option{client.WithHTTPTimeout(c.HTTPTimeout)}
	if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	if c.Tracing {
		opts = append(opts, client.WithTracing())
	}
	return opts
}

// NewClient builds an SDK client from c.
func (c Config) NewClient(logger pslog.Base) (*client.Client, error) {
	cfg, err := c.ClientConfig()
	if err != nil {
		return nil, err
	}
	return client.NewWithConfig(cfg, c.ClientOptions(logger)...)
}

// LockOptions fills lock options for key from the configured session knobs.
func (c Config) LockOptions(key string, value []byte) *client.LockOptions {
	return &client.LockOptions{
		Key:              key,
		Value:            value,
		SessionTTL:       c.LockSessionTTL,
		LockDelay:        c.LockDelay,
		MonitorRetries:   c.MonitorRetries,
		MonitorRetryTime: c.MonitorRetryTime,
		LockWaitTime:     c.LockWaitTime,
	}
}

// SemaphoreOptions fills semaphore options for prefix from the configured
// session knobs.
func (c Config) SemaphoreOptions(prefix string, limit int, value []byte) *client.SemaphoreOptions {
	return &client.SemaphoreOptions{
		Prefix:            prefix,
		Limit:             limit,
		Value:             value,
		SessionTTL:        c.LockSessionTTL,
		MonitorRetries:    c.MonitorRetries,
		MonitorRetryTime:  c.MonitorRetryTime,
		SemaphoreWaitTime: c.LockWaitTime,
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.consulkit, or CONSULKIT_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".consulkit"), nil
}

// DefaultSnapshotDir is the disk archive used when no snapshot store is set.
func DefaultSnapshotDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "snapshots"), nil
}
