package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by DefaultConfig.
const (
	HTTPAddrEnvName       = "CONSUL_HTTP_ADDR"
	HTTPTokenEnvName      = "CONSUL_HTTP_TOKEN"
	HTTPSSLEnvName        = "CONSUL_HTTP_SSL"
	HTTPSSLVerifyEnvName  = "CONSUL_HTTP_SSL_VERIFY"
	HTTPCAFileEnvName     = "CONSUL_CACERT"
	HTTPClientCertEnvName = "CONSUL_CLIENT_CERT"
	HTTPClientKeyEnvName  = "CONSUL_CLIENT_KEY"
	HTTPTLSServerName     = "CONSUL_TLS_SERVER_NAME"
)

// DefaultAddress is used when neither the caller nor CONSUL_HTTP_ADDR supply one.
const DefaultAddress = "127.0.0.1:8500"

// TLSConfig configures HTTPS transport to the agent.
type TLSConfig struct {
	// ServerName overrides the name used for certificate verification.
	ServerName string
	// CAFile is a PEM bundle of trusted roots.
	CAFile string
	// CertFile and KeyFile supply a client certificate for mutual TLS.
	CertFile string
	KeyFile  string
	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool
}

func (t TLSConfig) empty() bool {
	return t == TLSConfig{}
}

// Config holds the connection settings of a Client. It is applied at
// construction and again, explicitly, through Client.ApplyConfig.
type Config struct {
	// Address is host:port, an http(s):// URL or unix:///path/to/socket.
	Address string
	// Scheme is http or https. It is ignored when Address carries a scheme.
	Scheme string
	// Datacenter is sent as the dc parameter when a request does not set its own.
	Datacenter string
	// Token is sent as X-Consul-Token when a request does not set its own.
	Token string
	// WaitTime bounds blocking queries that do not set QueryOptions.WaitTime.
	WaitTime time.Duration
	// TLS configures HTTPS.
	TLS TLSConfig
}

// DefaultConfig returns a Config seeded from DefaultAddress and the CONSUL_*
// environment variables.
func DefaultConfig() (Config, error) {
	cfg := Config{Address: DefaultAddress, Scheme: "http"}
	if addr := strings.TrimSpace(os.Getenv(HTTPAddrEnvName)); addr != "" {
		cfg.Address = addr
	}
	if token := os.Getenv(HTTPTokenEnvName); token != "" {
		cfg.Token = token
	}
	if raw := strings.TrimSpace(os.Getenv(HTTPSSLEnvName)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, configError(HTTPSSLEnvName, err)
		}
		if enabled {
			cfg.Scheme = "https"
		}
	}
	if raw := strings.TrimSpace(os.Getenv(HTTPSSLVerifyEnvName)); raw != "" {
		verify, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, configError(HTTPSSLVerifyEnvName, err)
		}
		cfg.TLS.InsecureSkipVerify = !verify
	}
	cfg.TLS.CAFile = os.Getenv(HTTPCAFileEnvName)
	cfg.TLS.CertFile = os.Getenv(HTTPClientCertEnvName)
	cfg.TLS.KeyFile = os.Getenv(HTTPClientKeyEnvName)
	cfg.TLS.ServerName = os.Getenv(HTTPTLSServerName)
	return cfg, nil
}

// endpoint is the resolved form of Config.Address.
type endpoint struct {
	base       *url.URL
	unixSocket string
}

func (cfg Config) resolve() (endpoint, error) {
	raw := strings.TrimSpace(cfg.Address)
	if raw == "" {
		raw = DefaultAddress
	}
	if strings.HasPrefix(raw, "unix://") {
		socket := strings.TrimPrefix(raw, "unix://")
		if socket == "" {
			return endpoint{}, configError("address", errors.New("unix address missing socket path"))
		}
		return endpoint{base: &url.URL{Scheme: "http", Host: "unix"}, unixSocket: socket}, nil
	}
	if !strings.Contains(raw, "://") {
		scheme := strings.ToLower(strings.TrimSpace(cfg.Scheme))
		if scheme == "" {
			scheme = "http"
		}
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, configError("address", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return endpoint{}, configError("address", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return endpoint{}, configError("address", fmt.Errorf("missing host in %q", cfg.Address))
	}
	if port := u.Port(); port != "" {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return endpoint{}, configError("address", fmt.Errorf("parse port %q: %w", port, err))
		}
	} else {
		u.Host = net.JoinHostPort(u.Hostname(), "8500")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	return endpoint{base: u}, nil
}

func (t TLSConfig) build() (*tls.Config, error) {
	if t.empty() {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		data, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, configError("tls.ca_file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, configError("tls.ca_file", fmt.Errorf("no certificates found in %s", t.CAFile))
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		if t.CertFile == "" || t.KeyFile == "" {
			return nil, configError("tls.cert_file", errors.New("client certificate and key must be supplied together"))
		}
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, configError("tls.cert_file", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
