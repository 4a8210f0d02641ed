package client

import (
	"net/http"
	"testing"
)

func TestUnixHTTPClientAppliesDefaultTransportTuning(t *testing.T) {
	ep, err := Config{Address: "unix:///tmp/consul.sock"}.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	httpClient, err := buildHTTPClient(ep, TLSConfig{})
	if err != nil {
		t.Fatalf("buildHTTPClient: %v", err)
	}
	if got, want := ep.base.String(), "http://unix"; got != want {
		t.Fatalf("base mismatch: got %q want %q", got, want)
	}
	transport, ok := httpClient.Transport.(*http.Transport)
	if !ok || transport == nil {
		t.Fatalf("transport type = %T, want *http.Transport", httpClient.Transport)
	}
	if transport.MaxIdleConns < DefaultMaxIdleConns {
		t.Fatalf("MaxIdleConns = %d, want >= %d", transport.MaxIdleConns, DefaultMaxIdleConns)
	}
	if transport.MaxIdleConnsPerHost < DefaultMaxIdleConnsPerHost {
		t.Fatalf("MaxIdleConnsPerHost = %d, want >= %d", transport.MaxIdleConnsPerHost, DefaultMaxIdleConnsPerHost)
	}
	if transport.TLSClientConfig != nil {
		t.Fatalf("unix transport should not carry TLS config")
	}
}

func TestTCPHTTPClientCarriesTLSConfig(t *testing.T) {
	ep, err := Config{Address: "https://consul:8501"}.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	httpClient, err := buildHTTPClient(ep, TLSConfig{ServerName: "consul.internal"})
	if err != nil {
		t.Fatalf("buildHTTPClient: %v", err)
	}
	transport := httpClient.Transport.(*http.Transport)
	if transport.TLSClientConfig == nil || transport.TLSClientConfig.ServerName != "consul.internal" {
		t.Fatalf("tls config not applied: %+v", transport.TLSClientConfig)
	}
}
