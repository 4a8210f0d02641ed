package consulkit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/consulkit/client"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.HTTPTimeout != DefaultHTTPTimeout {
		t.Fatalf("http timeout = %s", cfg.HTTPTimeout)
	}
	if cfg.LockSessionTTL != DefaultLockSessionTTL || cfg.LockWaitTime != DefaultLockWaitTime {
		t.Fatalf("lock defaults not applied: %+v", cfg)
	}
	if cfg.MonitorRetryTime != DefaultMonitorRetryTime || cfg.ChildShutdownGrace != DefaultChildShutdownGrace {
		t.Fatalf("monitor/child defaults not applied: %+v", cfg)
	}
	if cfg.S3MaxPartSize != DefaultS3MaxPartSize {
		t.Fatalf("part size = %d", cfg.S3MaxPartSize)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"scheme":          {Scheme: "ftp"},
		"token":           {Token: "a", TokenFile: "/tmp/token"},
		"cert":            {CertFile: "cert.pem"},
		"negative":        {WaitTime: -time.Second},
		"retries":         {MonitorRetries: -1},
		"short ttl":       {LockSessionTTL: 5 * time.Second},
		"long ttl":        {LockSessionTTL: 25 * time.Hour},
		"profiling":       {EnableProfilingMetrics: true},
		"store scheme":    {SnapshotStore: "ftp://host/x"},
		"aws region":      {SnapshotStore: "aws://bucket"},
		"bad store":       {SnapshotStore: "://"},
		"negative retain": {SnapshotRetention: -time.Hour},
	}
	for name, cfg := range cases {
		cfg := cfg
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	ok := Config{Scheme: "HTTPS", SnapshotStore: "aws://bucket?region=eu-north-1"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok.Scheme != "https" {
		t.Fatalf("scheme not normalised: %q", ok.Scheme)
	}
}

func TestClientConfigReadsTokenFile(t *testing.T) {
	t.Setenv(client.HTTPTokenEnvName, "from-env")
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  file-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	cfg := Config{
		Address:       "consul.service:8501",
		Scheme:        "https",
		Datacenter:    "dc2",
		TokenFile:     path,
		TLSServerName: "server.dc2.consul",
		WaitTime:      time.Minute,
	}
	cc, err := cfg.ClientConfig()
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cc.Token != "file-token" {
		t.Fatalf("token = %q", cc.Token)
	}
	if cc.Address != "consul.service:8501" || cc.Scheme != "https" || cc.Datacenter != "dc2" {
		t.Fatalf("unexpected client config %+v", cc)
	}
	if cc.TLS.ServerName != "server.dc2.consul" || cc.WaitTime != time.Minute {
		t.Fatalf("unexpected tls/wait %+v", cc)
	}

	cc, err = Config{}.ClientConfig()
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cc.Token != "from-env" {
		t.Fatalf("env token not used: %q", cc.Token)
	}

	if _, err := (Config{TokenFile: filepath.Join(t.TempDir(), "missing")}).ClientConfig(); err == nil {
		t.Fatalf("expected error for missing token file")
	}
}

func TestLockAndSemaphoreOptions(t *testing.T) {
	cfg := Config{LockDelay: time.Second, MonitorRetries: 3}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	lo := cfg.LockOptions("jobs/nightly", []byte("holder"))
	if lo.Key != "jobs/nightly" || string(lo.Value) != "holder" {
		t.Fatalf("unexpected lock options %+v", lo)
	}
	if lo.SessionTTL != DefaultLockSessionTTL || lo.LockDelay != time.Second || lo.MonitorRetries != 3 {
		t.Fatalf("session knobs not carried: %+v", lo)
	}
	so := cfg.SemaphoreOptions("render", 4, nil)
	if so.Prefix != "render" || so.Limit != 4 || so.SemaphoreWaitTime != DefaultLockWaitTime {
		t.Fatalf("unexpected semaphore options %+v", so)
	}
}

func TestDefaultConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvPrefix+"_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("config dir = %s, want %s", got, dir)
	}
	snap, err := DefaultSnapshotDir()
	if err != nil {
		t.Fatalf("snapshot dir: %v", err)
	}
	if !strings.HasPrefix(snap, dir) || filepath.Base(snap) != "snapshots" {
		t.Fatalf("snapshot dir = %s", snap)
	}
}

func TestConfigValidateExpandsPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("CONSULKIT_TEST_CERTS", "/etc/consul/tls")
	cfg := Config{
		TokenFile:        "~/.consul-token",
		CAFile:           "$CONSULKIT_TEST_CERTS/ca.pem",
		SnapshotSpoolDir: "~/spool",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if want := filepath.Join(home, ".consul-token"); cfg.TokenFile != want {
		t.Fatalf("token file = %q, want %q", cfg.TokenFile, want)
	}
	if cfg.CAFile != "/etc/consul/tls/ca.pem" {
		t.Fatalf("ca file = %q", cfg.CAFile)
	}
	if want := filepath.Join(home, "spool"); cfg.SnapshotSpoolDir != want {
		t.Fatalf("spool dir = %q, want %q", cfg.SnapshotSpoolDir, want)
	}
}
