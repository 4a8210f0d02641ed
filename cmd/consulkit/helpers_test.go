package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/consulkit/consultest"
	"pkt.systems/pslog"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
	})
}

// isolateEnv keeps the developer's ~/.consulkit and CONSUL_* settings out of
// command tests.
func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONSULKIT_CONFIG_DIR", dir)
	t.Setenv("CONSULKIT_CONFIG", "")
	t.Setenv("CONSULKIT_SNAPSHOT_STORE", "")
	t.Setenv("CONSUL_HTTP_ADDR", "")
	t.Setenv("CONSUL_HTTP_TOKEN", "")
	t.Setenv("CONSUL_HTTP_SSL", "")
	return dir
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeRootCommandContext(t, context.Background(), nil, args...)
}

func executeRootCommandContext(t *testing.T, ctx context.Context, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(testLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// startAgent runs an in-memory agent and returns it with the flags that point
// the CLI at it.
func startAgent(t *testing.T) (*consultest.Server, []string) {
	t.Helper()
	isolateEnv(t)
	srv := consultest.Start(t)
	return srv, []string{"--http-addr", srv.URL}
}

func withArgs(base []string, args ...string) []string {
	out := append([]string(nil), base...)
	return append(out, args...)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
