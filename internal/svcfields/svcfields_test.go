package svcfields

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystem(t *testing.T) {
	cases := map[string][]string{
		"":                   nil,
		"cli":                {"cli"},
		"cli.lock":           {"cli", "lock"},
		"cli.snapshot.save":  {" cli. ", "", ".snapshot", "save."},
		"cli.watch.config":   {"cli.watch", "config"},
		"client.sdk.session": {"client.sdk", " ", "session"},
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q) = %q, want %q", parts, got, want)
		}
	}
}

func TestWithSubsystemTagsLines(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
	WithSubsystem(logger, "cli", "lock").Info("cli.lock.acquire.success")
	out := buf.String()
	if !strings.Contains(out, "cli.lock") || !strings.Contains(out, "sys") {
		t.Fatalf("subsystem missing from %q", out)
	}
	if WithSubsystem(nil, "x") == nil {
		t.Fatalf("nil logger not replaced")
	}
}
