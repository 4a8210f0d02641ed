package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/client"
	"pkt.systems/consulkit/consultest"
)

func TestSessionCommands(t *testing.T) {
	srv, base := startAgent(t)
	cli := srv.Client(t)
	id, _, err := cli.Session().Create(context.Background(), &api.SessionEntry{Name: "cli-test", TTL: "30s"}, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	out, _, err := executeRootCommand(t, withArgs(base, "session", "list")...)
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	var sessions []*api.SessionEntry
	if err := json.Unmarshal([]byte(out), &sessions); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].Name != "cli-test" {
		t.Fatalf("unexpected sessions: %s", out)
	}

	out, _, err = executeRootCommand(t, withArgs(base, "session", "list", "--node", consultest.DefaultNode)...)
	if err != nil {
		t.Fatalf("session list --node: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("node listing missing %s: %s", id, out)
	}
	out, _, err = executeRootCommand(t, withArgs(base, "session", "list", "--node", "elsewhere")...)
	if err != nil {
		t.Fatalf("session list --node elsewhere: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("expected empty listing, got %s", out)
	}

	out, _, err = executeRootCommand(t, withArgs(base, "session", "info", id)...)
	if err != nil {
		t.Fatalf("session info: %v", err)
	}
	var entry api.SessionEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("decode info: %v\n%s", err, out)
	}
	if entry.ID != id || entry.TTL != "30s" {
		t.Fatalf("unexpected info: %s", out)
	}

	if _, _, err := executeRootCommand(t, withArgs(base, "session", "renew", id)...); err != nil {
		t.Fatalf("session renew: %v", err)
	}

	out, _, err = executeRootCommand(t, withArgs(base, "session", "destroy", id)...)
	if err != nil {
		t.Fatalf("session destroy: %v", err)
	}
	if out != "destroyed "+id+"\n" {
		t.Fatalf("destroy output = %q", out)
	}
	if srv.HasSession(id) {
		t.Fatalf("session %s still exists", id)
	}

	if _, _, err := executeRootCommand(t, withArgs(base, "session", "info", id)...); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := executeRootCommand(t, withArgs(base, "session", "renew", id)...); !errors.Is(err, client.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}
