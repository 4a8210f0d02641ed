package client_test

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/client"
	"pkt.systems/consulkit/consultest"
)

func TestStatusEndpoints(t *testing.T) {
	srv := consultest.Start(t, consultest.WithPeers("10.0.0.1:8300", "10.0.0.2:8300"))
	status := srv.Client(t).Status()
	ctx := testContext(t)

	leader, err := status.Leader(ctx)
	if err != nil || leader != "10.0.0.1:8300" {
		t.Fatalf("leader = %q, %v", leader, err)
	}
	peers, err := status.Peers(ctx)
	if err != nil || len(peers) != 2 {
		t.Fatalf("peers = %v, %v", peers, err)
	}
}

func TestEventFireAndList(t *testing.T) {
	srv := consultest.Start(t)
	events := srv.Client(t).Event()
	ctx := testContext(t)

	if _, _, err := events.Fire(ctx, &api.UserEvent{}, nil); err == nil {
		t.Fatalf("expected error for unnamed event")
	}
	id, _, err := events.Fire(ctx, &api.UserEvent{Name: "deploy", Payload: []byte("v2"), ServiceFilter: "web"}, nil)
	if err != nil || id == "" {
		t.Fatalf("fire = %q, %v", id, err)
	}
	if _, _, err := events.Fire(ctx, &api.UserEvent{Name: "other"}, nil); err != nil {
		t.Fatalf("fire other: %v", err)
	}
	list, _, err := events.List(ctx, "deploy", nil)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
	if list[0].ID != id || string(list[0].Payload) != "v2" || list[0].ServiceFilter != "web" {
		t.Fatalf("unexpected event %+v", list[0])
	}
	if events.IDToIndex(id) == 0 {
		t.Fatalf("expected non-zero index for %s", id)
	}
}

func TestEventIDToIndex(t *testing.T) {
	var e client.Event
	cases := map[string]uint64{
		"00000000-0000-0001-0000-000000000002": 3,
		"ffffffff-ffff-ffff-ffff-ffffffffffff": 0,
		"not-a-uuid":                           0,
	}
	for id, want := range cases {
		if got := e.IDToIndex(id); got != want {
			t.Fatalf("IDToIndex(%q) = %d, want %d", id, got, want)
		}
	}
}

func TestAgentServicesAndChecks(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	agent := cli.Agent()
	ctx := testContext(t)

	name, err := agent.NodeName(ctx)
	if err != nil || name != consultest.DefaultNode {
		t.Fatalf("node name = %q, %v", name, err)
	}
	members, err := agent.Members(ctx, false)
	if err != nil || len(members) != 1 {
		t.Fatalf("members = %v, %v", members, err)
	}

	err = agent.ServiceRegister(ctx, &api.AgentServiceRegistration{
		ID:    "web-1",
		Name:  "web",
		Tags:  []string{"v1"},
		Port:  8080,
		Check: &api.AgentServiceCheck{TTL: "30s"},
	})
	if err != nil {
		t.Fatalf("service register: %v", err)
	}
	services, err := agent.Services(ctx)
	if err != nil || services["web-1"] == nil || services["web-1"].Port != 8080 {
		t.Fatalf("services = %v, %v", services, err)
	}
	checks, err := agent.Checks(ctx)
	if err != nil || checks["service:web-1"] == nil {
		t.Fatalf("checks = %v, %v", checks, err)
	}

	health := cli.Health()
	passing, _, err := health.Service(ctx, "web", "", true, nil)
	if err != nil || len(passing) != 0 {
		t.Fatalf("critical service listed as passing: %v, %v", passing, err)
	}
	if err := agent.PassTTL(ctx, "service:web-1", "ok"); err != nil {
		t.Fatalf("pass ttl: %v", err)
	}
	passing, _, err = health.Service(ctx, "web", "v1", true, nil)
	if err != nil || len(passing) != 1 || passing[0].Service.ID != "web-1" {
		t.Fatalf("passing = %v, %v", passing, err)
	}

	if err := agent.EnableServiceMaintenance(ctx, "web-1", "upgrade"); err != nil {
		t.Fatalf("enable maintenance: %v", err)
	}
	entries, _, err := health.Service(ctx, "web", "", false, nil)
	if err != nil || len(entries) != 1 || entries[0].Checks.AggregatedStatus() != api.HealthMaintenance {
		t.Fatalf("maintenance not reflected: %v, %v", entries, err)
	}
	if err := agent.DisableServiceMaintenance(ctx, "web-1"); err != nil {
		t.Fatalf("disable maintenance: %v", err)
	}

	if err := agent.FailTTL(ctx, "service:web-1", "down"); err != nil {
		t.Fatalf("fail ttl: %v", err)
	}
	critical, _, err := health.State(ctx, api.HealthCritical, nil)
	if err != nil || len(critical) != 1 || critical[0].Output != "down" {
		t.Fatalf("critical = %v, %v", critical, err)
	}
	if _, _, err := health.State(ctx, api.HealthState("bogus"), nil); err == nil {
		t.Fatalf("expected invalid state error")
	}

	if err := agent.ServiceDeregister(ctx, "web-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := agent.ServiceDeregister(ctx, "web-1"); !client.IsNotFound(err) {
		t.Fatalf("expected not found on second deregister, got %v", err)
	}
}

func TestAgentCheckRegistration(t *testing.T) {
	srv := consultest.Start(t)
	agent := srv.Client(t).Agent()
	ctx := testContext(t)

	reg := &api.AgentCheckRegistration{ID: "disk", Name: "Disk"}
	reg.TTL = "1m"
	if err := agent.CheckRegister(ctx, reg); err != nil {
		t.Fatalf("check register: %v", err)
	}
	if err := agent.WarnTTL(ctx, "disk", "80%"); err != nil {
		t.Fatalf("warn ttl: %v", err)
	}
	checks, err := agent.Checks(ctx)
	if err != nil || checks["disk"].Status != api.HealthWarning {
		t.Fatalf("checks = %v, %v", checks, err)
	}
	if err := agent.EnableNodeMaintenance(ctx, ""); err != nil {
		t.Fatalf("node maintenance: %v", err)
	}
	nodeChecks, _, err := srv.Client(t).Health().Node(ctx, consultest.DefaultNode, nil)
	if err != nil || nodeChecks.AggregatedStatus() != api.HealthMaintenance {
		t.Fatalf("node checks = %v, %v", nodeChecks, err)
	}
	if err := agent.DisableNodeMaintenance(ctx); err != nil {
		t.Fatalf("disable node maintenance: %v", err)
	}
	if err := agent.CheckDeregister(ctx, "disk"); err != nil {
		t.Fatalf("check deregister: %v", err)
	}
	if err := agent.Join(ctx, "10.0.0.9", false); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := agent.ForceLeave(ctx, "gone"); err != nil {
		t.Fatalf("force leave: %v", err)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	srv := consultest.Start(t)
	catalog := srv.Client(t).Catalog()
	ctx := testContext(t)

	_, err := catalog.Register(ctx, &api.CatalogRegistration{
		Node:    consultest.DefaultNode,
		Address: "127.0.0.1",
		Service: &api.AgentService{ID: "db-1", Service: "db", Tags: []string{"primary"}, Port: 5432},
	}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	dcs, err := catalog.Datacenters(ctx)
	if err != nil || !reflect.DeepEqual(dcs, []string{consultest.DefaultDatacenter}) {
		t.Fatalf("datacenters = %v, %v", dcs, err)
	}
	nodes, _, err := catalog.Nodes(ctx, nil)
	if err != nil || len(nodes) != 1 {
		t.Fatalf("nodes = %v, %v", nodes, err)
	}
	services, _, err := catalog.Services(ctx, nil)
	if err != nil || !reflect.DeepEqual(services["db"], []string{"primary"}) {
		t.Fatalf("services = %v, %v", services, err)
	}
	instances, _, err := catalog.Service(ctx, "db", "primary", nil)
	if err != nil || len(instances) != 1 || instances[0].ServicePort != 5432 {
		t.Fatalf("service = %v, %v", instances, err)
	}
	node, _, err := catalog.Node(ctx, consultest.DefaultNode, nil)
	if err != nil || node == nil || node.Services["db-1"] == nil {
		t.Fatalf("node = %+v, %v", node, err)
	}
	if _, err := catalog.Deregister(ctx, &api.CatalogDeregistration{Node: consultest.DefaultNode, ServiceID: "db-1"}, nil); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	instances, _, err = catalog.Service(ctx, "db", "", nil)
	if err != nil || len(instances) != 0 {
		t.Fatalf("service after deregister = %v, %v", instances, err)
	}
}

func TestACLTokens(t *testing.T) {
	srv := consultest.Start(t)
	acl := srv.Client(t).ACL()
	ctx := testContext(t)

	if _, _, err := acl.TokenCreate(ctx, &api.ACLToken{AccessorID: "preset"}, nil); err == nil {
		t.Fatalf("expected preset accessor to be rejected")
	}
	created, _, err := acl.TokenCreate(ctx, &api.ACLToken{Description: "ci"}, nil)
	if err != nil || created.AccessorID == "" || created.SecretID == "" {
		t.Fatalf("create = %+v, %v", created, err)
	}
	read, _, err := acl.TokenRead(ctx, created.AccessorID, nil)
	if err != nil || read == nil || read.Description != "ci" {
		t.Fatalf("read = %+v, %v", read, err)
	}
	created.Description = "ci-updated"
	updated, _, err := acl.TokenUpdate(ctx, created, nil)
	if err != nil || updated.Description != "ci-updated" || updated.SecretID != created.SecretID {
		t.Fatalf("update = %+v, %v", updated, err)
	}
	clone, _, err := acl.TokenClone(ctx, created.AccessorID, "copy", nil)
	if err != nil || clone.AccessorID == created.AccessorID || clone.Description != "copy" {
		t.Fatalf("clone = %+v, %v", clone, err)
	}
	self, _, err := acl.TokenReadSelf(ctx, &client.QueryOptions{Token: clone.SecretID})
	if err != nil || self.AccessorID != clone.AccessorID {
		t.Fatalf("self = %+v, %v", self, err)
	}
	list, _, err := acl.TokenList(ctx, nil)
	if err != nil || len(list) != 2 {
		t.Fatalf("list = %v, %v", list, err)
	}
	for _, tok := range list {
		if tok.SecretID != "" {
			t.Fatalf("list leaked secret for %s", tok.AccessorID)
		}
	}
	if _, err := acl.TokenDelete(ctx, clone.AccessorID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	gone, _, err := acl.TokenRead(ctx, clone.AccessorID, nil)
	if err != nil || gone != nil {
		t.Fatalf("read after delete = %+v, %v", gone, err)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	srv := consultest.Start(t, consultest.WithPeers("10.0.0.1:8300", "10.0.0.2:8300"))
	op := srv.Client(t).Operator()
	ctx := testContext(t)

	cfg, err := op.RaftGetConfiguration(ctx, nil)
	if err != nil || len(cfg.Servers) != 2 || !cfg.Servers[0].Leader {
		t.Fatalf("raft configuration = %+v, %v", cfg, err)
	}
	if err := op.RaftRemovePeerByAddress(ctx, "10.0.0.2:8300", nil); err != nil {
		t.Fatalf("remove peer: %v", err)
	}
	if err := op.RaftRemovePeerByAddress(ctx, "10.0.0.2:8300", nil); !client.IsServerError(err) {
		t.Fatalf("expected server error for unknown peer, got %v", err)
	}

	const key = "pUqJrVyVRj5jsiYEkM/tFQYfWyJIv4s3XkvDwy7Cu5s="
	if err := op.KeyringInstall(ctx, key, nil); err != nil {
		t.Fatalf("keyring install: %v", err)
	}
	if err := op.KeyringUse(ctx, key, nil); err != nil {
		t.Fatalf("keyring use: %v", err)
	}
	rings, err := op.KeyringList(ctx, nil)
	if err != nil || len(rings) != 2 || rings[0].Keys[key] != 1 {
		t.Fatalf("keyring list = %v, %v", rings, err)
	}
	if err := op.KeyringRemove(ctx, key, nil); err != nil {
		t.Fatalf("keyring remove: %v", err)
	}
	if err := op.KeyringUse(ctx, key, nil); err == nil {
		t.Fatalf("expected use of removed key to fail")
	}
}

func TestCoordinateEndpoints(t *testing.T) {
	srv := consultest.Start(t)
	coords := srv.Client(t).Coordinate()
	ctx := testContext(t)

	dcs, err := coords.Datacenters(ctx)
	if err != nil || len(dcs) != 1 || dcs[0].Datacenter != consultest.DefaultDatacenter {
		t.Fatalf("datacenters = %v, %v", dcs, err)
	}
	nodes, _, err := coords.Nodes(ctx, nil)
	if err != nil || len(nodes) != 1 || nodes[0].Coord == nil {
		t.Fatalf("nodes = %v, %v", nodes, err)
	}
}

func TestPreparedQueries(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	queries := cli.PreparedQuery()
	ctx := testContext(t)

	if err := cli.Agent().ServiceRegister(ctx, &api.AgentServiceRegistration{Name: "cache", Port: 6379}); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, _, err := queries.Create(ctx, &api.PreparedQueryDefinition{Name: "nearest-cache", Service: api.ServiceQuery{Service: "cache"}}, nil)
	if err != nil || id == "" {
		t.Fatalf("create = %q, %v", id, err)
	}
	defs, _, err := queries.Get(ctx, id, nil)
	if err != nil || len(defs) != 1 || defs[0].Name != "nearest-cache" {
		t.Fatalf("get = %v, %v", defs, err)
	}
	result, _, err := queries.Execute(ctx, "nearest-cache", nil)
	if err != nil || result.Service != "cache" || len(result.Nodes) != 1 {
		t.Fatalf("execute = %+v, %v", result, err)
	}
	defs[0].DNS.TTL = "10s"
	if _, err := queries.Update(ctx, defs[0], nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	all, _, err := queries.List(ctx, nil)
	if err != nil || len(all) != 1 || all[0].DNS.TTL != "10s" {
		t.Fatalf("list = %v, %v", all, err)
	}
	if _, err := queries.Delete(ctx, id, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := queries.Execute(ctx, id, nil); !client.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestSnapshotSaveRestore(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	srv.Put("snap/a", []byte("1"), 0)
	srv.Put("snap/b", []byte("2"), 0)
	rc, meta, err := cli.Snapshot().Save(ctx, nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	image, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || len(image) == 0 {
		t.Fatalf("read snapshot: %d bytes, %v", len(image), err)
	}
	if meta.LastIndex == 0 {
		t.Fatalf("snapshot index missing")
	}

	if _, err := cli.KV().DeleteTree(ctx, "snap/", nil); err != nil {
		t.Fatalf("delete tree: %v", err)
	}
	if err := cli.Snapshot().Restore(ctx, bytes.NewReader(image), nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if pair := srv.Get("snap/b"); pair == nil || string(pair.Value) != "2" {
		t.Fatalf("restored pair = %+v", pair)
	}
	var cfgErr *client.ConfigError
	if err := cli.Snapshot().Restore(ctx, nil, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for nil reader, got %v", err)
	}
}

func TestRawQueryAndWrite(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	leader, _, err := client.RawQuery[string](ctx, cli, "/v1/status/leader", nil)
	if err != nil || leader != consultest.DefaultLeader {
		t.Fatalf("raw leader = %q, %v", leader, err)
	}
	resp, _, err := client.RawWrite[*api.SessionEntry, api.SessionCreateResponse](ctx, cli, "/v1/session/create", &api.SessionEntry{TTL: "10s"}, nil)
	if err != nil || !srv.HasSession(resp.ID) {
		t.Fatalf("raw session create = %+v, %v", resp, err)
	}
	if _, _, err := client.RawQuery[[]string](ctx, cli, "/v1/does/not/exist", nil); !client.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDatacenterAndClosedClient(t *testing.T) {
	srv := consultest.Start(t)
	cli, err := srv.NewClient(client.WithDatacenter("elsewhere"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := testContext(t)
	if _, err := cli.Status().Leader(ctx); !client.IsServerError(err) {
		t.Fatalf("expected unknown datacenter to fail, got %v", err)
	}
	if _, err := cli.Status().Leader(ctx); err == nil {
		t.Fatalf("expected repeat failure")
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := cli.KV().Get(ctx, "k", nil); !errors.Is(err, client.ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}
