// Package consulkit wires the Consul SDK in package client into the settings,
// snapshot archives and telemetry shared by the consulkit command and by
// programs that embed the same behaviour.
//
// # Configuration
//
// Config mirrors every CLI flag. Validate fills defaults; ClientConfig layers
// the values over the CONSUL_* environment read by client.DefaultConfig:
//
//	cfg := consulkit.Config{Address: "https://consul:8501", TokenFile: "/run/secrets/consul"}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	cli, err := cfg.NewClient(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//	err = cli.ExecuteLocked(ctx, cfg.LockOptions("jobs/nightly", nil), runNightly)
//
// # Snapshot archives
//
// OpenSnapshotStore resolves Config.SnapshotStore into an archive for Raft
// snapshots taken through client.Snapshot:
//
//   - mem:// keeps images in process memory (tests)
//   - disk:///var/lib/consul-snapshots writes one file per image
//   - s3://host:9000/bucket/prefix targets MinIO and other S3-compatible services
//   - aws://bucket/prefix?region=eu-north-1 uses the AWS SDK credential chain
//   - azure://account/container/prefix uses a shared key or SAS token
//
// An empty store falls back to $HOME/.consulkit/snapshots.
//
// # Telemetry
//
// SetupTelemetry installs the global OpenTelemetry providers. OTLPEndpoint
// exports traces over gRPC or HTTP, MetricsListen serves Prometheus metrics
// (including the client's consul.coordination.* instruments) and PprofListen
// serves net/http/pprof.
package consulkit
