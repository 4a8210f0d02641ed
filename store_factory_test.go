package consulkit

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/consulkit/internal/snapstore/disk"
	"pkt.systems/consulkit/internal/snapstore/memory"
)

func TestOpenSnapshotStoreMemory(t *testing.T) {
	store, err := OpenSnapshotStore(context.Background(), Config{SnapshotStore: "mem://"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenSnapshotStoreDisk(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	store, err := OpenSnapshotStore(ctx, Config{SnapshotStore: "disk://" + filepath.ToSlash(root)})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*disk.Store); !ok {
		t.Fatalf("expected disk store, got %T", store)
	}
	if _, err := store.Put(ctx, "dc1.snap", bytes.NewReader([]byte("image")), 5); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, _, err := store.Get(ctx, "dc1.snap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "image" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestOpenSnapshotStoreDefaultsToConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvPrefix+"_CONFIG_DIR", dir)
	store, err := OpenSnapshotStore(context.Background(), Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ds, ok := store.(*disk.Store)
	if !ok {
		t.Fatalf("expected disk store, got %T", store)
	}
	if got, want := ds.Root(), filepath.Join(dir, "snapshots"); got != want {
		t.Fatalf("root = %s, want %s", got, want)
	}
}

func TestOpenSnapshotStoreRejectsUnknownScheme(t *testing.T) {
	if _, err := OpenSnapshotStore(context.Background(), Config{SnapshotStore: "ftp://host/x"}); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		SnapshotStore:     "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3MaxPartSize:     8 << 20,
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	res, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	s3cfg := res.Config
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected bucket/prefix: %s/%s", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config, got %+v", s3cfg)
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "AES256" {
		t.Fatalf("unexpected encryption settings: %+v", s3cfg)
	}
	if s3cfg.PartSize != 8<<20 {
		t.Fatalf("unexpected part size: %d", s3cfg.PartSize)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatalf("expected static credentials")
	}
	if res.Credentials.AccessKey != "minio" || !res.Credentials.HasSecret || res.Credentials.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", res.Credentials)
	}
	if _, err := BuildGenericS3Config(Config{SnapshotStore: "s3://"}); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, err := BuildGenericS3Config(Config{SnapshotStore: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, err := BuildGenericS3Config(Config{SnapshotStore: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 store")
	}
}

func TestBuildGenericS3ConfigCredentialSources(t *testing.T) {
	t.Setenv(EnvPrefix+"_S3_ACCESS_KEY_ID", "")
	t.Setenv(EnvPrefix+"_S3_SECRET_ACCESS_KEY", "")
	t.Setenv(EnvPrefix+"_S3_SESSION_TOKEN", "")
	res, err := BuildGenericS3Config(Config{SnapshotStore: "s3://minio:9000/bucket"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if res.Credentials.Source != "chain" || res.Config.CustomCreds != nil {
		t.Fatalf("expected chain credentials, got %+v", res.Credentials)
	}
	if res.Config.Insecure {
		t.Fatalf("expected TLS by default")
	}
	if res.Config.PartSize != DefaultS3MaxPartSize {
		t.Fatalf("unexpected default part size: %d", res.Config.PartSize)
	}

	t.Setenv(EnvPrefix+"_S3_ACCESS_KEY_ID", "envkey")
	t.Setenv(EnvPrefix+"_S3_SECRET_ACCESS_KEY", "envsecret")
	res, err = BuildGenericS3Config(Config{SnapshotStore: "s3://minio:9000/bucket?tls=false"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if res.Credentials.AccessKey != "envkey" || !strings.HasPrefix(res.Credentials.Source, "env:") {
		t.Fatalf("unexpected credential summary: %+v", res.Credentials)
	}
	if !res.Config.Insecure {
		t.Fatalf("expected tls=false to disable TLS")
	}

	_, err = BuildGenericS3Config(Config{SnapshotStore: "s3://minio:9000/bucket", S3AccessKeyID: "only-key"})
	if err == nil {
		t.Fatalf("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg := Config{
		SnapshotStore: "aws://my-bucket/prefix?path-style=1",
		AWSRegion:     "us-west-2",
		AWSKMSKeyID:   "aws-kms",
	}
	res, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	awsCfg := res.Config
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" {
		t.Fatalf("unexpected bucket/prefix: %s/%s", awsCfg.Bucket, awsCfg.Prefix)
	}
	if awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected region: %s", awsCfg.Region)
	}
	if awsCfg.KMSKeyID != "aws-kms" {
		t.Fatalf("unexpected kms key: %s", awsCfg.KMSKeyID)
	}
	if !awsCfg.PathStyle {
		t.Fatalf("expected path style")
	}
	if res.Credentials.Source == "" {
		t.Fatalf("expected credential summary source")
	}

	res, err = BuildAWSConfig(Config{SnapshotStore: "aws://b?region=eu-north-1&endpoint=localhost:9000&insecure=1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if res.Config.Region != "eu-north-1" || res.Config.Endpoint != "localhost:9000" || !res.Config.Insecure {
		t.Fatalf("query overrides not applied: %+v", res.Config)
	}

	if _, err := BuildAWSConfig(Config{SnapshotStore: "aws://"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, err := BuildAWSConfig(Config{SnapshotStore: "aws://bucket"}); err == nil {
		t.Fatalf("expected error for missing region")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	cfg := Config{
		SnapshotStore:   "azure://myaccount/container/prefix/path",
		AzureAccountKey: "secret",
	}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "myaccount" || azureCfg.Container != "container" || azureCfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected config: %+v", azureCfg)
	}
	if azureCfg.AccountKey != "secret" {
		t.Fatalf("expected account key from config")
	}
	if azureCfg.Endpoint != "https://myaccount.blob.core.windows.net" {
		t.Fatalf("unexpected endpoint: %s", azureCfg.Endpoint)
	}

	azureCfg, err = BuildAzureConfig(Config{SnapshotStore: "azure://acct/c?sas=sv%3D1&endpoint=http://127.0.0.1:10000/acct"})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.SASToken != "sv=1" || azureCfg.Endpoint != "http://127.0.0.1:10000/acct" {
		t.Fatalf("query overrides not applied: %+v", azureCfg)
	}

	if _, err := BuildAzureConfig(Config{SnapshotStore: "azure:///container"}); err == nil {
		t.Fatalf("expected error for missing account")
	}
	if _, err := BuildAzureConfig(Config{SnapshotStore: "azure://acct"}); err == nil {
		t.Fatalf("expected error for missing container")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{SnapshotStore: "disk:///var/lib/consul-snapshots", SnapshotRetention: 48 * time.Hour})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if cfg.Root != filepath.Clean("/var/lib/consul-snapshots") {
		t.Fatalf("unexpected root: %s", cfg.Root)
	}
	if cfg.Retention.Hours() != 48 {
		t.Fatalf("unexpected retention: %s", cfg.Retention)
	}
	if _, err := BuildDiskConfig(Config{SnapshotStore: "disk://"}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
