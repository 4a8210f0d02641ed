package consulkit

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/consulkit/internal/snapstore"
	awsstore "pkt.systems/consulkit/internal/snapstore/aws"
	azurestore "pkt.systems/consulkit/internal/snapstore/azure"
	"pkt.systems/consulkit/internal/snapstore/disk"
	"pkt.systems/consulkit/internal/snapstore/memory"
	"pkt.systems/consulkit/internal/snapstore/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// S3ConfigResult bundles the MinIO archive configuration with its credential
// provenance.
type S3ConfigResult struct {
	Config      s3.Config
	Credentials CredentialSummary
}

// AWSConfigResult bundles the AWS archive configuration with its credential
// provenance.
type AWSConfigResult struct {
	Config      awsstore.Config
	Credentials CredentialSummary
}

// OpenSnapshotStore opens the archive named by cfg.SnapshotStore. An empty
// store falls back to a disk archive under DefaultSnapshotDir.
func OpenSnapshotStore(ctx context.Context, cfg Config) (snapstore.Store, error) {
	raw := strings.TrimSpace(cfg.SnapshotStore)
	if raw == "" {
		dir, err := DefaultSnapshotDir()
		if err != nil {
			return nil, fmt.Errorf("resolve snapshot dir: %w", err)
		}
		raw = "disk://" + filepath.ToSlash(dir)
		cfg.SnapshotStore = raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		for _, check := range disk.Verify(ctx, diskCfg) {
			if check.Err != nil {
				return nil, fmt.Errorf("disk snapshot store verification failed: %s: %w", check.Name, check.Err)
			}
		}
		return disk.New(diskCfg)
	case "s3":
		res, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(res.Config)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, res.Config.Bucket, store.BucketExists); err != nil {
			return nil, err
		}
		return store, nil
	case "aws":
		res, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := awsstore.New(res.Config)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, res.Config.Bucket, store.BucketExists); err != nil {
			return nil, err
		}
		return store, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("snapshot store scheme %q not supported", u.Scheme)
	}
}

func ensureBucket(ctx context.Context, bucket string, exists func(context.Context) (bool, error)) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible
// services (MinIO, Ceph and friends).
func BuildGenericS3Config(cfg Config) (S3ConfigResult, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return S3ConfigResult{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return S3ConfigResult{}, fmt.Errorf("snapshot store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return S3ConfigResult{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return S3ConfigResult{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return S3ConfigResult{Credentials: summary}, err
	}
	partSize := cfg.S3MaxPartSize
	if partSize <= 0 {
		partSize = DefaultS3MaxPartSize
	}
	return S3ConfigResult{
		Config: s3.Config{
			Endpoint:       endpoint,
			Region:         query.Get("region"),
			Bucket:         bucket,
			Prefix:         prefix,
			Insecure:       !secure,
			ForcePathStyle: forcePath,
			PartSize:       uint64(partSize),
			ServerSideEnc:  cfg.S3SSE,
			KMSKeyID:       kmsKey,
			CustomCreds:    cred,
			SpoolDir:       cfg.SnapshotSpoolDir,
		},
		Credentials: summary,
	}, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs.
func BuildAWSConfig(cfg Config) (AWSConfigResult, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return AWSConfigResult{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return AWSConfigResult{}, fmt.Errorf("snapshot store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return AWSConfigResult{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return AWSConfigResult{}, fmt.Errorf("aws store requires region (set --aws-region or %s_AWS_REGION)", EnvPrefix)
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	pathStyle := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return AWSConfigResult{
		Config: awsstore.Config{
			Endpoint:      query.Get("endpoint"),
			Region:        region,
			Bucket:        bucket,
			Prefix:        strings.Trim(strings.TrimPrefix(u.Path, "/"), "/"),
			Insecure:      insecure,
			PathStyle:     pathStyle,
			ServerSideEnc: cfg.S3SSE,
			KMSKeyID:      kmsKey,
			SpoolDir:      cfg.SnapshotSpoolDir,
		},
		Credentials: resolveAWSCredentials(),
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv(EnvPrefix + "_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv(EnvPrefix + "_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv(EnvPrefix + "_S3_SESSION_TOKEN")
		source = "env:" + EnvPrefix + "_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Defer to the SDK chain (AWS_*, MINIO_*, shared files, IAM).
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

// BuildAzureConfig derives the Azure archive configuration from
// azure://account/container[/prefix].
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("snapshot store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	prefix := ""
	if len(parts) == 2 {
		prefix = parts[1]
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv(EnvPrefix+"_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv(EnvPrefix+"_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  parts[0],
		Prefix:     prefix,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("snapshot store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/consul-snapshots)")
	}
	return disk.Config{
		Root:      filepath.Clean(filepath.FromSlash(pathPart)),
		Retention: cfg.SnapshotRetention,
	}, nil
}
