package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/consulkit/internal/snapstore"
	"pkt.systems/pslog"
)

// DefaultPartSize is the multipart chunk used for large images.
const DefaultPartSize = 16 << 20

// Config controls the behaviour of the S3-compatible archive.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	PartSize       uint64
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	// SpoolDir holds uploads of unknown length before they are sent.
	SpoolDir string
}

// Store implements snapstore.Store on S3-compatible object storage via the
// MinIO SDK.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 64
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket is reachable.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return false, fmt.Errorf("s3: bucket exists: %w", err)
	}
	return ok, nil
}

// Put uploads body. Bodies of unknown length are spooled first so the upload
// is a plain PUT or a sized multipart upload.
func (s *Store) Put(ctx context.Context, name string, body io.Reader, size int64) (snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return snapstore.ObjectInfo{}, err
	}
	logger := pslog.LoggerFromContext(ctx)
	start := time.Now()
	object := snapstore.ObjectKey(s.cfg.Prefix, name)
	reader, length := body, size
	if size < 0 {
		spooled, err := snapstore.Spool(ctx, s.cfg.SpoolDir, body, size)
		if err != nil {
			return snapstore.ObjectInfo{}, err
		}
		defer spooled.Close()
		reader, length = spooled, spooled.Size
	}
	opts := minio.PutObjectOptions{ContentType: snapstore.ContentType, PartSize: s.cfg.PartSize}
	s.applySSE(&opts)
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, reader, length, opts)
	if err != nil {
		logger.Debug("s3.put.error", "object", object, "error", err)
		return snapstore.ObjectInfo{}, fmt.Errorf("s3: put %s: %w", name, err)
	}
	logger.Debug("s3.put.success", "object", object, "size", info.Size, "elapsed", time.Since(start))
	return snapstore.ObjectInfo{
		Name:         name,
		Size:         info.Size,
		LastModified: info.LastModified,
		ETag:         strings.Trim(info.ETag, `"`),
	}, nil
}

// Get opens the stored image.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return nil, snapstore.ObjectInfo{}, err
	}
	object := snapstore.ObjectKey(s.cfg.Prefix, name)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, snapstore.ObjectInfo{}, snapstore.ErrNotFound
		}
		return nil, snapstore.ObjectInfo{}, fmt.Errorf("s3: get %s: %w", name, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, snapstore.ObjectInfo{}, snapstore.ErrNotFound
		}
		return nil, snapstore.ObjectInfo{}, fmt.Errorf("s3: stat %s: %w", name, err)
	}
	return obj, snapstore.ObjectInfo{
		Name:         name,
		Size:         stat.Size,
		LastModified: stat.LastModified,
		ETag:         strings.Trim(stat.ETag, `"`),
	}, nil
}

// List enumerates images directly under the prefix.
func (s *Store) List(ctx context.Context) ([]snapstore.ObjectInfo, error) {
	prefix := ""
	if s.cfg.Prefix != "" {
		prefix = s.cfg.Prefix + "/"
	}
	var out []snapstore.ObjectInfo
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("s3: list: %w", object.Err)
		}
		name, ok := snapstore.NameFromKey(s.cfg.Prefix, object.Key)
		if !ok {
			continue
		}
		out = append(out, snapstore.ObjectInfo{
			Name:         name,
			Size:         object.Size,
			LastModified: object.LastModified,
			ETag:         strings.Trim(object.ETag, `"`),
		})
	}
	snapstore.SortByName(out)
	return out, nil
}

// Delete removes name. S3 deletes are idempotent, so existence is checked
// first to report ErrNotFound.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	object := snapstore.ObjectKey(s.cfg.Prefix, name)
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return snapstore.ErrNotFound
		}
		return fmt.Errorf("s3: stat %s: %w", name, err)
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3: delete %s: %w", name, err)
	}
	return nil
}

// Close satisfies snapstore.Store.
func (s *Store) Close() error { return nil }

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}
