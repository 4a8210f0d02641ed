package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/consulkit/internal/snapstore"
	"pkt.systems/pslog"
)

const opTimeout = 5 * time.Minute

// Config controls the behaviour of the AWS S3 archive.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	Insecure      bool
	PathStyle     bool
	ServerSideEnc string
	KMSKeyID      string
	SpoolDir      string
}

// Store implements snapstore.Store on AWS S3 through aws-sdk-go-v2.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Store using the provided configuration. Credentials come
// from the default AWS chain (environment, shared files, instance roles).
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		awsconfig.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client { return s.client }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Put uploads body as a single PutObject. The SDK needs a seekable body to
// sign the payload, so streams are spooled first.
func (s *Store) Put(ctx context.Context, name string, body io.Reader, size int64) (snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return snapstore.ObjectInfo{}, err
	}
	logger := pslog.LoggerFromContext(ctx)
	spooled, err := snapstore.Spool(ctx, s.cfg.SpoolDir, body, size)
	if err != nil {
		return snapstore.ObjectInfo{}, err
	}
	defer spooled.Close()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object := snapstore.ObjectKey(s.cfg.Prefix, name)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          spooled,
		ContentLength: aws.Int64(spooled.Size),
		ContentType:   aws.String(snapstore.ContentType),
	}
	applySSE(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		logger.Debug("aws.put.error", "object", object, "error", err)
		return snapstore.ObjectInfo{}, fmt.Errorf("aws: put %s: %w", name, err)
	}
	logger.Debug("aws.put.success", "object", object, "size", spooled.Size, "elapsed", time.Since(start))
	return snapstore.ObjectInfo{
		Name:         name,
		Size:         spooled.Size,
		LastModified: time.Now(),
		ETag:         stripETag(aws.ToString(out.ETag)),
	}, nil
}

// Get opens the stored image. The returned reader owns the request context.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return nil, snapstore.ObjectInfo{}, err
	}
	ctx, cancel := withTimeout(ctx)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(snapstore.ObjectKey(s.cfg.Prefix, name)),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return nil, snapstore.ObjectInfo{}, snapstore.ErrNotFound
		}
		return nil, snapstore.ObjectInfo{}, fmt.Errorf("aws: get %s: %w", name, err)
	}
	info := snapstore.ObjectInfo{
		Name:         name,
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ETag:         stripETag(aws.ToString(resp.ETag)),
	}
	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, info, nil
}

// List enumerates images directly under the prefix, following continuation
// tokens.
func (s *Store) List(ctx context.Context) ([]snapstore.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	prefix := ""
	if s.cfg.Prefix != "" {
		prefix = s.cfg.Prefix + "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}
	var out []snapstore.ObjectInfo
	for {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("aws: list: %w", err)
		}
		for _, object := range resp.Contents {
			name, ok := snapstore.NameFromKey(s.cfg.Prefix, aws.ToString(object.Key))
			if !ok {
				continue
			}
			out = append(out, snapstore.ObjectInfo{
				Name:         name,
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
				ETag:         stripETag(aws.ToString(object.ETag)),
			})
		}
		if !aws.ToBool(resp.IsTruncated) || aws.ToString(resp.NextContinuationToken) == "" {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	snapstore.SortByName(out)
	return out, nil
}

// Delete removes name after confirming it exists.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := snapstore.ObjectKey(s.cfg.Prefix, name)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		if isNotFound(err) {
			return snapstore.ErrNotFound
		}
		return fmt.Errorf("aws: head %s: %w", name, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		return fmt.Errorf("aws: delete %s: %w", name, err)
	}
	return nil
}

// Close satisfies snapstore.Store and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

func applySSE(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func stripETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func httpStatusCode(err error) (int, bool) {
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
