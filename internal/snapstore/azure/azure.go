package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/consulkit/internal/snapstore"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements snapstore.Store on Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store and creates the container when it does not exist.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Client exposes the underlying Azure Blob client for diagnostics.
func (s *Store) Client() *azblob.Client { return s.client }

// Endpoint returns the service URL without SAS parameters.
func (s *Store) Endpoint() string { return s.endpoint }

// Put uploads body as a block blob.
func (s *Store) Put(ctx context.Context, name string, body io.Reader, size int64) (snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return snapstore.ObjectInfo{}, err
	}
	logger := pslog.LoggerFromContext(ctx)
	blobName := snapstore.ObjectKey(s.prefix, name)
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, counter, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(snapstore.ContentType)},
	})
	if err != nil {
		logger.Debug("azure.put.error", "blob", blobName, "error", err)
		return snapstore.ObjectInfo{}, fmt.Errorf("azure: upload %s: %w", name, err)
	}
	if size >= 0 && counter.n != size {
		return snapstore.ObjectInfo{}, fmt.Errorf("azure: short body for %s: got %d bytes, want %d", name, counter.n, size)
	}
	info := snapstore.ObjectInfo{Name: name, Size: counter.n}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	logger.Debug("azure.put.success", "blob", blobName, "size", counter.n)
	return info, nil
}

// Get streams the blob.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return nil, snapstore.ObjectInfo{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, snapstore.ObjectKey(s.prefix, name), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, snapstore.ObjectInfo{}, snapstore.ErrNotFound
		}
		return nil, snapstore.ObjectInfo{}, fmt.Errorf("azure: download %s: %w", name, err)
	}
	info := snapstore.ObjectInfo{Name: name}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return resp.Body, info, nil
}

// List pages through blobs directly under the prefix.
func (s *Store) List(ctx context.Context) ([]snapstore.ObjectInfo, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var out []snapstore.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name, ok := snapstore.NameFromKey(s.prefix, *item.Name)
			if !ok {
				continue
			}
			info := snapstore.ObjectInfo{Name: name}
			if item.Properties != nil {
				if item.Properties.ETag != nil {
					info.ETag = string(*item.Properties.ETag)
				}
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = item.Properties.LastModified.UTC()
				}
			}
			out = append(out, info)
		}
	}
	snapstore.SortByName(out)
	return out, nil
}

// Delete removes the blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, snapstore.ObjectKey(s.prefix, name), nil); err != nil {
		if isNotFound(err) {
			return snapstore.ErrNotFound
		}
		return fmt.Errorf("azure: delete %s: %w", name, err)
	}
	return nil
}

// Close satisfies snapstore.Store; the Azure client holds no resources.
func (s *Store) Close() error { return nil }

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
