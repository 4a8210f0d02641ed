// Package snapstore archives Consul snapshot images in object storage.
//
// Backends live in sub-packages (memory, disk, s3, aws, azure) and all satisfy
// Store. Names are flat, slash-free identifiers such as
// "dc1-20260102T150405Z.snap"; backends map them onto their own key space
// under an optional prefix.
package snapstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a snapshot name does not exist.
var ErrNotFound = errors.New("snapstore: not found")

// ErrInvalidName reports a name that cannot be stored.
var ErrInvalidName = errors.New("snapstore: invalid name")

// ContentType is attached to uploaded images where the backend supports it.
const ContentType = "application/x-consul-snapshot"

// MaxNameLength bounds snapshot names.
const MaxNameLength = 255

// ObjectInfo describes one archived snapshot.
type ObjectInfo struct {
	Name         string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Store is implemented by every archive backend.
type Store interface {
	// Put uploads body under name, replacing any existing image. size may be
	// -1 when unknown.
	Put(ctx context.Context, name string, body io.Reader, size int64) (ObjectInfo, error)
	// Get opens the image stored under name. The caller closes the reader.
	Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error)
	// List returns archived images sorted by name.
	List(ctx context.Context) ([]ObjectInfo, error)
	// Delete removes name. Missing names yield ErrNotFound.
	Delete(ctx context.Context, name string) error
	Close() error
}

// ValidateName checks that name is usable as a flat object name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in %q", ErrInvalidName, name)
		}
	}
	return nil
}

// ObjectKey joins prefix and name into a backend object key.
func ObjectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// NameFromKey strips prefix from an object key. ok is false for keys outside
// prefix or nested below it.
func NameFromKey(prefix, key string) (string, bool) {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		if !strings.HasPrefix(key, prefix+"/") {
			return "", false
		}
		key = strings.TrimPrefix(key, prefix+"/")
	}
	if key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

// SortByName orders infos in place.
func SortByName(infos []ObjectInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
}

// SnapshotName builds the default archive name for a datacenter snapshot.
func SnapshotName(datacenter string, at time.Time) string {
	dc := strings.TrimSpace(datacenter)
	if dc == "" {
		dc = "consul"
	}
	dc = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '-'
		}
		return r
	}, dc)
	return fmt.Sprintf("%s-%s.snap", dc, at.UTC().Format("20060102T150405Z"))
}
