package disk

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/consulkit/internal/snapstore"
)

const tmpPrefix = ".upload-"

// Config controls the filesystem archive.
type Config struct {
	Root string
	// Retention removes images older than this on Prune. Zero keeps everything.
	Retention time.Duration
	Now       func() time.Time
}

// Store implements snapstore.Store as one file per image under Root.
type Store struct {
	root      string
	retention time.Duration
	now       func() time.Time
}

// New prepares cfg.Root and returns a Store.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{root: root, retention: cfg.Retention, now: now}, nil
}

// Root returns the archive directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}

// Put writes body to a temporary file and renames it into place.
func (s *Store) Put(ctx context.Context, name string, body io.Reader, size int64) (snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return snapstore.ObjectInfo{}, err
	}
	if strings.HasPrefix(name, tmpPrefix) {
		return snapstore.ObjectInfo{}, fmt.Errorf("%w: reserved prefix %q", snapstore.ErrInvalidName, tmpPrefix)
	}
	tmp, err := os.CreateTemp(s.root, tmpPrefix+"*")
	if err != nil {
		return snapstore.ObjectInfo{}, fmt.Errorf("disk: create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	hash := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), contextReader{ctx: ctx, r: body})
	if err != nil {
		tmp.Close()
		return snapstore.ObjectInfo{}, fmt.Errorf("disk: write %s: %w", name, err)
	}
	if size >= 0 && written != size {
		tmp.Close()
		return snapstore.ObjectInfo{}, fmt.Errorf("disk: short body for %s: got %d bytes, want %d", name, written, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return snapstore.ObjectInfo{}, fmt.Errorf("disk: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return snapstore.ObjectInfo{}, fmt.Errorf("disk: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		return snapstore.ObjectInfo{}, fmt.Errorf("disk: commit %s: %w", name, err)
	}
	committed = true
	st, err := os.Stat(s.path(name))
	if err != nil {
		return snapstore.ObjectInfo{}, fmt.Errorf("disk: stat %s: %w", name, err)
	}
	info := fileInfo(name, st)
	info.ETag = hex.EncodeToString(hash.Sum(nil))
	return info, nil
}

// Get opens the image file.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return nil, snapstore.ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, snapstore.ObjectInfo{}, err
	}
	f, err := os.Open(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, snapstore.ObjectInfo{}, snapstore.ErrNotFound
		}
		return nil, snapstore.ObjectInfo{}, fmt.Errorf("disk: open %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, snapstore.ObjectInfo{}, fmt.Errorf("disk: stat %s: %w", name, err)
	}
	return f, fileInfo(name, st), nil
}

// List returns every committed image, skipping in-flight uploads.
func (s *Store) List(ctx context.Context) ([]snapstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("disk: read root: %w", err)
	}
	out := make([]snapstore.ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), tmpPrefix) {
			continue
		}
		st, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("disk: stat %s: %w", entry.Name(), err)
		}
		out = append(out, fileInfo(entry.Name(), st))
	}
	snapstore.SortByName(out)
	return out, nil
}

// Delete removes the image file.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snapstore.ErrNotFound
		}
		return fmt.Errorf("disk: remove %s: %w", name, err)
	}
	return nil
}

// Prune deletes images older than the configured retention and returns their
// names.
func (s *Store) Prune(ctx context.Context) ([]string, error) {
	if s.retention <= 0 {
		return nil, nil
	}
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.retention)
	var removed []string
	for _, info := range infos {
		if !info.LastModified.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, info.Name); err != nil && !errors.Is(err, snapstore.ErrNotFound) {
			return removed, err
		}
		removed = append(removed, info.Name)
	}
	return removed, nil
}

// Close satisfies snapstore.Store.
func (s *Store) Close() error { return nil }

func fileInfo(name string, st fs.FileInfo) snapstore.ObjectInfo {
	return snapstore.ObjectInfo{Name: name, Size: st.Size(), LastModified: st.ModTime()}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
