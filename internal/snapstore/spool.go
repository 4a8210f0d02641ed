package snapstore

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Spooled is a seekable copy of an upload body with a known length.
type Spooled struct {
	io.ReadSeeker
	Size    int64
	cleanup func()
}

// Close releases the spool file, if any.
func (s *Spooled) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	return nil
}

// Spool makes body seekable with a known size. Seekable bodies with a known
// size pass through untouched; anything else is copied to a temporary file in
// dir (os.TempDir when empty).
func Spool(ctx context.Context, dir string, body io.Reader, size int64) (*Spooled, error) {
	if rs, ok := body.(io.ReadSeeker); ok && size >= 0 {
		return &Spooled{ReadSeeker: rs, Size: size}, nil
	}
	tmp, err := os.CreateTemp(dir, "consulkit-spool-*")
	if err != nil {
		return nil, fmt.Errorf("snapstore: create spool: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: body})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("snapstore: spool body: %w", err)
	}
	if size >= 0 && n != size {
		cleanup()
		return nil, fmt.Errorf("snapstore: short body: got %d bytes, want %d", n, size)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("snapstore: rewind spool: %w", err)
	}
	return &Spooled{ReadSeeker: tmp, Size: n, cleanup: cleanup}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
