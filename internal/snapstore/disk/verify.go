package disk

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Check represents a verification step outcome.
type Check struct {
	Name string
	Err  error
}

// Verify writes, reads back and deletes a probe image under cfg.Root so a
// misconfigured archive fails before the first real snapshot is taken.
func Verify(ctx context.Context, cfg Config) []Check {
	result := []Check{}
	store, err := New(cfg)
	if err != nil {
		return append(result, Check{Name: "Init", Err: err})
	}
	defer store.Close()

	name := "consulkit-verify-" + uuid.NewString()
	payload := []byte("verify:" + name)

	checks := []struct {
		name string
		fn   func() error
	}{
		{
			name: "Write",
			fn: func() error {
				_, err := store.Put(ctx, name, bytes.NewReader(payload), int64(len(payload)))
				return err
			},
		},
		{
			name: "ReadBack",
			fn: func() error {
				rc, _, err := store.Get(ctx, name)
				if err != nil {
					return err
				}
				defer rc.Close()
				got, err := io.ReadAll(rc)
				if err != nil {
					return err
				}
				if !bytes.Equal(got, payload) {
					return fmt.Errorf("payload mismatch")
				}
				return nil
			},
		},
		{
			name: "Delete",
			fn:   func() error { return store.Delete(ctx, name) },
		},
	}
	for _, check := range checks {
		err := check.fn()
		result = append(result, Check{Name: check.name, Err: err})
		if err != nil {
			break
		}
	}
	return result
}
