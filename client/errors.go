package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrClientClosed is returned by every request issued after Close.
	ErrClientClosed = errors.New("consul: client closed")
	// ErrAcquireTimeout reports that a try-once acquisition gave up after its wait bound.
	ErrAcquireTimeout = errors.New("consul: acquire timed out")
	// ErrSessionExpired reports that a session could not be renewed within its TTL
	// or was invalidated by the server.
	ErrSessionExpired = errors.New("consul: session expired")
	// ErrSessionNotFound reports that a session ID is unknown to the server.
	ErrSessionNotFound = errors.New("consul: session not found")

	// ErrInvalidKey rejects empty keys and keys with a leading slash.
	ErrInvalidKey = errors.New("consul: invalid key")
	// ErrInvalidLimit rejects semaphore limits below one.
	ErrInvalidLimit = errors.New("consul: semaphore limit must be at least 1")
	// ErrSemaphoreLimitMismatch reports that the stored semaphore limit differs
	// from the one requested.
	ErrSemaphoreLimitMismatch = errors.New("consul: semaphore limit conflict")

	// ErrLockHeld is returned when a lock handle is already held.
	ErrLockHeld = errors.New("consul: lock already held")
	// ErrLockNotHeld is returned when an operation needs a held lock.
	ErrLockNotHeld = errors.New("consul: lock not held")
	// ErrLockInUse is returned by Destroy while another session holds the key.
	ErrLockInUse = errors.New("consul: lock in use")
	// ErrLockConflict reports that the key exists but is not a lock.
	ErrLockConflict = errors.New("consul: existing key does not match lock use")
	// ErrLockLost reports that the key no longer carries the handle's session.
	ErrLockLost = errors.New("consul: lock lost")

	// ErrSemaphoreHeld is returned when a semaphore handle is already held.
	ErrSemaphoreHeld = errors.New("consul: semaphore already held")
	// ErrSemaphoreNotHeld is returned when an operation needs a held slot.
	ErrSemaphoreNotHeld = errors.New("consul: semaphore not held")
	// ErrSemaphoreInUse is returned by Destroy while other holders remain.
	ErrSemaphoreInUse = errors.New("consul: semaphore in use")
	// ErrSemaphoreConflict reports that the prefix holds entries that are not part of a semaphore.
	ErrSemaphoreConflict = errors.New("consul: existing key does not match semaphore use")
	// ErrSemaphoreLost reports that the handle's session left the holder set.
	ErrSemaphoreLost = errors.New("consul: semaphore slot lost")
)

// ConfigError reports invalid caller-supplied configuration. It is raised
// before any network I/O.
type ConfigError struct {
	// Field names the offending option.
	Field string
	// Err is the underlying cause.
	Err error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("consul: invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("consul: invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// APIError is returned when the server answers with an unexpected status.
type APIError struct {
	// Method is the HTTP method of the failing request.
	Method string
	// Path is the request path, without query parameters.
	Path string
	// Status is the HTTP status code returned by the server.
	Status int
	// Body contains the raw response body bytes for diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if body == "" {
		return fmt.Sprintf("consul: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("consul: %s %s: status %d (%s)", e.Method, e.Path, e.Status, body)
}

// IsNotFound reports whether err is an APIError carrying 404.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsServerError reports whether err is an APIError carrying a 5xx status.
func IsServerError(err error) bool {
	return statusOf(err) >= http.StatusInternalServerError
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
