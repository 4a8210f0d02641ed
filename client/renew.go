package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RenewRetryBackoff is the delay between renew attempts after a transient failure.
const RenewRetryBackoff = time.Second

// RenewState is the lifecycle state of a SessionRenewer.
type RenewState int32

const (
	// RenewIdle is the state before Start.
	RenewIdle RenewState = iota
	// RenewRenewing means the loop is running.
	RenewRenewing
	// RenewExpired is terminal: the session could not be kept alive.
	RenewExpired
	// RenewCancelled is terminal: the loop was stopped and the session destroyed.
	RenewCancelled
)

func (s RenewState) String() string {
	switch s {
	case RenewIdle:
		return "idle"
	case RenewRenewing:
		return "renewing"
	case RenewExpired:
		return "expired"
	case RenewCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("RenewState(%d)", int32(s))
	}
}

// Terminal reports whether s is Expired or Cancelled.
func (s RenewState) Terminal() bool {
	return s == RenewExpired || s == RenewCancelled
}

// SessionRenewer keeps one session alive in the background. It renews every
// half TTL, adopts the TTL the server returns, retries transient failures after
// RenewRetryBackoff, and gives up once a full TTL passes without a successful
// renewal. Stopping it destroys the session.
type SessionRenewer struct {
	session *Session
	id      string
	q       *WriteOptions

	ttl   atomic.Int64
	state atomic.Int32

	mu      sync.Mutex
	err     error
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRenewer returns an idle renewer for session id.
func (s *Session) NewRenewer(id string, initialTTL time.Duration, q *WriteOptions) *SessionRenewer {
	r := &SessionRenewer{
		session: s,
		id:      id,
		q:       q,
		done:    make(chan struct{}),
	}
	r.ttl.Store(int64(initialTTL))
	return r
}

// Start launches the renewal goroutine. The loop runs until ctx is cancelled,
// Stop is called, or the session expires.
func (r *SessionRenewer) Start(ctx context.Context) error {
	if r.id == "" {
		return configError("session", ErrSessionNotFound)
	}
	if r.TTL() <= 0 {
		return configError("session_ttl", fmt.Errorf("ttl must be positive, got %s", r.TTL()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("consul: renewer for session %s already started", r.id)
	}
	r.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state.Store(int32(RenewRenewing))
	go r.run(loopCtx)
	return nil
}

// Stop cancels the loop and waits for it to reach a terminal state.
func (r *SessionRenewer) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-r.done
}

// Done is closed when the renewer reaches a terminal state.
func (r *SessionRenewer) Done() <-chan struct{} {
	return r.done
}

// State returns the current lifecycle state.
func (r *SessionRenewer) State() RenewState {
	return RenewState(r.state.Load())
}

// Err returns the terminal error: nil after cancellation, an error wrapping
// ErrSessionExpired after expiry.
func (r *SessionRenewer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// ID returns the renewed session ID.
func (r *SessionRenewer) ID() string {
	return r.id
}

// TTL returns the TTL currently in effect.
func (r *SessionRenewer) TTL() time.Duration {
	return time.Duration(r.ttl.Load())
}

func (r *SessionRenewer) finish(state RenewState, err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.state.Store(int32(state))
	close(r.done)
}

func (r *SessionRenewer) run(ctx context.Context) {
	c := r.session.c
	clk := c.clock
	ttl := r.TTL()
	wait := ttl / 2
	lastRenew := clk.Now()
	var lastErr error
	c.logDebugCtx(ctx, "client.session.renew.start", "session", r.id, "ttl", ttl)

	for {
		if elapsed := clk.Now().Sub(lastRenew); elapsed > ttl {
			err := fmt.Errorf("%w: session %s not renewed for %s", ErrSessionExpired, r.id, elapsed)
			if lastErr != nil {
				err = fmt.Errorf("%w: session %s not renewed for %s: %w", ErrSessionExpired, r.id, elapsed, lastErr)
			}
			c.logWarnCtx(ctx, "client.session.renew.expired", "session", r.id, "ttl", ttl, "error", lastErr)
			c.metrics.recordRenewTerminal(ctx, RenewExpired)
			r.finish(RenewExpired, err)
			return
		}

		select {
		case <-ctx.Done():
			r.destroy(ctx)
			return
		case <-clk.After(wait):
		}
		if ctx.Err() != nil {
			r.destroy(ctx)
			return
		}

		remaining := ttl - clk.Now().Sub(lastRenew)
		if remaining <= 0 {
			continue
		}
		renewCtx, cancelRenew := context.WithTimeout(ctx, remaining)
		start := time.Now()
		entry, _, err := r.session.Renew(renewCtx, r.id, r.q)
		cancelRenew()
		c.metrics.recordRenew(ctx, time.Since(start), err)
		switch {
		case err == nil:
			if entry != nil {
				if serverTTL, parseErr := ParseTTL(entry.TTL); parseErr == nil && serverTTL > 0 {
					ttl = serverTTL
					r.ttl.Store(int64(ttl))
				}
			}
			wait = ttl / 2
			lastRenew = clk.Now()
			lastErr = nil
			c.logTraceCtx(ctx, "client.session.renew.success", "session", r.id, "ttl", ttl)
		case errors.Is(err, ErrSessionExpired):
			c.logWarnCtx(ctx, "client.session.renew.gone", "session", r.id, "error", err)
			c.metrics.recordRenewTerminal(ctx, RenewExpired)
			r.finish(RenewExpired, err)
			return
		case ctx.Err() != nil:
			// cancelled mid-request; the select above handles it
		default:
			wait = RenewRetryBackoff
			lastErr = err
			c.logWarnCtx(ctx, "client.session.renew.failure", "session", r.id, "error", err, "retry_in", wait)
		}
	}
}

func (r *SessionRenewer) destroy(ctx context.Context) {
	c := r.session.c
	destroyCtx, cancel := c.closeContext()
	defer cancel()
	destroyCtx = WithCorrelationID(destroyCtx, CorrelationIDFromContext(ctx))
	if _, err := r.session.Destroy(destroyCtx, r.id, r.q); err != nil {
		c.logDebugCtx(ctx, "client.session.renew.destroy_failed", "session", r.id, "error", err)
	} else {
		c.logDebugCtx(ctx, "client.session.renew.destroyed", "session", r.id)
	}
	c.metrics.recordRenewTerminal(ctx, RenewCancelled)
	r.finish(RenewCancelled, nil)
}
