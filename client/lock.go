package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/internal/clock"
)

// Lock defaults.
const (
	DefaultLockSessionName  = "Consul API Lock"
	DefaultLockSessionTTL   = 15 * time.Second
	DefaultLockWaitTime     = 15 * time.Second
	DefaultLockRetryTime    = 5 * time.Second
	DefaultMonitorRetryTime = 2 * time.Second

	// LockFlagValue marks a key as a lock. Keys carrying other flags are
	// refused with ErrLockConflict.
	LockFlagValue = 0x2ddccbc058a50c18
)

const (
	txnUnknown int32 = iota
	txnSupported
	txnUnsupported
)

// LockOptions configures a Lock.
type LockOptions struct {
	// Key is the lock key. It must be non-empty and must not start with '/'.
	Key string
	// Value is written to the key on acquisition.
	Value []byte
	// Session is an existing session to lock with. When empty the lock creates
	// its own session, renews it while held and destroys it on release.
	Session string
	// SessionName names a lock-created session.
	SessionName string
	// SessionTTL is the TTL of a lock-created session.
	SessionTTL time.Duration
	// LockDelay is the lock-delay of a lock-created session. Zero keeps the
	// server default.
	LockDelay time.Duration
	// MonitorRetries is how many consecutive 5xx responses the monitor tolerates
	// before declaring the lock lost.
	MonitorRetries int
	// MonitorRetryTime is the pause between monitor retries.
	MonitorRetryTime time.Duration
	// LockWaitTime bounds each blocking read while waiting for the key.
	LockWaitTime time.Duration
	// LockTryOnce gives up with ErrAcquireTimeout after one LockWaitTime.
	LockTryOnce bool
}

// Lock is a distributed mutual-exclusion lock on one key. A Lock is owned by
// one caller; concurrent Acquire calls on the same handle fail with
// ErrLockHeld rather than racing.
type Lock struct {
	c    *Client
	opts LockOptions

	mu            sync.Mutex
	acquired      bool
	held          atomic.Bool
	lockSession   string
	renewer       *SessionRenewer
	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// LockKey returns a lock on key with default options.
func (c *Client) LockKey(key string) (*Lock, error) {
	return c.CreateLock(&LockOptions{Key: key})
}

// CreateLock validates opts and returns an unheld Lock. No request is made.
func (c *Client) CreateLock(opts *LockOptions) (*Lock, error) {
	if opts == nil {
		return nil, configError("lock", errors.New("options required"))
	}
	o := *opts
	if err := validateKey(o.Key, false); err != nil {
		return nil, err
	}
	if o.SessionName == "" {
		o.SessionName = DefaultLockSessionName
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = DefaultLockSessionTTL
	}
	if o.SessionTTL < 0 {
		return nil, configError("session_ttl", fmt.Errorf("negative ttl %s", o.SessionTTL))
	}
	if o.MonitorRetryTime <= 0 {
		o.MonitorRetryTime = DefaultMonitorRetryTime
	}
	if o.MonitorRetries < 0 {
		return nil, configError("monitor_retries", fmt.Errorf("negative retries %d", o.MonitorRetries))
	}
	if o.LockWaitTime <= 0 {
		o.LockWaitTime = DefaultLockWaitTime
	}
	return &Lock{c: c, opts: o}, nil
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.opts.Key }

// Session returns the session the lock is held with, or "" when unheld.
func (l *Lock) Session() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.acquired {
		return ""
	}
	return l.lockSession
}

// IsHeld reports whether the lock is currently held. It turns false as soon as
// the lock is released, its session expires, or the key is taken away.
func (l *Lock) IsHeld() bool {
	return l.held.Load()
}

// Acquire blocks until the lock is held, ctx is done or, with LockTryOnce,
// the wait bound elapses. The returned channel is closed when the lock is lost
// or released.
func (l *Lock) Acquire(ctx context.Context) (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired {
		return nil, ErrLockHeld
	}
	start := time.Now()
	lost, err := l.acquire(ctx)
	l.c.metrics.recordAcquire(ctx, "lock", time.Since(start), err)
	return lost, err
}

func (l *Lock) acquire(ctx context.Context) (<-chan struct{}, error) {
	c := l.c
	ownsSession := false
	session := l.opts.Session
	var renewer *SessionRenewer
	if session == "" {
		id, err := l.createSession(ctx)
		if err != nil {
			c.logErrorCtx(ctx, "client.lock.session.create_failed", "key", l.opts.Key, "error", err)
			return nil, err
		}
		session = id
		ownsSession = true
		renewer, err = startAcquireRenewer(ctx, c, session, l.opts.SessionTTL)
		if err != nil {
			c.logErrorCtx(ctx, "client.lock.renewer.start_failed", "key", l.opts.Key, "error", err)
			releaseOwnedSession(ctx, c, session, nil)
			return nil, err
		}
	}
	success := false
	defer func() {
		if !success && ownsSession {
			releaseOwnedSession(ctx, c, session, renewer)
		}
	}()
	waitCtx, stopWatch := watchRenewer(ctx, renewer)
	defer stopWatch()

	var deadline time.Time
	if l.opts.LockTryOnce {
		deadline = time.Now().Add(l.opts.LockWaitTime)
	}
	kv := c.KV()
	q := &QueryOptions{WaitTime: l.opts.LockWaitTime}
	retries := l.opts.MonitorRetries
	attempt := 0
	for {
		attempt++
		if waitCtx.Err() != nil {
			err := acquireAbort(ctx, renewer, waitCtx.Err())
			c.logDebugCtx(ctx, "client.lock.acquire.aborted", "key", l.opts.Key, "error", err, "attempt", attempt)
			return nil, err
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				c.logDebugCtx(ctx, "client.lock.acquire.timeout", "key", l.opts.Key, "attempt", attempt)
				return nil, fmt.Errorf("%w: lock %q after %s", ErrAcquireTimeout, l.opts.Key, l.opts.LockWaitTime)
			}
			q.WaitTime = min(remaining, l.opts.LockWaitTime)
		}
		c.logTraceCtx(ctx, "client.lock.acquire.attempt", "key", l.opts.Key, "attempt", attempt, "wait_index", q.WaitIndex)
		pair, meta, err := kv.Get(waitCtx, l.opts.Key, q)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, acquireAbort(ctx, renewer, err)
			}
			if IsServerError(err) && retries > 0 {
				retries--
				c.logWarnCtx(ctx, "client.lock.acquire.retry", "key", l.opts.Key, "error", err, "retries_left", retries)
				if err := sleepCtx(waitCtx, c.clock, l.opts.MonitorRetryTime); err != nil {
					return nil, acquireAbort(ctx, renewer, err)
				}
				q.WaitIndex = 0
				continue
			}
			c.logErrorCtx(ctx, "client.lock.acquire.read_failed", "key", l.opts.Key, "error", err)
			return nil, fmt.Errorf("consul: read lock %q: %w", l.opts.Key, err)
		}
		retries = l.opts.MonitorRetries
		if pair != nil && pair.Flags != LockFlagValue {
			return nil, fmt.Errorf("%w: key %q has flags %#x", ErrLockConflict, l.opts.Key, pair.Flags)
		}
		if pair != nil && pair.Session != "" && pair.Session != session {
			q.WaitIndex = meta.LastIndex
			c.logDebugCtx(ctx, "client.lock.acquire.wait", "key", l.opts.Key, "holder", pair.Session, "index", meta.LastIndex)
			continue
		}
		if pair == nil || pair.Session != session {
			ok, err := l.acquireWrite(waitCtx, session)
			if err != nil {
				if waitCtx.Err() != nil {
					return nil, acquireAbort(ctx, renewer, err)
				}
				c.logErrorCtx(ctx, "client.lock.acquire.write_failed", "key", l.opts.Key, "error", err)
				return nil, fmt.Errorf("consul: acquire lock %q: %w", l.opts.Key, err)
			}
			if !ok {
				// Lost a race or hit the lock-delay window.
				c.logDebugCtx(ctx, "client.lock.acquire.conflict", "key", l.opts.Key, "attempt", attempt)
				pause := DefaultLockRetryTime
				if !deadline.IsZero() {
					pause = min(pause, max(time.Until(deadline), 0))
				}
				if err := sleepCtx(waitCtx, c.clock, pause); err != nil {
					return nil, acquireAbort(ctx, renewer, err)
				}
				q.WaitIndex = 0
				continue
			}
		}

		success = true
		l.lockSession = session
		l.acquired = true
		l.held.Store(true)
		l.renewer = renewer
		lost := make(chan struct{})
		monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l.cancelMonitor = cancel
		l.monitorDone = lost
		go l.monitor(monitorCtx, session, lost, l.renewer)
		c.logInfoCtx(ctx, "client.lock.acquire.success", "key", l.opts.Key, "session", session, "attempt", attempt)
		return lost, nil
	}
}

// startAcquireRenewer keeps a freshly created session alive while its owner
// waits for a lock or slot. The renewer outlives ctx; it is stopped by
// Release or by releaseOwnedSession.
func startAcquireRenewer(ctx context.Context, c *Client, session string, ttl time.Duration) (*SessionRenewer, error) {
	renewer := c.Session().NewRenewer(session, ttl, nil)
	if err := renewer.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return renewer, nil
}

// releaseOwnedSession tears down a session created for an acquire that did not
// succeed.
func releaseOwnedSession(ctx context.Context, c *Client, session string, renewer *SessionRenewer) {
	if renewer != nil {
		renewer.Stop()
		if renewer.State() == RenewCancelled {
			return
		}
	}
	destroyCtx, cancel := c.closeContext()
	defer cancel()
	if _, err := c.Session().Destroy(destroyCtx, session, nil); err != nil {
		c.logDebugCtx(ctx, "client.session.destroy_failed", "session", session, "error", err)
	}
}

// watchRenewer returns a context that is cancelled with ctx or as soon as
// renewer gives up on its session. A nil renewer yields ctx itself.
func watchRenewer(ctx context.Context, renewer *SessionRenewer) (context.Context, context.CancelFunc) {
	if renewer == nil {
		return ctx, func() {}
	}
	waitCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-renewer.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return waitCtx, cancel
}

// acquireAbort picks the error reported when a wait ends early: the caller's
// context error, the renewer's terminal error, or err.
func acquireAbort(ctx context.Context, renewer *SessionRenewer, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if renewer != nil {
		select {
		case <-renewer.Done():
			if rerr := renewer.Err(); rerr != nil {
				return rerr
			}
			return fmt.Errorf("%w: session %s", ErrSessionExpired, renewer.ID())
		default:
		}
	}
	return err
}

func (l *Lock) createSession(ctx context.Context) (string, error) {
	se := &api.SessionEntry{
		Name:     l.opts.SessionName,
		TTL:      FormatTTL(l.opts.SessionTTL),
		Behavior: api.SessionBehaviorRelease,
	}
	if l.opts.LockDelay > 0 {
		se.LockDelay = int64(l.opts.LockDelay)
	}
	id, _, err := l.c.Session().Create(ctx, se, nil)
	return id, err
}

func (l *Lock) entry(session string) *api.KVPair {
	return &api.KVPair{
		Key:     l.opts.Key,
		Value:   l.opts.Value,
		Session: session,
		Flags:   LockFlagValue,
	}
}

// acquireWrite takes the key with one conditional write, preferring the
// transaction endpoint and falling back to ?acquire= on servers without it.
func (l *Lock) acquireWrite(ctx context.Context, session string) (bool, error) {
	c := l.c
	pair := l.entry(session)
	if c.txnMode.Load() != txnUnsupported {
		ops := api.TxnOps{{KV: &api.KVTxnOp{
			Verb:    api.KVLock,
			Key:     pair.Key,
			Value:   pair.Value,
			Flags:   pair.Flags,
			Session: session,
		}}}
		ok, resp, _, err := c.KV().Txn(ctx, ops, nil)
		switch {
		case err == nil:
			c.txnMode.Store(txnSupported)
			if !ok && resp != nil && len(resp.Errors) > 0 {
				what := resp.Errors[0].What
				c.logTraceCtx(ctx, "client.lock.txn.rejected", "key", pair.Key, "reason", what)
				if txnSessionRejected(what) {
					return false, fmt.Errorf("%w: session %s: %s", ErrSessionExpired, session, what)
				}
			}
			return ok, nil
		case txnUnsupportedError(err):
			c.txnMode.Store(txnUnsupported)
			c.logInfoCtx(ctx, "client.lock.txn.unsupported", "key", pair.Key, "error", err)
		default:
			return false, err
		}
	}
	ok, _, err := c.KV().Acquire(ctx, pair, nil)
	return ok, err
}

// txnSessionRejected reports whether a txn lock failure was caused by the
// session rather than by another holder.
func txnSessionRejected(what string) bool {
	what = strings.ToLower(what)
	return strings.Contains(what, "session") && !strings.Contains(what, "held")
}

func txnUnsupportedError(err error) bool {
	switch statusOf(err) {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

// monitor watches the key and closes lost when it stops carrying session.
func (l *Lock) monitor(ctx context.Context, session string, lost chan struct{}, renewer *SessionRenewer) {
	c := l.c
	defer close(lost)
	defer l.held.Store(false)
	if renewer != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-renewer.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	kv := c.KV()
	q := &QueryOptions{RequireConsistent: true, WaitTime: l.opts.LockWaitTime}
	retries := l.opts.MonitorRetries
	for {
		pair, meta, err := kv.Get(ctx, l.opts.Key, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsServerError(err) && retries > 0 {
				retries--
				if sleepCtx(ctx, c.clock, l.opts.MonitorRetryTime) != nil {
					return
				}
				q.WaitIndex = 0
				continue
			}
			c.logWarnCtx(ctx, "client.lock.monitor.failed", "key", l.opts.Key, "session", session, "error", err)
			return
		}
		if pair == nil || pair.Session != session {
			c.logWarnCtx(ctx, "client.lock.monitor.lost", "key", l.opts.Key, "session", session)
			return
		}
		retries = l.opts.MonitorRetries
		q.WaitIndex = meta.LastIndex
	}
}

// Release gives up the lock. A lock that was already lost releases cleanly:
// the loss is logged and nil is returned.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.acquired {
		return ErrLockNotHeld
	}
	c := l.c
	wasHeld := l.held.Load()
	l.acquired = false
	l.held.Store(false)
	if l.cancelMonitor != nil {
		l.cancelMonitor()
		<-l.monitorDone
		l.cancelMonitor = nil
	}
	session := l.lockSession
	renewer := l.renewer
	l.renewer = nil
	l.lockSession = ""

	var releaseErr error
	ok, _, err := c.KV().Release(ctx, l.entry(session), nil)
	switch {
	case err != nil && wasHeld:
		releaseErr = fmt.Errorf("consul: release lock %q: %w", l.opts.Key, err)
		c.logWarnCtx(ctx, "client.lock.release.failed", "key", l.opts.Key, "session", session, "error", err)
	case err != nil || !ok:
		c.logWarnCtx(ctx, "client.lock.release.lost", "key", l.opts.Key, "session", session, "error", errors.Join(ErrLockLost, err))
	default:
		c.logInfoCtx(ctx, "client.lock.release.success", "key", l.opts.Key, "session", session)
	}
	if renewer != nil {
		renewer.Stop()
	}
	c.metrics.recordRelease(ctx, "lock", releaseErr)
	return releaseErr
}

// Destroy removes the lock key once nobody holds it.
func (l *Lock) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired {
		return ErrLockHeld
	}
	kv := l.c.KV()
	pair, _, err := kv.Get(ctx, l.opts.Key, nil)
	if err != nil {
		return fmt.Errorf("consul: read lock %q: %w", l.opts.Key, err)
	}
	if pair == nil {
		return nil
	}
	if pair.Flags != LockFlagValue {
		return fmt.Errorf("%w: key %q has flags %#x", ErrLockConflict, l.opts.Key, pair.Flags)
	}
	if pair.Session != "" {
		return ErrLockInUse
	}
	removed, _, err := kv.DeleteCAS(ctx, pair, nil)
	if err != nil {
		return fmt.Errorf("consul: remove lock %q: %w", l.opts.Key, err)
	}
	if !removed {
		return ErrLockInUse
	}
	l.c.logInfoCtx(ctx, "client.lock.destroyed", "key", l.opts.Key)
	return nil
}

// AcquireLock creates a lock from opts and acquires it.
func (c *Client) AcquireLock(ctx context.Context, opts *LockOptions) (*Lock, error) {
	l, err := c.CreateLock(opts)
	if err != nil {
		return nil, err
	}
	if _, err := l.Acquire(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// ExecuteLocked acquires the lock described by opts, runs fn while it is held
// and releases it afterwards. The context passed to fn is cancelled if the lock
// is lost; a loss during fn is reported as ErrLockLost alongside fn's error.
//
//	err := cli.ExecuteLocked(ctx, &client.LockOptions{Key: "jobs/nightly"}, func(ctx context.Context) error {
//	    return runNightly(ctx)
//	})
func (c *Client) ExecuteLocked(ctx context.Context, opts *LockOptions, fn func(context.Context) error) error {
	if fn == nil {
		return configError("fn", errors.New("action required"))
	}
	l, err := c.CreateLock(opts)
	if err != nil {
		return err
	}
	lost, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	return runHeld(ctx, c, lost, l.IsHeld, ErrLockNotHeld, ErrLockLost, fn, l.Release)
}

// runHeld runs fn while a lock or semaphore slot is held and releases it
// afterwards, joining the action, loss and release errors.
func runHeld(ctx context.Context, c *Client, lost <-chan struct{}, isHeld func() bool, notHeld, lostErr error, fn func(context.Context) error, release func(context.Context) error) (err error) {
	releaseCtx := func() (context.Context, context.CancelFunc) {
		if ctx.Err() != nil {
			return c.closeContext()
		}
		return ctx, func() {}
	}
	if !isHeld() {
		rctx, cancel := releaseCtx()
		defer cancel()
		return errors.Join(notHeld, release(rctx))
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-lost:
			cancelRun()
		case <-stop:
		}
	}()
	defer func() {
		recovered := recover()
		close(stop)
		cancelRun()
		var lossErr error
		if !isHeld() {
			lossErr = lostErr
		}
		rctx, cancel := releaseCtx()
		defer cancel()
		relErr := release(rctx)
		if recovered != nil {
			if relErr != nil {
				c.logErrorCtx(ctx, "client.execute.release_failed", "error", relErr)
			}
			panic(recovered)
		}
		err = errors.Join(err, lossErr, relErr)
	}()
	return fn(runCtx)
}

func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

func trimPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/")
}
