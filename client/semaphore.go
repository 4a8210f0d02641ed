package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/consulkit/api"
)

// Semaphore defaults.
const (
	DefaultSemaphoreSessionName = "Consul API Semaphore"
	DefaultSemaphoreSessionTTL  = 15 * time.Second
	DefaultSemaphoreWaitTime    = 15 * time.Second

	// DefaultSemaphoreKey is the coordination record under the prefix.
	DefaultSemaphoreKey = ".lock"

	// SemaphoreFlagValue marks keys that belong to a semaphore.
	SemaphoreFlagValue = 0xe0f69a2baa414de0
)

// SemaphoreOptions configures a Semaphore.
type SemaphoreOptions struct {
	// Prefix is the key space the semaphore lives under.
	Prefix string
	// Limit is the number of slots. Every contender must agree on it.
	Limit int
	// Value is stored in this contender's entry.
	Value []byte
	// Session is an existing session to contend with. When empty the
	// semaphore creates, renews and finally destroys its own.
	Session string
	// SessionName names a semaphore-created session.
	SessionName string
	// SessionTTL is the TTL of a semaphore-created session.
	SessionTTL time.Duration
	// MonitorRetries is how many consecutive 5xx responses the monitor tolerates.
	MonitorRetries int
	// MonitorRetryTime is the pause between monitor retries.
	MonitorRetryTime time.Duration
	// SemaphoreWaitTime bounds each blocking read while waiting for a slot.
	SemaphoreWaitTime time.Duration
	// SemaphoreTryOnce gives up with ErrAcquireTimeout after one wait.
	SemaphoreTryOnce bool
}

type semaphoreRecord struct {
	Limit   int             `json:"Limit"`
	Holders map[string]bool `json:"Holders"`
}

// Semaphore admits up to Limit concurrent holders across processes.
type Semaphore struct {
	c    *Client
	opts SemaphoreOptions

	mu            sync.Mutex
	acquired      bool
	held          atomic.Bool
	lockSession   string
	renewer       *SessionRenewer
	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// SemaphorePrefix returns a semaphore on prefix with limit slots.
func (c *Client) SemaphorePrefix(prefix string, limit int) (*Semaphore, error) {
	return c.Semaphore(&SemaphoreOptions{Prefix: prefix, Limit: limit})
}

// Semaphore validates opts and returns an unheld Semaphore. No request is made.
func (c *Client) Semaphore(opts *SemaphoreOptions) (*Semaphore, error) {
	if opts == nil {
		return nil, configError("semaphore", errors.New("options required"))
	}
	o := *opts
	o.Prefix = trimPrefix(o.Prefix)
	if err := validateKey(o.Prefix, false); err != nil {
		return nil, err
	}
	if o.Limit < 1 {
		return nil, configError("limit", fmt.Errorf("%w: %d", ErrInvalidLimit, o.Limit))
	}
	if o.SessionName == "" {
		o.SessionName = DefaultSemaphoreSessionName
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = DefaultSemaphoreSessionTTL
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
	if o.SemaphoreWaitTime <= 0 {
		o.SemaphoreWaitTime = DefaultSemaphoreWaitTime
	}
	return &Semaphore{c: c, opts: o}, nil
}

// Prefix returns the semaphore key space.
func (s *Semaphore) Prefix() string { return s.opts.Prefix }

// Limit returns the configured slot count.
func (s *Semaphore) Limit() int { return s.opts.Limit }

// IsHeld reports whether this handle currently holds a slot.
func (s *Semaphore) IsHeld() bool { return s.held.Load() }

// Session returns the session holding the slot, or "" when unheld.
func (s *Semaphore) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return ""
	}
	return s.lockSession
}

func (s *Semaphore) recordKey() string {
	return path.Join(s.opts.Prefix, DefaultSemaphoreKey)
}

func (s *Semaphore) contenderKey(session string) string {
	return path.Join(s.opts.Prefix, session)
}

// Acquire blocks until a slot is held, ctx is done or, with SemaphoreTryOnce,
// the wait bound elapses. The returned channel is closed when the slot is lost
// or released.
func (s *Semaphore) Acquire(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return nil, ErrSemaphoreHeld
	}
	start := time.Now()
	lost, err := s.acquire(ctx)
	s.c.metrics.recordAcquire(ctx, "semaphore", time.Since(start), err)
	return lost, err
}

func (s *Semaphore) acquire(ctx context.Context) (<-chan struct{}, error) {
	c := s.c
	kv := c.KV()
	ownsSession := false
	session := s.opts.Session
	var renewer *SessionRenewer
	if session == "" {
		se := &api.SessionEntry{
			Name:     s.opts.SessionName,
			TTL:      FormatTTL(s.opts.SessionTTL),
			Behavior: api.SessionBehaviorDelete,
		}
		id, _, err := c.Session().Create(ctx, se, nil)
		if err != nil {
			c.logErrorCtx(ctx, "client.semaphore.session.create_failed", "prefix", s.opts.Prefix, "error", err)
			return nil, err
		}
		session = id
		ownsSession = true
		renewer, err = startAcquireRenewer(ctx, c, session, s.opts.SessionTTL)
		if err != nil {
			c.logErrorCtx(ctx, "client.semaphore.renewer.start_failed", "prefix", s.opts.Prefix, "error", err)
			releaseOwnedSession(ctx, c, session, nil)
			return nil, err
		}
	}
	contender := false
	success := false
	defer func() {
		if success {
			return
		}
		cleanupCtx, cancel := c.closeContext()
		defer cancel()
		if contender {
			s.removeContender(cleanupCtx, session)
		}
		if ownsSession {
			releaseOwnedSession(ctx, c, session, renewer)
		}
	}()
	waitCtx, stopWatch := watchRenewer(ctx, renewer)
	defer stopWatch()

	if err := s.ensureRecord(ctx); err != nil {
		return nil, err
	}

	ok, _, err := kv.Acquire(ctx, &api.KVPair{
		Key:     s.contenderKey(session),
		Value:   s.opts.Value,
		Session: session,
		Flags:   SemaphoreFlagValue,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("consul: create contender entry: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("consul: contender entry %q refused for session %s", s.contenderKey(session), session)
	}
	contender = true

	var deadline time.Time
	if s.opts.SemaphoreTryOnce {
		deadline = time.Now().Add(s.opts.SemaphoreWaitTime)
	}
	q := &QueryOptions{WaitTime: s.opts.SemaphoreWaitTime}
	retries := s.opts.MonitorRetries
	attempt := 0
	for {
		attempt++
		if waitCtx.Err() != nil {
			return nil, acquireAbort(ctx, renewer, waitCtx.Err())
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				c.logDebugCtx(ctx, "client.semaphore.acquire.timeout", "prefix", s.opts.Prefix, "attempt", attempt)
				return nil, fmt.Errorf("%w: semaphore %q after %s", ErrAcquireTimeout, s.opts.Prefix, s.opts.SemaphoreWaitTime)
			}
			q.WaitTime = min(remaining, s.opts.SemaphoreWaitTime)
		}
		pairs, meta, err := kv.List(waitCtx, s.opts.Prefix+"/", q)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, acquireAbort(ctx, renewer, err)
			}
			if IsServerError(err) && retries > 0 {
				retries--
				if err := sleepCtx(waitCtx, c.clock, s.opts.MonitorRetryTime); err != nil {
					return nil, acquireAbort(ctx, renewer, err)
				}
				q.WaitIndex = 0
				continue
			}
			return nil, fmt.Errorf("consul: read semaphore %q: %w", s.opts.Prefix, err)
		}
		retries = s.opts.MonitorRetries
		if own := findPair(pairs, s.contenderKey(session)); own == nil || own.Session != session {
			// Our session went away and took the contender entry with it.
			return nil, fmt.Errorf("%w: contender entry %q is gone", ErrSessionExpired, s.contenderKey(session))
		}

		recordPair := findPair(pairs, s.recordKey())
		rec, err := s.decodeRecord(recordPair)
		if err != nil {
			return nil, err
		}
		if recordPair == nil {
			// Destroyed underneath us; recreate it with our limit.
			rec = &semaphoreRecord{Limit: s.opts.Limit, Holders: map[string]bool{}}
		}
		if rec.Limit != s.opts.Limit {
			return nil, configError("limit", fmt.Errorf("%w: local %d, remote %d", ErrSemaphoreLimitMismatch, s.opts.Limit, rec.Limit))
		}
		s.pruneDeadHolders(ctx, rec, pairs)
		if len(rec.Holders) >= rec.Limit && !rec.Holders[session] {
			s.probeHolders(ctx, rec)
		}
		if len(rec.Holders) >= rec.Limit && !rec.Holders[session] {
			q.WaitIndex = meta.LastIndex
			c.logDebugCtx(ctx, "client.semaphore.acquire.wait", "prefix", s.opts.Prefix, "holders", len(rec.Holders), "limit", rec.Limit, "index", meta.LastIndex)
			continue
		}
		rec.Holders[session] = true
		update, err := s.encodeRecord(rec, recordPair)
		if err != nil {
			return nil, err
		}
		ok, _, err := kv.CAS(waitCtx, update, nil)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, acquireAbort(ctx, renewer, err)
			}
			return nil, fmt.Errorf("consul: update semaphore %q: %w", s.opts.Prefix, err)
		}
		if !ok {
			c.logTraceCtx(ctx, "client.semaphore.acquire.cas_conflict", "prefix", s.opts.Prefix, "attempt", attempt)
			q.WaitIndex = 0
			continue
		}

		success = true
		s.lockSession = session
		s.acquired = true
		s.held.Store(true)
		s.renewer = renewer
		lost := make(chan struct{})
		monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancelMonitor = cancel
		s.monitorDone = lost
		go s.monitor(monitorCtx, session, lost, s.renewer)
		c.logInfoCtx(ctx, "client.semaphore.acquire.success", "prefix", s.opts.Prefix, "session", session, "holders", len(rec.Holders), "limit", rec.Limit)
		return lost, nil
	}
}

// ensureRecord creates the coordination record if absent and checks that an
// existing one agrees on the limit.
func (s *Semaphore) ensureRecord(ctx context.Context) error {
	kv := s.c.KV()
	for {
		pair, _, err := kv.Get(ctx, s.recordKey(), nil)
		if err != nil {
			return fmt.Errorf("consul: read semaphore %q: %w", s.opts.Prefix, err)
		}
		if pair != nil {
			rec, err := s.decodeRecord(pair)
			if err != nil {
				return err
			}
			if rec.Limit != s.opts.Limit {
				return configError("limit", fmt.Errorf("%w: local %d, remote %d", ErrSemaphoreLimitMismatch, s.opts.Limit, rec.Limit))
			}
			return nil
		}
		update, err := s.encodeRecord(&semaphoreRecord{Limit: s.opts.Limit, Holders: map[string]bool{}}, nil)
		if err != nil {
			return err
		}
		ok, _, err := kv.CAS(ctx, update, nil)
		if err != nil {
			return fmt.Errorf("consul: create semaphore %q: %w", s.opts.Prefix, err)
		}
		if ok {
			s.c.logDebugCtx(ctx, "client.semaphore.created", "prefix", s.opts.Prefix, "limit", s.opts.Limit)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Semaphore) decodeRecord(pair *api.KVPair) (*semaphoreRecord, error) {
	rec := &semaphoreRecord{Holders: map[string]bool{}}
	if pair == nil {
		return rec, nil
	}
	if pair.Flags != SemaphoreFlagValue {
		return nil, fmt.Errorf("%w: key %q has flags %#x", ErrSemaphoreConflict, pair.Key, pair.Flags)
	}
	if len(pair.Value) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(pair.Value, rec); err != nil {
		return nil, fmt.Errorf("consul: decode semaphore record %q: %w", pair.Key, err)
	}
	if rec.Holders == nil {
		rec.Holders = map[string]bool{}
	}
	return rec, nil
}

func (s *Semaphore) encodeRecord(rec *semaphoreRecord, current *api.KVPair) (*api.KVPair, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("consul: encode semaphore record: %w", err)
	}
	pair := &api.KVPair{Key: s.recordKey(), Value: raw, Flags: SemaphoreFlagValue}
	if current != nil {
		pair.ModifyIndex = current.ModifyIndex
	}
	return pair, nil
}

// pruneDeadHolders drops holders that no longer have a live contender entry.
func (s *Semaphore) pruneDeadHolders(ctx context.Context, rec *semaphoreRecord, pairs api.KVPairs) {
	alive := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		if pair.Session != "" && pair.Key == s.contenderKey(pair.Session) {
			alive[pair.Session] = true
		}
	}
	for holder := range rec.Holders {
		if !alive[holder] {
			delete(rec.Holders, holder)
			s.c.logDebugCtx(ctx, "client.semaphore.holder.pruned", "prefix", s.opts.Prefix, "holder", holder, "reason", "no_contender")
		}
	}
}

// probeHolders asks the server whether each remaining holder's session still
// exists. Probe failures keep the holder.
func (s *Semaphore) probeHolders(ctx context.Context, rec *semaphoreRecord) {
	sessions := s.c.Session()
	for holder := range rec.Holders {
		known, err := sessions.IsKnown(ctx, holder)
		if err != nil || known {
			continue
		}
		delete(rec.Holders, holder)
		s.c.logDebugCtx(ctx, "client.semaphore.holder.pruned", "prefix", s.opts.Prefix, "holder", holder, "reason", "session_unknown")
	}
}

func findPair(pairs api.KVPairs, key string) *api.KVPair {
	for _, pair := range pairs {
		if pair.Key == key {
			return pair
		}
	}
	return nil
}

func (s *Semaphore) monitor(ctx context.Context, session string, lost chan struct{}, renewer *SessionRenewer) {
	c := s.c
	defer close(lost)
	defer s.held.Store(false)
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
	q := &QueryOptions{RequireConsistent: true, WaitTime: s.opts.SemaphoreWaitTime}
	retries := s.opts.MonitorRetries
	for {
		pair, meta, err := kv.Get(ctx, s.recordKey(), q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsServerError(err) && retries > 0 {
				retries--
				if sleepCtx(ctx, c.clock, s.opts.MonitorRetryTime) != nil {
					return
				}
				q.WaitIndex = 0
				continue
			}
			c.logWarnCtx(ctx, "client.semaphore.monitor.failed", "prefix", s.opts.Prefix, "session", session, "error", err)
			return
		}
		rec, err := s.decodeRecord(pair)
		if err != nil || pair == nil || !rec.Holders[session] {
			c.logWarnCtx(ctx, "client.semaphore.monitor.lost", "prefix", s.opts.Prefix, "session", session, "error", err)
			return
		}
		retries = s.opts.MonitorRetries
		q.WaitIndex = meta.LastIndex
	}
}

// Release frees the slot. A slot that was already lost releases cleanly.
func (s *Semaphore) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return ErrSemaphoreNotHeld
	}
	c := s.c
	s.acquired = false
	s.held.Store(false)
	if s.cancelMonitor != nil {
		s.cancelMonitor()
		<-s.monitorDone
		s.cancelMonitor = nil
	}
	session := s.lockSession
	renewer := s.renewer
	s.lockSession = ""
	s.renewer = nil

	releaseErr := s.removeHolder(ctx, session)
	s.removeContender(ctx, session)
	if renewer != nil {
		renewer.Stop()
	}
	c.metrics.recordRelease(ctx, "semaphore", releaseErr)
	if releaseErr == nil {
		c.logInfoCtx(ctx, "client.semaphore.release.success", "prefix", s.opts.Prefix, "session", session)
	}
	return releaseErr
}

func (s *Semaphore) removeHolder(ctx context.Context, session string) error {
	c := s.c
	kv := c.KV()
	for {
		pair, _, err := kv.Get(ctx, s.recordKey(), nil)
		if err != nil {
			return fmt.Errorf("consul: read semaphore %q: %w", s.opts.Prefix, err)
		}
		rec, err := s.decodeRecord(pair)
		if err != nil {
			return err
		}
		if pair == nil || !rec.Holders[session] {
			c.logWarnCtx(ctx, "client.semaphore.release.lost", "prefix", s.opts.Prefix, "session", session, "error", ErrSemaphoreLost)
			return nil
		}
		delete(rec.Holders, session)
		update, err := s.encodeRecord(rec, pair)
		if err != nil {
			return err
		}
		ok, _, err := kv.CAS(ctx, update, nil)
		if err != nil {
			return fmt.Errorf("consul: update semaphore %q: %w", s.opts.Prefix, err)
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Semaphore) removeContender(ctx context.Context, session string) {
	kv := s.c.KV()
	key := s.contenderKey(session)
	pair, _, err := kv.Get(ctx, key, nil)
	if err != nil || pair == nil {
		return
	}
	if pair.Session != "" && pair.Session != session {
		return
	}
	if _, _, err := kv.DeleteCAS(ctx, pair, nil); err != nil {
		s.c.logDebugCtx(ctx, "client.semaphore.contender.delete_failed", "key", key, "error", err)
	}
}

// Destroy removes the coordination record once no live holder remains.
func (s *Semaphore) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return ErrSemaphoreHeld
	}
	kv := s.c.KV()
	pairs, _, err := kv.List(ctx, s.opts.Prefix+"/", nil)
	if err != nil {
		return fmt.Errorf("consul: read semaphore %q: %w", s.opts.Prefix, err)
	}
	recordPair := findPair(pairs, s.recordKey())
	if recordPair == nil {
		return nil
	}
	rec, err := s.decodeRecord(recordPair)
	if err != nil {
		return err
	}
	s.pruneDeadHolders(ctx, rec, pairs)
	if len(rec.Holders) > 0 {
		return ErrSemaphoreInUse
	}
	removed, _, err := kv.DeleteCAS(ctx, recordPair, nil)
	if err != nil {
		return fmt.Errorf("consul: remove semaphore %q: %w", s.opts.Prefix, err)
	}
	if !removed {
		return ErrSemaphoreInUse
	}
	s.c.logInfoCtx(ctx, "client.semaphore.destroyed", "prefix", s.opts.Prefix)
	return nil
}

// AcquireSemaphore creates a semaphore from opts and takes a slot.
func (c *Client) AcquireSemaphore(ctx context.Context, opts *SemaphoreOptions) (*Semaphore, error) {
	s, err := c.Semaphore(opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.Acquire(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ExecuteInSemaphore takes a slot, runs fn while holding it and releases it
// afterwards. The context passed to fn is cancelled if the slot is lost.
func (c *Client) ExecuteInSemaphore(ctx context.Context, opts *SemaphoreOptions, fn func(context.Context) error) error {
	if fn == nil {
		return configError("fn", errors.New("action required"))
	}
	s, err := c.Semaphore(opts)
	if err != nil {
		return err
	}
	lost, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	return runHeld(ctx, c, lost, s.IsHeld, ErrSemaphoreNotHeld, ErrSemaphoreLost, fn, s.Release)
}
