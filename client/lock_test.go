package client_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/client"
	"pkt.systems/consulkit/consultest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: channel not closed", what)
	}
}

func TestLockAcquireRelease(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	lock, err := cli.CreateLock(&client.LockOptions{Key: "service/leader", Value: []byte("node-a")})
	if err != nil {
		t.Fatalf("create lock: %v", err)
	}
	lost, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !lock.IsHeld() {
		t.Fatalf("expected lock to be held")
	}
	session := lock.Session()
	pair := srv.Get("service/leader")
	if pair == nil || pair.Session != session || string(pair.Value) != "node-a" || pair.Flags != client.LockFlagValue {
		t.Fatalf("unexpected stored pair %+v", pair)
	}
	if _, err := lock.Acquire(ctx); !errors.Is(err, client.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	waitClosed(t, lost, "lost after release")
	if lock.IsHeld() {
		t.Fatalf("expected lock to be released")
	}
	if pair := srv.Get("service/leader"); pair == nil || pair.Session != "" {
		t.Fatalf("expected unheld key, got %+v", pair)
	}
	if srv.HasSession(session) {
		t.Fatalf("lock-owned session %s should be destroyed", session)
	}
	if err := lock.Release(ctx); !errors.Is(err, client.ErrLockNotHeld) {
		t.Fatalf("expected ErrLockNotHeld, got %v", err)
	}

	if _, err := lock.Acquire(ctx); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if lock.Session() == session {
		t.Fatalf("destroyed session must not be reused")
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release again: %v", err)
	}
}

func TestLockRejectsInvalidKeys(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	for _, key := range []string{"", "/leading"} {
		_, err := cli.CreateLock(&client.LockOptions{Key: key})
		var cfgErr *client.ConfigError
		if !errors.As(err, &cfgErr) || !errors.Is(err, client.ErrInvalidKey) {
			t.Fatalf("key %q: expected ConfigError wrapping ErrInvalidKey, got %v", key, err)
		}
	}
	if srv.Requests("/v1/") != 0 {
		t.Fatalf("validation must not touch the network")
	}
}

func TestLockContention(t *testing.T) {
	srv := consultest.Start(t)
	cliA := srv.Client(t)
	cliB := srv.Client(t)
	ctx := testContext(t)

	lockA, err := cliA.AcquireLock(ctx, &client.LockOptions{Key: "jobs/nightly"})
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	lockB, err := cliB.CreateLock(&client.LockOptions{Key: "jobs/nightly", LockWaitTime: time.Second})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := lockB.Acquire(ctx)
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("b acquired while a held the lock: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if err := lockA.Release(ctx); err != nil {
		t.Fatalf("release a: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("acquire b: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("b never acquired")
	}
	if !lockB.IsHeld() || lockA.IsHeld() {
		t.Fatalf("unexpected held state a=%v b=%v", lockA.IsHeld(), lockB.IsHeld())
	}
	if err := lockB.Release(ctx); err != nil {
		t.Fatalf("release b: %v", err)
	}
}

func TestLockTryOnceTimesOut(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	holder, err := cli.AcquireLock(ctx, &client.LockOptions{Key: "busy"})
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}
	defer holder.Release(ctx)

	contender, err := cli.CreateLock(&client.LockOptions{Key: "busy", LockTryOnce: true, LockWaitTime: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("create contender: %v", err)
	}
	start := time.Now()
	_, err = contender.Acquire(ctx)
	if !errors.Is(err, client.ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("try-once returned before waiting: %s", elapsed)
	}
	if contender.IsHeld() {
		t.Fatalf("contender must not hold the lock")
	}
	if got := len(srv.Sessions()); got != 1 {
		t.Fatalf("expected only the holder session to remain, got %d", got)
	}
}

func TestLockCancelDuringContentionDestroysSession(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	holder, err := cli.AcquireLock(ctx, &client.LockOptions{Key: "busy"})
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}
	defer holder.Release(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	contender, _ := cli.CreateLock(&client.LockOptions{Key: "busy"})
	if _, err := contender.Acquire(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := len(srv.Sessions()); got != 1 {
		t.Fatalf("expected contender session to be destroyed, %d sessions remain", got)
	}
}

func TestLockLegacyAcquireFallback(t *testing.T) {
	srv := consultest.Start(t, consultest.WithoutTxn())
	cli := srv.Client(t)
	ctx := testContext(t)

	lock, err := cli.AcquireLock(ctx, &client.LockOptions{Key: "legacy"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if pair := srv.Get("legacy"); pair == nil || pair.Session != lock.Session() {
		t.Fatalf("legacy acquire did not take the key: %+v", pair)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	txnCalls := srv.Requests("/v1/txn")
	if _, err := lock.Acquire(ctx); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer lock.Release(ctx)
	if srv.Requests("/v1/txn") != txnCalls {
		t.Fatalf("unsupported txn endpoint should not be retried")
	}
}

func TestLockLostOnSessionInvalidation(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	lock, err := cli.CreateLock(&client.LockOptions{Key: "fragile"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	lost, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.ExpireSession(lock.Session())
	waitClosed(t, lost, "lost after session invalidation")
	if lock.IsHeld() {
		t.Fatalf("IsHeld must turn false after loss")
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release after loss should be clean, got %v", err)
	}
}

func TestLockConflictingFlags(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	srv.Put("plain", []byte("x"), 42)

	lock, _ := cli.LockKey("plain")
	if _, err := lock.Acquire(testContext(t)); !errors.Is(err, client.ErrLockConflict) {
		t.Fatalf("expected ErrLockConflict, got %v", err)
	}
	if err := lock.Destroy(testContext(t)); !errors.Is(err, client.ErrLockConflict) {
		t.Fatalf("expected ErrLockConflict from destroy, got %v", err)
	}
}

func TestLockDestroy(t *testing.T) {
	srv := consultest.Start(t)
	cliA := srv.Client(t)
	cliB := srv.Client(t)
	ctx := testContext(t)

	lockA, err := cliA.AcquireLock(ctx, &client.LockOptions{Key: "doomed"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lockA.Destroy(ctx); !errors.Is(err, client.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	lockB, _ := cliB.LockKey("doomed")
	if err := lockB.Destroy(ctx); !errors.Is(err, client.ErrLockInUse) {
		t.Fatalf("expected ErrLockInUse, got %v", err)
	}
	if err := lockA.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lockB.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if srv.Get("doomed") != nil {
		t.Fatalf("expected key removed")
	}
	if err := lockB.Destroy(ctx); err != nil {
		t.Fatalf("destroy of missing key: %v", err)
	}
}

func TestLockWithCallerSession(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	id, _, err := cli.Session().Create(ctx, &api.SessionEntry{TTL: "30s"}, nil)
	if err != nil {
		t.Fatalf("session create: %v", err)
	}
	lock, _ := cli.CreateLock(&client.LockOptions{Key: "shared", Session: id})
	if _, err := lock.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !srv.HasSession(id) {
		t.Fatalf("caller supplied session must survive release")
	}
}

func TestLockMonitorToleratesServerErrors(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	lock, _ := cli.CreateLock(&client.LockOptions{Key: "steady", MonitorRetries: 3, MonitorRetryTime: 10 * time.Millisecond})
	lost, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.FailNext("/v1/kv/steady", 2)
	srv.Put("unrelated", []byte("wake"), 0)
	time.Sleep(200 * time.Millisecond)
	select {
	case <-lost:
		t.Fatalf("lock lost despite retries")
	default:
	}
	if !lock.IsHeld() {
		t.Fatalf("expected lock to remain held")
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestExecuteLocked(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	ran := false
	err := cli.ExecuteLocked(ctx, &client.LockOptions{Key: "exec"}, func(ctx context.Context) error {
		ran = true
		if pair := srv.Get("exec"); pair == nil || pair.Session == "" {
			t.Errorf("lock not held during action: %+v", pair)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute locked: %v", err)
	}
	if !ran {
		t.Fatalf("action did not run")
	}
	if pair := srv.Get("exec"); pair == nil || pair.Session != "" {
		t.Fatalf("lock not released after action: %+v", pair)
	}

	boom := errors.New("boom")
	err = cli.ExecuteLocked(ctx, &client.LockOptions{Key: "exec"}, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected action error, got %v", err)
	}
	if pair := srv.Get("exec"); pair == nil || pair.Session != "" {
		t.Fatalf("lock not released after failed action: %+v", pair)
	}
}

func TestExecuteLockedCancelsActionOnLoss(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	err := cli.ExecuteLocked(ctx, &client.LockOptions{Key: "exec-lost"}, func(actionCtx context.Context) error {
		for _, id := range srv.Sessions() {
			srv.ExpireSession(id)
		}
		select {
		case <-actionCtx.Done():
			return actionCtx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("action context was not cancelled")
		}
	})
	if !errors.Is(err, client.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected action cancellation in %v", err)
	}
}

func TestLockOverUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "consul.sock")
	srv := consultest.Start(t, consultest.WithUnixSocket(socket))
	cli := srv.Client(t)
	ctx := testContext(t)

	lock, err := cli.AcquireLock(ctx, &client.LockOptions{Key: "unix"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLockAcquireWaitOutlivesSessionTTL(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	holder, err := cli.AcquireLock(ctx, &client.LockOptions{Key: "k"})
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}
	go func() {
		time.Sleep(time.Second)
		_ = holder.Release(context.Background())
	}()

	waiter, err := cli.CreateLock(&client.LockOptions{
		Key:          "k",
		SessionTTL:   200 * time.Millisecond,
		LockWaitTime: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	start := time.Now()
	if _, err := waiter.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	defer waiter.Release(ctx)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("acquire took %s", elapsed)
	}
	if pair := srv.Get("k"); pair == nil || pair.Session != waiter.Session() {
		t.Fatalf("unexpected holder %+v", pair)
	}
	if srv.Requests("/v1/session/renew/") == 0 {
		t.Fatalf("session was not renewed while waiting")
	}
}

func TestLockAcquireReportsExpiredSession(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	holder, err := cli.AcquireLock(ctx, &client.LockOptions{Key: "k"})
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}
	defer holder.Release(ctx)

	srv.FailNext("/v1/session/renew/", 1000)
	waiter, _ := cli.CreateLock(&client.LockOptions{
		Key:          "k",
		SessionTTL:   200 * time.Millisecond,
		LockWaitTime: 100 * time.Millisecond,
	})
	if _, err := waiter.Acquire(ctx); !errors.Is(err, client.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if waiter.IsHeld() {
		t.Fatalf("waiter must not hold the lock")
	}
}

func TestLockLostWhenRenewalFails(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	lock, err := cli.CreateLock(&client.LockOptions{Key: "renew-loss", SessionTTL: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	srv.FailNext("/v1/session/renew/", 1000)
	lost, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waitClosed(t, lost, "lost after failed renewals")
	if lock.IsHeld() {
		t.Fatalf("IsHeld must turn false after loss")
	}
	if srv.Requests("/v1/session/renew/") == 0 {
		t.Fatalf("renewal was never attempted")
	}
}

func TestExecuteLockedReleasesOnPanic(t *testing.T) {
	srv := consultest.Start(t)
	cli := srv.Client(t)
	ctx := testContext(t)

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_ = cli.ExecuteLocked(ctx, &client.LockOptions{Key: "exec-panic"}, func(context.Context) error {
			panic("boom")
		})
	}()

	if pair := srv.Get("exec-panic"); pair == nil || pair.Session != "" {
		t.Fatalf("lock not released after panic: %+v", pair)
	}
	if got := len(srv.Sessions()); got != 0 {
		t.Fatalf("panicking action left %d sessions", got)
	}
	lock, err := cli.AcquireLock(ctx, &client.LockOptions{Key: "exec-panic", LockTryOnce: true, LockWaitTime: time.Second})
	if err != nil {
		t.Fatalf("reacquire after panic: %v", err)
	}
	_ = lock.Release(ctx)
}
