// Package client is a Go SDK for the Consul HTTP API with distributed
// coordination built on top: mutual-exclusion locks, counting semaphores and
// background session renewal.
//
// # Quick start
//
// Construct a client with client.New or client.NewWithConfig. The address
// decides the transport:
//
//   - 127.0.0.1:8500 or http://host:8500 for plaintext
//   - https://host:8501 for TLS (CONSUL_CACERT, CONSUL_CLIENT_CERT and
//     CONSUL_CLIENT_KEY supply the material)
//   - unix:///var/run/consul.sock when the agent listens on a local socket
//
// DefaultConfig reads the usual CONSUL_HTTP_ADDR, CONSUL_HTTP_TOKEN,
// CONSUL_HTTP_SSL and CONSUL_HTTP_SSL_VERIFY variables, so most programs only
// need:
//
//	cli, err := client.New("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
// # Locks
//
// A Lock holds one key with a session. Acquire blocks until the key is free and
// returns a channel that is closed when the lock is lost, for example when the
// session expires or an operator deletes the key:
//
//	lock, err := cli.LockKey("service/leader")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lost, err := lock.Acquire(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lock.Release(context.Background())
//	select {
//	case <-lost:
//	    // step down
//	case <-ctx.Done():
//	}
//
// ExecuteLocked wraps the acquire, run, release sequence and cancels the
// action's context when the lock is lost:
//
//	err := cli.ExecuteLocked(ctx, &client.LockOptions{Key: "jobs/nightly"}, runNightly)
//
// Locks created without an explicit session own one: it is created on acquire,
// renewed every half TTL while held and destroyed on release. LockTryOnce turns
// the wait into a single bounded attempt that fails with ErrAcquireTimeout.
//
// # Semaphores
//
// A Semaphore admits up to Limit holders under a key prefix. Every contender
// writes an entry keyed by its session and the holder set lives in a JSON
// record at <prefix>/.lock updated with check-and-set. Holders whose session
// has gone are pruned by the next contender that finds the semaphore full:
//
//	err := cli.ExecuteInSemaphore(ctx, &client.SemaphoreOptions{Prefix: "render", Limit: 4}, render)
//
// # Sessions
//
// Session().NewRenewer keeps an arbitrary session alive in the background and
// reports expiry through Done and Err. RenewPeriodic is the blocking form.
//
// # Logging and correlation
//
// WithLogger installs a pslog logger; every line carries sys=client.sdk.
// WithCorrelationID annotates a context so requests send X-Correlation-Id and
// log lines carry cid. Acquire and release durations are exported as
// OpenTelemetry metrics under consul.coordination.*; WithTracing instruments
// the transport.
package client
