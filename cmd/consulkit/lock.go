package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"pkt.systems/consulkit/client"
	"pkt.systems/pslog"
)

// Environment exported to lock children.
const (
	envLockPrefix  = "CONSULKIT_LOCK_PREFIX"
	envLockSession = "CONSULKIT_LOCK_SESSION"
	envLockHolder  = "CONSULKIT_LOCK_HOLDER"
)

// errChildTerminated reports that the child was stopped because the lock went away.
var errChildTerminated = errors.New("lock lost: child terminated")

type lockRunOptions struct {
	limit         int
	name          string
	tryWait       time.Duration
	shell         bool
	childExitCode bool
	verbose       bool
}

func newLockCommand(env *cliEnv) *cobra.Command {
	var opts lockRunOptions
	cmd := &cobra.Command{
		Use:   "lock [flags] <prefix> -- <command> [args...]",
		Short: "Run a command while holding a lock (or a semaphore slot with --limit)",
		Long: `lock acquires <prefix>/.lock (or a slot of the semaphore under <prefix>
when --limit is above one), runs the command and releases on exit. If the lock is
lost the command receives SIGTERM and, after --child-shutdown-grace, SIGKILL.`,
		Args: cobra.MinimumNArgs(2),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			if opts.limit < 1 {
				return fmt.Errorf("--limit must be >= 1")
			}
			prefix := strings.Trim(args[0], "/")
			if prefix == "" {
				return fmt.Errorf("lock prefix required")
			}
			argv := args[1:]
			if argv[0] == "--" {
				argv = argv[1:]
			}
			if len(argv) == 0 {
				return fmt.Errorf("command required after %s", prefix)
			}
			return runLocked(cmd.Context(), env, cli, prefix, argv, opts)
		}),
	}
	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.IntVarP(&opts.limit, "limit", "n", 1, "number of concurrent holders (above one uses a semaphore)")
	flags.StringVar(&opts.name, "name", "", "session name (defaults to \"consulkit lock <prefix>\")")
	flags.DurationVar(&opts.tryWait, "try", 0, "give up if the lock is not acquired within this duration (0 waits forever)")
	flags.BoolVar(&opts.shell, "shell", true, "run the command through the shell")
	flags.BoolVar(&opts.childExitCode, "child-exit-code", false, "exit with the child's status instead of 2 on child failure")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log acquisition progress at info level")
	return cmd
}

// holder is released once the child is done.
type holder interface {
	Acquire(ctx context.Context) (<-chan struct{}, error)
	Release(ctx context.Context) error
	Destroy(ctx context.Context) error
	Session() string
}

func runLocked(ctx context.Context, env *cliEnv, cli *client.Client, prefix string, argv []string, opts lockRunOptions) error {
	logger := env.subsystem("cli.lock")
	holderID := xid.New().String()
	value := []byte(holderID)
	name := opts.name
	if name == "" {
		name = "consulkit lock " + prefix
	}

	var h holder
	if opts.limit == 1 {
		lo := env.cfg.LockOptions(prefix+"/.lock", value)
		lo.SessionName = name
		if opts.tryWait > 0 {
			lo.LockTryOnce = true
			lo.LockWaitTime = opts.tryWait
		}
		lock, err := cli.CreateLock(lo)
		if err != nil {
			return err
		}
		h = lock
	} else {
		so := env.cfg.SemaphoreOptions(prefix, opts.limit, value)
		so.SessionName = name
		if opts.tryWait > 0 {
			so.SemaphoreTryOnce = true
			so.SemaphoreWaitTime = opts.tryWait
		}
		sem, err := cli.Semaphore(so)
		if err != nil {
			return err
		}
		h = sem
	}

	progress := logger.Debug
	if opts.verbose {
		progress = logger.Info
	}
	progress("cli.lock.acquire.begin", "prefix", prefix, "limit", opts.limit, "holder", holderID)
	lost, err := h.Acquire(ctx)
	if err != nil {
		if errors.Is(err, client.ErrAcquireTimeout) {
			return fmt.Errorf("lock %s not acquired within %s: %w", prefix, opts.tryWait, err)
		}
		return err
	}
	progress("cli.lock.acquire.success", "prefix", prefix, "session", h.Session(), "holder", holderID)

	childErr := runChild(ctx, logger, argv, opts.shell, lost, env.cfg.ChildShutdownGrace, []string{
		envLockPrefix + "=" + prefix,
		envLockSession + "=" + h.Session(),
		envLockHolder + "=" + holderID,
	})

	releaseCtx, cancel := context.WithTimeout(context.Background(), env.cfg.HTTPTimeout)
	defer cancel()
	if err := h.Release(releaseCtx); err != nil && !errors.Is(err, client.ErrLockNotHeld) && !errors.Is(err, client.ErrSemaphoreNotHeld) {
		logger.Warn("cli.lock.release.failure", "prefix", prefix, "error", err)
	} else {
		progress("cli.lock.release.success", "prefix", prefix)
	}
	if err := h.Destroy(releaseCtx); err != nil {
		logger.Debug("cli.lock.cleanup.skipped", "prefix", prefix, "error", err)
	}

	var exitErr *exec.ExitError
	switch {
	case childErr == nil:
		return nil
	case errors.As(childErr, &exitErr):
		if opts.childExitCode {
			return &exitCodeError{code: exitErr.ExitCode()}
		}
		return &exitCodeError{code: 2}
	default:
		return childErr
	}
}

func childCommand(argv []string, shell bool) *exec.Cmd {
	if shell {
		line := strings.Join(argv, " ")
		if runtime.GOOS == "windows" {
			return exec.Command("cmd", "/C", line)
		}
		sh := os.Getenv("SHELL")
		if sh == "" {
			sh = "/bin/sh"
		}
		return exec.Command(sh, "-c", line)
	}
	return exec.Command(argv[0], argv[1:]...)
}

// runChild starts argv and waits for it. When lost closes or ctx ends the
// child gets SIGTERM, then SIGKILL after grace.
func runChild(ctx context.Context, logger pslog.Logger, argv []string, shell bool, lost <-chan struct{}, grace time.Duration, extraEnv []string) error {
	child := childCommand(argv, shell)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = append(os.Environ(), extraEnv...)
	prepareChild(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}
	logger.Debug("cli.lock.child.start", "pid", child.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	var reason error
	select {
	case err := <-done:
		logger.Debug("cli.lock.child.exit", "pid", child.Process.Pid, "error", err)
		return err
	case <-lost:
		reason = errChildTerminated
		logger.Warn("cli.lock.lost", "pid", child.Process.Pid)
	case <-ctx.Done():
		reason = ctx.Err()
		logger.Info("cli.lock.child.interrupt", "pid", child.Process.Pid)
	}

	if err := terminateChild(child.Process); err != nil {
		_ = killChild(child.Process)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("cli.lock.child.kill", "pid", child.Process.Pid, "grace", grace)
		_ = killChild(child.Process)
		<-done
	}
	return reason
}
