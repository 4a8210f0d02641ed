package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/consulkit"
	"pkt.systems/consulkit/internal/pathutil"
	"pkt.systems/consulkit/internal/svcfields"
	"pkt.systems/pslog"
)

// exitCodeError carries a child process exit status up to submain.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("child exited with status %d", e.code)
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CONSULKIT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "consulkit")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := consulkit.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, consulkit.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	return pathutil.ExpandAbs(p)
}

// flagNames lists every persistent flag that is also a viper key (and so a
// config file key and a CONSULKIT_* environment variable).
var flagNames = []string{
	"config", "log-level",
	"http-addr", "scheme", "datacenter", "token", "token-file",
	"ca-file", "client-cert", "client-key", "tls-server-name", "tls-skip-verify",
	"wait-time", "http-timeout", "tracing",
	"lock-session-ttl", "lock-wait-time", "lock-delay", "monitor-retries", "monitor-retry-time", "child-shutdown-grace",
	"snapshot-store", "snapshot-retention", "snapshot-spool-dir",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id", "s3-max-part-size",
	"aws-region", "aws-kms-key-id",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	viper.Reset()

	cmd := &cobra.Command{
		Use:           "consulkit",
		Short:         "consulkit runs commands under Consul locks and manages KV, sessions and snapshots",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run a job on at most one host at a time
  consulkit lock jobs/nightly -- ./nightly.sh

  # Allow three concurrent renders
  consulkit lock --limit 3 render -- ./render.sh

  # Archive a snapshot to MinIO (TLS on by default; append ?insecure=1 for HTTP)
  CONSULKIT_SNAPSHOT_STORE=s3://localhost:9000/backups?insecure=1 consulkit snapshot save

  # Follow a key, re-reading the token whenever the config file changes
  consulkit --config ~/.consulkit/config.yaml watch service/config
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.consulkit/"+consulkit.DefaultConfigFileName+")")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error); CONSULKIT_LOG_LEVEL also applies")
	pf.String("http-addr", "", "Consul agent address (host:port, http(s)://host:port or unix:///path); defaults to CONSUL_HTTP_ADDR")
	pf.String("scheme", "", "http or https when --http-addr has no scheme")
	pf.StringP("datacenter", "d", "", "datacenter to query (defaults to the agent's)")
	pf.String("token", "", "ACL token (defaults to CONSUL_HTTP_TOKEN)")
	pf.String("token-file", "", "file containing the ACL token")
	pf.String("ca-file", "", "CA bundle used to verify the agent (defaults to CONSUL_CACERT)")
	pf.String("client-cert", "", "client certificate for mTLS")
	pf.String("client-key", "", "client key for mTLS")
	pf.String("tls-server-name", "", "server name expected in the agent certificate")
	pf.Bool("tls-skip-verify", false, "skip TLS verification (insecure)")
	pf.Duration("wait-time", 0, "maximum duration of blocking queries (0 uses the server default)")
	pf.Duration("http-timeout", consulkit.DefaultHTTPTimeout, "timeout for non-blocking requests")
	pf.Bool("tracing", false, "trace Consul requests with OpenTelemetry")
	pf.Duration("lock-session-ttl", consulkit.DefaultLockSessionTTL, "TTL of sessions created for locks and semaphores")
	pf.Duration("lock-wait-time", consulkit.DefaultLockWaitTime, "blocking query wait while contending for a lock")
	pf.Duration("lock-delay", 0, "lock-delay applied when a lock session is invalidated (0 uses the server default)")
	pf.Int("monitor-retries", 0, "5xx responses tolerated while monitoring a held lock")
	pf.Duration("monitor-retry-time", consulkit.DefaultMonitorRetryTime, "pause between monitor retries")
	pf.Duration("child-shutdown-grace", consulkit.DefaultChildShutdownGrace, "time a lock child gets between SIGTERM and SIGKILL")
	pf.String("snapshot-store", "", "snapshot archive URL (mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container)")
	pf.Duration("snapshot-retention", 0, "prune disk archive images older than this (0 keeps all)")
	pf.String("snapshot-spool-dir", "", "directory for spooling snapshot uploads (defaults to the OS temp dir)")
	pf.String("s3-access-key-id", "", "access key for s3:// archives")
	pf.String("s3-secret-access-key", "", "secret key for s3:// archives")
	pf.String("s3-session-token", "", "session token for s3:// archives")
	pf.String("s3-sse", "", "server-side encryption mode for archived snapshots")
	pf.String("s3-kms-key-id", "", "KMS key ID for server-side encryption")
	pf.String("s3-max-part-size", humanizeBytes(consulkit.DefaultS3MaxPartSize), "multipart upload part size for s3:// archives")
	pf.String("aws-region", "", "AWS region for aws:// archives")
	pf.String("aws-kms-key-id", "", "KMS key ID for aws:// archives")
	pf.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	pf.String("azure-key", "", "Azure Storage account key (or use CONSULKIT_AZURE_ACCOUNT_KEY)")
	pf.String("azure-endpoint", "", fmt.Sprintf("Azure Blob service endpoint (defaults to %s)", consulkit.DefaultAzureEndpointPattern))
	pf.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	pf.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	pf.String("metrics-listen", "", "serve Prometheus metrics on this address (empty disables)")
	pf.String("pprof-listen", "", "serve debug/pprof on this address (empty disables)")
	pf.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")

	viper.SetEnvPrefix(consulkit.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range flagNames {
		bindFlag(pf, name)
	}

	cli := &cliEnv{baseLogger: baseLogger}
	cmd.AddCommand(newLockCommand(cli))
	cmd.AddCommand(newKVCommand(cli))
	cmd.AddCommand(newSessionCommand(cli))
	cmd.AddCommand(newSnapshotCommand(cli))
	cmd.AddCommand(newWatchCommand(cli))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlag(flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", name))
	}
	if err := viper.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

func bindConfig(cfg *consulkit.Config) error {
	cfg.Address = viper.GetString("http-addr")
	cfg.Scheme = viper.GetString("scheme")
	cfg.Datacenter = viper.GetString("datacenter")
	cfg.Token = viper.GetString("token")
	cfg.TokenFile = viper.GetString("token-file")
	cfg.CAFile = viper.GetString("ca-file")
	cfg.CertFile = viper.GetString("client-cert")
	cfg.KeyFile = viper.GetString("client-key")
	cfg.TLSServerName = viper.GetString("tls-server-name")
	cfg.InsecureSkipVerify = viper.GetBool("tls-skip-verify")
	cfg.WaitTime = viper.GetDuration("wait-time")
	cfg.HTTPTimeout = viper.GetDuration("http-timeout")
	cfg.Tracing = viper.GetBool("tracing")
	cfg.LockSessionTTL = viper.GetDuration("lock-session-ttl")
	cfg.LockWaitTime = viper.GetDuration("lock-wait-time")
	cfg.LockDelay = viper.GetDuration("lock-delay")
	cfg.MonitorRetries = viper.GetInt("monitor-retries")
	cfg.MonitorRetryTime = viper.GetDuration("monitor-retry-time")
	cfg.ChildShutdownGrace = viper.GetDuration("child-shutdown-grace")
	cfg.SnapshotStore = viper.GetString("snapshot-store")
	cfg.SnapshotRetention = viper.GetDuration("snapshot-retention")
	cfg.SnapshotSpoolDir = viper.GetString("snapshot-spool-dir")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	if part := strings.TrimSpace(viper.GetString("s3-max-part-size")); part != "" {
		size, err := humanize.ParseBytes(part)
		if err != nil {
			return fmt.Errorf("parse s3-max-part-size: %w", err)
		}
		cfg.S3MaxPartSize = int64(size)
	}
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSKMSKeyID = viper.GetString("aws-kms-key-id")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
