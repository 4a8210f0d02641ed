package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/consulkit"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage consulkit configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.consulkit/" + consulkit.DefaultConfigFileName
	if dir, err := consulkit.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, consulkit.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default consulkit configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := consulkit.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, consulkit.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match the flag names so
// viper reads the file without a mapping.
type configDefaults struct {
	HTTPAddr               string `yaml:"http-addr"`
	Scheme                 string `yaml:"scheme"`
	Datacenter             string `yaml:"datacenter"`
	Token                  string `yaml:"token"`
	TokenFile              string `yaml:"token-file"`
	CAFile                 string `yaml:"ca-file"`
	ClientCert             string `yaml:"client-cert"`
	ClientKey              string `yaml:"client-key"`
	TLSServerName          string `yaml:"tls-server-name"`
	TLSSkipVerify          bool   `yaml:"tls-skip-verify"`
	WaitTime               string `yaml:"wait-time"`
	HTTPTimeout            string `yaml:"http-timeout"`
	Tracing                bool   `yaml:"tracing"`
	LockSessionTTL         string `yaml:"lock-session-ttl"`
	LockWaitTime           string `yaml:"lock-wait-time"`
	LockDelay              string `yaml:"lock-delay"`
	MonitorRetries         int    `yaml:"monitor-retries"`
	MonitorRetryTime       string `yaml:"monitor-retry-time"`
	ChildShutdownGrace     string `yaml:"child-shutdown-grace"`
	SnapshotStore          string `yaml:"snapshot-store"`
	SnapshotRetention      string `yaml:"snapshot-retention"`
	SnapshotSpoolDir       string `yaml:"snapshot-spool-dir"`
	S3SSE                  string `yaml:"s3-sse"`
	S3KMSKeyID             string `yaml:"s3-kms-key-id"`
	S3MaxPartSize          string `yaml:"s3-max-part-size"`
	AWSRegion              string `yaml:"aws-region"`
	AWSKMSKeyID            string `yaml:"aws-kms-key-id"`
	AzureEndpoint          string `yaml:"azure-endpoint"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	snapshotStore := ""
	if dir, err := consulkit.DefaultSnapshotDir(); err == nil {
		snapshotStore = "disk://" + filepath.ToSlash(dir)
	}
	defaults := configDefaults{
		HTTPAddr:           "127.0.0.1:8500",
		Scheme:             "http",
		WaitTime:           "0s",
		HTTPTimeout:        consulkit.DefaultHTTPTimeout.String(),
		LockSessionTTL:     consulkit.DefaultLockSessionTTL.String(),
		LockWaitTime:       consulkit.DefaultLockWaitTime.String(),
		LockDelay:          "0s",
		MonitorRetryTime:   consulkit.DefaultMonitorRetryTime.String(),
		ChildShutdownGrace: consulkit.DefaultChildShutdownGrace.String(),
		SnapshotStore:      snapshotStore,
		SnapshotRetention:  "0s",
		S3MaxPartSize:      humanizeBytes(consulkit.DefaultS3MaxPartSize),
		LogLevel:           "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
