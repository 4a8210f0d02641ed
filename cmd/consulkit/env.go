package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/consulkit"
	"pkt.systems/consulkit/client"
	"pkt.systems/consulkit/internal/svcfields"
	"pkt.systems/pslog"
)

// cliEnv is the per-invocation state shared by the subcommands: the merged
// configuration, the logger and lazily created client and telemetry.
type cliEnv struct {
	baseLogger pslog.Logger

	loaded     bool
	cfg        consulkit.Config
	configFile string
	logger     pslog.Logger
	telemetry  *consulkit.Telemetry
	cli        *client.Client
}

func (e *cliEnv) load(cmd *cobra.Command) error {
	if e.loaded {
		return nil
	}
	logger := e.baseLogger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if raw := strings.TrimSpace(viper.GetString("log-level")); raw != "" {
		level, ok := pslog.ParseLevel(raw)
		if !ok {
			return fmt.Errorf("invalid log level %q", raw)
		}
		logger = logger.LogLevel(level)
	}
	e.logger = logger

	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	e.configFile = configFile
	if configFile != "" {
		e.subsystem("cli.config").Debug("loaded config file", "path", configFile)
	}
	if err := bindConfig(&e.cfg); err != nil {
		return err
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	tel, err := consulkit.SetupTelemetry(cmd.Context(), e.cfg, e.subsystem("cli.telemetry"))
	if err != nil {
		return err
	}
	e.telemetry = tel
	e.loaded = true
	return nil
}

func (e *cliEnv) subsystem(name string) pslog.Logger {
	return svcfields.WithSubsystem(e.logger, name)
}

// client returns the SDK client, building it on first use.
func (e *cliEnv) client(cmd *cobra.Command) (*client.Client, error) {
	if err := e.load(cmd); err != nil {
		return nil, err
	}
	if e.cli != nil {
		return e.cli, nil
	}
	cli, err := e.cfg.NewClient(e.logger)
	if err != nil {
		return nil, err
	}
	e.cli = cli
	return cli, nil
}

func (e *cliEnv) cleanup() {
	if e.cli != nil {
		_ = e.cli.Close()
		e.cli = nil
	}
	if e.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.telemetry.Shutdown(ctx)
		cancel()
		e.telemetry = nil
	}
	e.loaded = false
	e.cfg = consulkit.Config{}
}

// withClient adapts a RunE that needs a client, cleaning up afterwards.
func (e *cliEnv) withClient(run func(cmd *cobra.Command, cli *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer e.cleanup()
		cli, err := e.client(cmd)
		if err != nil {
			return err
		}
		return run(cmd, cli, args)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
