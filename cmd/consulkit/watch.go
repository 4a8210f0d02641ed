package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/consulkit"
	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/client"
	"pkt.systems/pslog"
)

const watchErrorBackoff = time.Second

func newWatchCommand(env *cliEnv) *cobra.Command {
	var recurse bool
	var count int
	cmd := &cobra.Command{
		Use:   "watch <key>",
		Short: "Print a key (or prefix) every time it changes",
		Long: `watch follows a key with blocking queries and prints its entry as JSON on
every change. When a config file is in use it is watched too; edits re-apply the
token, datacenter, address and TLS settings to the running client.`,
		Args: cobra.ExactArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			logger := env.subsystem("cli.watch")
			if env.configFile != "" {
				stop, err := watchConfigFile(ctx, env.configFile, logger, func() error {
					return reloadClientConfig(cli)
				})
				if err != nil {
					return err
				}
				defer stop()
			}
			return watchKey(ctx, cmd, cli, logger, args[0], recurse, count)
		}),
	}
	cmd.Flags().BoolVar(&recurse, "recurse", false, "watch every key under the prefix")
	cmd.Flags().IntVar(&count, "count", 0, "exit after printing this many updates (0 runs until interrupted)")
	return cmd
}

func watchKey(ctx context.Context, cmd *cobra.Command, cli *client.Client, logger pslog.Logger, key string, recurse bool, count int) error {
	out := cmd.OutOrStdout()
	var index uint64
	printed := 0
	for count == 0 || printed < count {
		q := &client.QueryOptions{WaitIndex: index}
		var value any
		var meta *client.QueryMeta
		var err error
		if recurse {
			var pairs api.KVPairs
			pairs, meta, err = cli.KV().List(ctx, key, q)
			value = pairs
		} else {
			var pair *api.KVPair
			pair, meta, err = cli.KV().Get(ctx, key, q)
			value = pair
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("cli.watch.read.failure", "key", key, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watchErrorBackoff):
			}
			continue
		}
		switch {
		case meta.LastIndex == index && index != 0:
			// Wait elapsed without a change.
			continue
		case meta.LastIndex < index:
			// Index went backwards (snapshot restore or new leader); start over.
			index = 0
			continue
		}
		index = meta.LastIndex
		if err := writeJSON(out, value); err != nil {
			return err
		}
		printed++
	}
	return nil
}

// watchConfigFile calls reload whenever path is written or replaced. The
// parent directory is watched so editors that rename into place are seen.
func watchConfigFile(ctx context.Context, path string, logger pslog.Logger, reload func() error) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := reload(); err != nil {
					logger.Warn("cli.watch.config.reload.failure", "path", path, "error", err)
					continue
				}
				logger.Info("cli.watch.config.reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("cli.watch.config.error", "error", err)
			}
		}
	}()
	return func() {
		watcher.Close()
		<-done
	}, nil
}

// reloadClientConfig re-reads the active config file and re-applies the
// connection settings to cli.
func reloadClientConfig(cli *client.Client) error {
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var cfg consulkit.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cc, err := cfg.ClientConfig()
	if err != nil {
		return err
	}
	return cli.ApplyConfig(cc)
}
