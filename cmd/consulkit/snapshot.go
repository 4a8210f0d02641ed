package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/consulkit"
	"pkt.systems/consulkit/client"
	"pkt.systems/consulkit/internal/snapstore"
)

// pruner is implemented by archives with their own retention (disk).
type pruner interface {
	Prune(ctx context.Context) ([]string, error)
}

func newSnapshotCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save, restore and manage archived Raft snapshots",
	}
	cmd.AddCommand(newSnapshotSaveCommand(env))
	cmd.AddCommand(newSnapshotRestoreCommand(env))
	cmd.AddCommand(newSnapshotListCommand(env))
	cmd.AddCommand(newSnapshotDeleteCommand(env))
	cmd.AddCommand(newSnapshotPruneCommand(env))
	return cmd
}

// withStore adapts a RunE that needs the snapshot archive and, optionally, a client.
func (e *cliEnv) withStore(needClient bool, run func(cmd *cobra.Command, cli *client.Client, store snapstore.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer e.cleanup()
		var cli *client.Client
		var err error
		if needClient {
			cli, err = e.client(cmd)
		} else {
			err = e.load(cmd)
		}
		if err != nil {
			return err
		}
		store, err := consulkit.OpenSnapshotStore(cmd.Context(), e.cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return run(cmd, cli, store, args)
	}
}

func newSnapshotSaveCommand(env *cliEnv) *cobra.Command {
	var name string
	var stale bool
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Take a snapshot and store it in the archive",
		Args:  cobra.NoArgs,
		RunE: env.withStore(true, func(cmd *cobra.Command, cli *client.Client, store snapstore.Store, _ []string) error {
			ctx := cmd.Context()
			logger := env.subsystem("cli.snapshot")
			if name == "" {
				name = snapstore.SnapshotName(env.cfg.Datacenter, time.Now())
			}
			if err := snapstore.ValidateName(name); err != nil {
				return err
			}
			body, meta, err := cli.Snapshot().Save(ctx, &client.QueryOptions{AllowStale: stale})
			if err != nil {
				return err
			}
			defer body.Close()
			info, err := store.Put(ctx, name, body, -1)
			if err != nil {
				return fmt.Errorf("archive snapshot: %w", err)
			}
			logger.Info("cli.snapshot.saved", "name", info.Name, "bytes", info.Size, "index", meta.LastIndex)
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s, index %d)\n", info.Name, humanizeBytes(info.Size), meta.LastIndex)
			if p, ok := store.(pruner); ok {
				removed, err := p.Prune(ctx)
				if err != nil {
					logger.Warn("cli.snapshot.prune.failure", "error", err)
				}
				for _, r := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "pruned %s\n", r)
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "archive name (defaults to <datacenter>-<UTC timestamp>.snap)")
	cmd.Flags().BoolVar(&stale, "stale", false, "allow a non-leader server to answer")
	return cmd
}

func newSnapshotRestoreCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <name>",
		Short: "Restore an archived snapshot into the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: env.withStore(true, func(cmd *cobra.Command, cli *client.Client, store snapstore.Store, args []string) error {
			ctx := cmd.Context()
			body, info, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			defer body.Close()
			if err := cli.Snapshot().Restore(ctx, body, nil); err != nil {
				return err
			}
			env.subsystem("cli.snapshot").Info("cli.snapshot.restored", "name", info.Name, "bytes", info.Size)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", info.Name)
			return err
		}),
	}
}

func newSnapshotListCommand(env *cliEnv) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived snapshots",
		Args:  cobra.NoArgs,
		RunE: env.withStore(false, func(cmd *cobra.Command, _ *client.Client, store snapstore.Store, _ []string) error {
			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if infos == nil {
					infos = []snapstore.ObjectInfo{}
				}
				return writeJSON(out, infos)
			}
			width := len("NAME")
			for _, info := range infos {
				width = max(width, len(info.Name))
			}
			fmt.Fprintf(out, "%-*s  %8s  %s\n", width, "NAME", "SIZE", "AGE")
			for _, info := range infos {
				fmt.Fprintf(out, "%-*s  %8s  %s\n", width, info.Name, humanizeBytes(info.Size), humanize.Time(info.LastModified))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newSnapshotDeleteCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>...",
		Short: "Delete archived snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE: env.withStore(false, func(cmd *cobra.Command, _ *client.Client, store snapstore.Store, args []string) error {
			for _, name := range args {
				if err := store.Delete(cmd.Context(), name); err != nil {
					return fmt.Errorf("delete %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			return nil
		}),
	}
}

func newSnapshotPruneCommand(env *cliEnv) *cobra.Command {
	var olderThan time.Duration
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived snapshots older than --older-than, keeping the newest --keep",
		Args:  cobra.NoArgs,
		RunE: env.withStore(false, func(cmd *cobra.Command, _ *client.Client, store snapstore.Store, _ []string) error {
			if olderThan <= 0 {
				olderThan = env.cfg.SnapshotRetention
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than (or snapshot-retention) is required")
			}
			removed, err := pruneSnapshots(cmd.Context(), store, time.Now().Add(-olderThan), keep)
			for _, name := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %s\n", name)
			}
			return err
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (defaults to snapshot-retention)")
	cmd.Flags().IntVar(&keep, "keep", 1, "always keep this many of the newest snapshots")
	return cmd
}

func pruneSnapshots(ctx context.Context, store snapstore.Store, cutoff time.Time, keep int) ([]string, error) {
	infos, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].LastModified.After(infos[j].LastModified) })
	var removed []string
	for i, info := range infos {
		if i < keep || !info.LastModified.Before(cutoff) {
			continue
		}
		if err := store.Delete(ctx, info.Name); err != nil {
			return removed, fmt.Errorf("delete %s: %w", info.Name, err)
		}
		removed = append(removed, info.Name)
	}
	return removed, nil
}
