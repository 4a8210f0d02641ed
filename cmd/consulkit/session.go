package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/client"
)

func newSessionCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage sessions",
	}
	cmd.AddCommand(newSessionListCommand(env))
	cmd.AddCommand(newSessionInfoCommand(env))
	cmd.AddCommand(newSessionRenewCommand(env))
	cmd.AddCommand(newSessionDestroyCommand(env))
	return cmd
}

func newSessionListCommand(env *cliEnv) *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions (optionally only those bound to --node)",
		Args:  cobra.NoArgs,
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, _ []string) error {
			var sessions []*api.SessionEntry
			var err error
			if node != "" {
				sessions, _, err = cli.Session().Node(cmd.Context(), node, nil)
			} else {
				sessions, _, err = cli.Session().List(cmd.Context(), nil)
			}
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []*api.SessionEntry{}
			}
			return writeJSON(cmd.OutOrStdout(), sessions)
		}),
	}
	cmd.Flags().StringVar(&node, "node", "", "only list sessions bound to this node")
	return cmd
}

func newSessionInfoCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Print one session",
		Args:  cobra.ExactArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			entry, _, err := cli.Session().Info(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), entry)
		}),
	}
}

func newSessionRenewCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "renew <id>",
		Short: "Renew a session once and print the server's view of it",
		Args:  cobra.ExactArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			entry, _, err := cli.Session().Renew(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entry)
		}),
	}
}

func newSessionDestroyCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>...",
		Short: "Destroy sessions, releasing (or deleting) the keys they hold",
		Args:  cobra.MinimumNArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			for _, id := range args {
				if _, err := cli.Session().Destroy(cmd.Context(), id, nil); err != nil {
					return fmt.Errorf("destroy %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", id)
			}
			return nil
		}),
	}
}
