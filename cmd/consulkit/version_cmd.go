package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/consulkit/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short, verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the consulkit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch {
			case short:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			case verbose:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Describe())
			default:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include Go version and platform")
	cmd.MarkFlagsMutuallyExclusive("short", "verbose")
	return cmd
}
