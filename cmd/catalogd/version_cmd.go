package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/catalogd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the catalogd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !verbose {
				_, err := fmt.Fprintf(out, "catalogd %s\n", version.Current())
				return err
			}
			info := version.Info()
			fmt.Fprintf(out, "version:  %s\n", info.Version)
			if info.Revision != "" {
				fmt.Fprintf(out, "revision: %s\n", info.Revision)
			}
			if info.Time != "" {
				fmt.Fprintf(out, "time:     %s\n", info.Time)
			}
			if info.Modified {
				fmt.Fprintln(out, "modified: true")
			}
			_, err := fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build details")
	return cmd
}
