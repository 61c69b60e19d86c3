package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/gqlink"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), gqlink.GetVersion())
			return err
		},
	}
}
