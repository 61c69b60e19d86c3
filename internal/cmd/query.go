package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newQueryCommand(root *rootOptions) *cobra.Command {
	op := &operationFlags{}

	cmd := &cobra.Command{
		Use:   "query [DOCUMENT]",
		Short: "Execute a query or mutation over HTTP and print the result",
		Example: `  gqlink query --server https://api.example.com/graphql '{ launches { id } }'
  gqlink query --config gqlink.yaml -f launch.graphql --var id=83`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := op.request(cmd, args)
			if err != nil {
				return err
			}

			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			return s.run(cmd.Context(), func(ctx context.Context) error {
				resp, err := s.client.Execute(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				return resp.Err()
			})
		},
	}
	op.register(cmd)
	return cmd
}
