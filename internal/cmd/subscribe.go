package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSubscribeCommand(root *rootOptions) *cobra.Command {
	op := &operationFlags{}
	var count int

	cmd := &cobra.Command{
		Use:   "subscribe [DOCUMENT]",
		Short: "Start a subscription and print every event until interrupted",
		Example: `  gqlink subscribe --config gqlink.yaml 'subscription { tripsBooked }'
  gqlink subscribe --count 5 -f trips.graphql`,
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
				sub, err := s.client.Subscribe(ctx, req)
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()

				received := 0
				for {
					select {
					case <-ctx.Done():
						s.logger.Info("subscription stopped", zap.Int("events", received))
						return nil
					case resp, ok := <-sub.Events():
						if !ok {
							if err, ok := <-sub.Err(); ok && err != nil {
								return err
							}
							return nil
						}
						if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
							return err
						}
						received++
						if count > 0 && received >= count {
							return nil
						}
					}
				}
			})
		},
	}
	op.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many events (0 means until interrupted)")
	return cmd
}
