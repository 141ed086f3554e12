package cli

import (
	"github.com/spf13/cobra"
)

func newTimeoutCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeout",
		Short: "Awakeable deadline maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Expire every pending awakeable past its deadline now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client().post(cmd.Context(), "/v1/awakeables/sweep", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	})
	return cmd
}
