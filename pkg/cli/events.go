package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCmd(client func() *Client) *cobra.Command {
	var jobID string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show lifecycle transition events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return fmt.Errorf("--job is required")
			}
			path := fmt.Sprintf("/v1/jobs/%s/events?limit=%d", pathEscape(jobID), limit)
			var out map[string]any
			if err := client().get(cmd.Context(), path, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}
