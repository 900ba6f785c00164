package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/verbs-go/internal/capi"
	"github.com/rocketbitz/verbs-go/internal/inspect"
)

func newLayoutCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the native record layouts used for command buffers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "native allocator: %s\n\n", capi.Backend); err != nil {
				return err
			}
			return inspect.Layout(out)
		},
	}
}
