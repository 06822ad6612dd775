package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/transport"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pulse-gateway %s (%s)\n", transport.Version, runtime.Version())
		},
	}
}
