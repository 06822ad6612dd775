package cli

import (
	"github.com/spf13/cobra"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/gateway"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the gateway",
		Long: `Run the REST API, the optional metrics listener and the optional MCP
upstream. The config file is re-read on SIGHUP and whenever it or a file it
references changes.

  pulse-gateway serve config.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.configPath = args[0]
			}

			log, err := opts.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.configPath == "" {
				log.Warn("no config file given, running on defaults with no API keys")
			}

			return gateway.New(opts.configPath, cfg, log).Run(cmd.Context())
		},
	}
}
