package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/sanitizer"
)

func newSanitizeCommand(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Redact secrets from a JSON parameter set",
		Long: `Read a JSON object from --file or stdin, redact sensitive keys at every
depth with the configured policy and print the result.

  echo '{"prompt":"hi","api_key":"sk-123"}' | pulse-gateway sanitize`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			dec := json.NewDecoder(r)
			dec.UseNumber()
			var params sanitizer.ParameterSet
			if err := dec.Decode(&params); err != nil {
				return fmt.Errorf("%w: %v", sanitizer.ErrMalformed, err)
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			policy, err := cfg.Sanitization.Policy()
			if err != nil {
				return err
			}
			clean, err := policy.Sanitize(params)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(clean)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read parameters from a file instead of stdin")
	return cmd
}
