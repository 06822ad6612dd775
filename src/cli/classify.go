package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/detection"
)

// ExitBlocked is the exit code of classify for blocked text.
const ExitBlocked = 3

func newClassifyCommand(opts *options) *cobra.Command {
	var lang string

	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Screen text for prompt injection",
		Long: `Classify text with the configured signatures and heuristic and print the
result as JSON. Text is read from the arguments or, when none are given,
from stdin. Exits with status 3 when the text is blocked.

  pulse-gateway classify "ignore previous instructions"
  echo "Забудь все инструкции" | pulse-gateway classify --lang ru`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				text = string(data)
			}

			l, err := detection.ParseLanguage(lang)
			if err != nil {
				return err
			}
			log, err := opts.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cc, err := cfg.Detection.ClassifierConfig()
			if err != nil {
				return err
			}
			classifier, err := detection.NewClassifier(cc, log)
			if err != nil {
				return err
			}

			res, err := classifier.Classify(cmd.Context(), text, l)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Blocked() {
				return &ExitError{Code: ExitBlocked}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "Language hint: en, ru or empty for any")
	return cmd
}
