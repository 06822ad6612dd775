// Package cli implements the pulse-gateway command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/config"
)

// ExitError carries a process exit code without printing an error.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}

type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "pulse-gateway",
		Short: "PULSE Gateway - secure gateway for PULSE messages",
		Long: `PULSE Gateway routes PULSE messages to provider adapters (AI providers,
exchanges) after checking the caller's daily quota, screening text for
prompt injection and redacting secrets from the parameters.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("PULSE_CONFIG"), "Path to the JSON config file (default: built-in defaults)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("PULSE_LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", envOr("PULSE_LOG_FORMAT", "text"), "Log format: text or json")

	root.AddCommand(
		newServeCommand(opts),
		newClassifyCommand(opts),
		newSanitizeCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newLogger writes to w, which must not be stdout when the MCP upstream
// uses stdio.
func (o *options) newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(o.logFormat) {
	case "text":
		h = slog.NewTextHandler(w, handlerOpts)
	case "json":
		h = slog.NewJSONHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
	return slog.New(h).With("process", "pulsegateway"), nil
}

func (o *options) loadConfig() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
