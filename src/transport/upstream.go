package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/config"
)

// ErrUpstreamDisabled is returned by Run when the upstream transport is
// "none".
var ErrUpstreamDisabled = errors.New("upstream disabled")

// Upstream is the MCP server offered to agent clients. Tools are added to
// Server before Run.
type Upstream struct {
	Server *mcp.Server
	cfg    config.UpstreamConfig
	logger *slog.Logger
}

// NewUpstream creates the MCP server for the configured transport.
func NewUpstream(cfg config.UpstreamConfig, logger *slog.Logger) *Upstream {
	srv := mcp.NewServer(
		&mcp.Implementation{
			Name:    "pulse-gateway",
			Title:   "PULSE Gateway",
			Version: Version,
		},
		&mcp.ServerOptions{
			Logger:       logger,
			Instructions: "Send PULSE messages to provider adapters. Requests are quota-checked, screened for prompt injection and stripped of secrets.",
		},
	)
	return &Upstream{
		Server: srv,
		cfg:    cfg,
		logger: logger.With("area", "Upstream"),
	}
}

// Enabled reports whether an upstream transport is configured.
func (u *Upstream) Enabled() bool {
	return u.cfg.Transport != "" && u.cfg.Transport != config.TransportNone
}

// Run serves on the configured transport until ctx is cancelled or the
// transport closes.
func (u *Upstream) Run(ctx context.Context) error {
	switch u.cfg.Transport {
	case config.TransportStdio:
		u.logger.Info("starting stdio transport")
		return u.Server.Run(ctx, &mcp.StdioTransport{})
	case config.TransportHTTP:
		return u.runHTTP(ctx)
	case config.TransportNone, "":
		return ErrUpstreamDisabled
	default:
		return fmt.Errorf("unsupported upstream transport: %s", u.cfg.Transport)
	}
}

func (u *Upstream) runHTTP(ctx context.Context) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return u.Server },
		&mcp.StreamableHTTPOptions{Logger: u.logger},
	)

	r := mux.NewRouter()
	r.Handle(u.cfg.Path, handler)

	ln, err := net.Listen("tcp", u.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", u.cfg.Addr, err)
	}
	u.logger.Info("starting HTTP transport", "addr", ln.Addr(), "path", u.cfg.Path)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		u.logger.Info("shutting down HTTP transport")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
