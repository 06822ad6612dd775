// Package gateway wires configuration, the provider router, the service
// and its REST and MCP surfaces together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/config"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/httpapi"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/router"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/service"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/transport"
)

// Gateway is the top-level orchestrator.
type Gateway struct {
	cfgPath string // empty when running on defaults; disables reload
	cfg     config.Config
	logger  *slog.Logger

	// transportFactory is injected for testing; nil uses the default.
	transportFactory router.TransportFactory

	// ready, when set, is called once every component is built.
	ready func(*service.Service, *httpapi.Server)
}

// New creates a Gateway. cfgPath is the file cfg was loaded from and is
// re-read on SIGHUP or when it changes.
func New(cfgPath string, cfg config.Config, logger *slog.Logger) *Gateway {
	return &Gateway{cfgPath: cfgPath, cfg: cfg, logger: logger}
}

// NewWithTransportFactory creates a Gateway with a custom provider
// transport factory (primarily for testing).
func NewWithTransportFactory(cfgPath string, cfg config.Config, logger *slog.Logger, factory router.TransportFactory) *Gateway {
	return &Gateway{cfgPath: cfgPath, cfg: cfg, logger: logger, transportFactory: factory}
}

// Run connects providers, starts the REST API, the optional metrics
// listener and the optional MCP upstream, and blocks until SIGINT/SIGTERM,
// ctx cancellation or a listener failure.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g.logger.Info("starting gateway", "version", transport.Version, "providers", len(g.cfg.Providers))

	rt := router.NewManager(ctx, g.cfg.Providers, g.logger, g.transportFactory)
	defer rt.Close()

	svc, err := service.New(g.cfg, rt, g.logger)
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}

	api := httpapi.New(svc, g.cfg.HTTP.AdminToken, g.logger)

	upstream := transport.NewUpstream(g.cfg.Upstream, g.logger)
	RegisterTools(upstream.Server, svc, g.logger)

	if g.ready != nil {
		g.ready(svc, api)
	}

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		if err := api.Run(ctx, g.cfg.HTTP.Addr); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	if g.cfg.HTTP.MetricsAddr != "" {
		grp.Go(func() error {
			if err := httpapi.RunMetrics(ctx, g.cfg.HTTP.MetricsAddr, g.logger); err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}

	if upstream.Enabled() {
		grp.Go(func() error {
			g.logger.Info("upstream ready", "transport", g.cfg.Upstream.Transport)
			err := upstream.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("upstream: %w", err)
			}
			return nil
		})
	}

	if g.cfgPath != "" {
		reload := func() error { return g.reload(svc, api) }
		g.watchSignals(ctx, grp, reload)
		if err := g.watchFiles(ctx, grp, reload); err != nil {
			g.logger.Warn("config file watch disabled", "err", err)
		}
	}

	return grp.Wait()
}

// reload re-reads the config file and applies what can change at runtime:
// detection, sanitization, admission, quota and the admin token. Listener
// addresses and providers need a restart.
func (g *Gateway) reload(svc *service.Service, api *httpapi.Server) error {
	cfg, err := config.Load(g.cfgPath)
	if err != nil {
		return fmt.Errorf("reloading %s: %w", g.cfgPath, err)
	}
	if err := svc.Reload(cfg); err != nil {
		return fmt.Errorf("reloading %s: %w", g.cfgPath, err)
	}
	api.SetAdminToken(cfg.HTTP.AdminToken)
	return nil
}

func (g *Gateway) watchSignals(ctx context.Context, grp *errgroup.Group, reload func() error) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	grp.Go(func() error {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				g.logger.Info("SIGHUP received, reloading configuration")
				if err := reload(); err != nil {
					g.logger.Error("reload failed, keeping previous configuration", "err", err)
				}
			}
		}
	})
}

func (g *Gateway) watchFiles(ctx context.Context, grp *errgroup.Group, reload func() error) error {
	w, err := config.NewWatcher(config.Files(g.cfgPath, g.cfg), reload, g.logger)
	if err != nil {
		return err
	}
	grp.Go(func() error {
		w.Run(ctx)
		return nil
	})
	return nil
}
