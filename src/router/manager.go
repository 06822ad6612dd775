// Package router forwards admitted requests to provider adapters. Each
// provider is an adapter process speaking MCP, reached over stdio or
// streamable HTTP; the request action names the tool to call.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/admission"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/config"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/transport"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderFailed      = errors.New("provider error")
)

// Conn is a live session to one provider adapter.
type Conn struct {
	Name    string
	Session *mcp.ClientSession
	Config  config.ProviderConfig
}

// TransportFactory creates a Transport for a provider. Tests inject
// in-memory transports through it.
type TransportFactory func(config.ProviderConfig) (mcp.Transport, error)

// Status describes one configured provider.
type Status struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
}

// Reply is a provider's answer to a dispatched request.
type Reply struct {
	Provider string
	// Result is the tool's structured content when present, otherwise its
	// text content.
	Result any
}

// Manager keeps sessions to every configured provider, health-checks them
// and reconnects in the background.
type Manager struct {
	mu               sync.RWMutex
	configs          map[string]config.ProviderConfig
	conns            map[string]*Conn
	logger           *slog.Logger
	transportFactory TransportFactory

	cancelHealthCheck context.CancelFunc
	done              chan struct{}
}

// NewManager connects to all providers. Providers that fail to connect are
// logged and retried by the health check; a gateway with no reachable
// provider still admits, classifies and sanitizes.
//
// If transportFactory is nil, the default factory (stdio/HTTP) is used.
func NewManager(ctx context.Context, providers []config.ProviderConfig, logger *slog.Logger, transportFactory TransportFactory) *Manager {
	if transportFactory == nil {
		transportFactory = newTransport
	}
	m := &Manager{
		configs:          make(map[string]config.ProviderConfig, len(providers)),
		conns:            make(map[string]*Conn, len(providers)),
		logger:           logger.With("area", "Router"),
		transportFactory: transportFactory,
		done:             make(chan struct{}),
	}

	for _, p := range providers {
		m.configs[p.Name] = p
		conn, err := m.connect(ctx, p)
		if err != nil {
			m.logger.Error("failed to connect", "provider", p.Name, "err", err)
			continue
		}
		m.conns[p.Name] = conn
		m.logger.Info("connected", "provider", p.Name, "transport", p.Transport)
	}
	connectedProviders.Set(float64(len(m.conns)))

	hctx, cancel := context.WithCancel(ctx)
	m.cancelHealthCheck = cancel
	go m.healthCheckLoop(hctx)

	return m
}

// Session returns the active session for a provider, or nil.
func (m *Manager) Session(name string) *mcp.ClientSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	if !ok {
		return nil
	}
	return conn.Session
}

// Providers lists configured providers sorted by name.
func (m *Manager) Providers() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.configs))
	for name, cfg := range m.configs {
		_, connected := m.conns[name]
		out = append(out, Status{Name: name, Transport: cfg.Transport, Connected: connected})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) available() string {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// Dispatch calls the tool named by the handoff's action on its provider.
// Sanitized parameters are the tool arguments; credentials travel in the
// request metadata.
func (m *Manager) Dispatch(ctx context.Context, h *admission.Handoff) (Reply, error) {
	m.mu.RLock()
	_, known := m.configs[h.Provider]
	available := m.available()
	m.mu.RUnlock()

	if !known {
		dispatchTotal.WithLabelValues(h.Provider, "unknown").Inc()
		return Reply{}, fmt.Errorf("%w '%s'. Available: %s", ErrUnknownProvider, h.Provider, available)
	}

	session := m.Session(h.Provider)
	if session == nil {
		dispatchTotal.WithLabelValues(h.Provider, "unavailable").Inc()
		return Reply{}, fmt.Errorf("%w: %s is not connected", ErrProviderUnavailable, h.Provider)
	}

	meta := mcp.Meta{"request_id": h.RequestID}
	if len(h.Credentials) > 0 {
		meta["credentials"] = map[string]any(h.Credentials)
	}
	if h.Lang != "" {
		meta["lang"] = string(h.Lang)
	}

	m.logger.Debug("dispatching", "request_id", h.RequestID, "provider", h.Provider, "action", h.Action, "credentials", h.Credentials)

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Meta:      meta,
		Name:      h.Action,
		Arguments: map[string]any(h.Parameters),
	})
	if err != nil {
		dispatchTotal.WithLabelValues(h.Provider, "error").Inc()
		return Reply{}, fmt.Errorf("%w: %s %s: %w", ErrProviderFailed, h.Provider, h.Action, err)
	}

	text := textContent(result)
	if result.IsError {
		dispatchTotal.WithLabelValues(h.Provider, "error").Inc()
		return Reply{}, fmt.Errorf("%w: %s %s: %s", ErrProviderFailed, h.Provider, h.Action, text)
	}

	dispatchTotal.WithLabelValues(h.Provider, "ok").Inc()
	reply := Reply{Provider: h.Provider, Result: text}
	if result.StructuredContent != nil {
		reply.Result = result.StructuredContent
	}
	return reply, nil
}

func textContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close terminates all sessions and stops health checks.
func (m *Manager) Close() {
	if m.cancelHealthCheck != nil {
		m.cancelHealthCheck()
		<-m.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, conn := range m.conns {
		if err := conn.Session.Close(); err != nil {
			m.logger.Error("error closing session", "provider", name, "err", err)
		}
	}
	m.conns = make(map[string]*Conn)
	connectedProviders.Set(0)
}

func (m *Manager) connect(ctx context.Context, p config.ProviderConfig) (*Conn, error) {
	client := mcp.NewClient(
		&mcp.Implementation{
			Name:    "pulse-gateway",
			Version: transport.Version,
		},
		&mcp.ClientOptions{Logger: m.logger},
	)

	t, err := m.transportFactory(p)
	if err != nil {
		return nil, fmt.Errorf("creating transport for %s: %w", p.Name, err)
	}

	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", p.Name, err)
	}

	return &Conn{Name: p.Name, Session: session, Config: p}, nil
}

func newTransport(p config.ProviderConfig) (mcp.Transport, error) {
	switch p.Transport {
	case config.TransportStdio:
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		cmd := exec.Command(p.Command[0], p.Command[1:]...)
		return &mcp.CommandTransport{Command: cmd}, nil

	case config.TransportHTTP:
		if p.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		return &mcp.StreamableClientTransport{Endpoint: p.URL}, nil

	default:
		return nil, fmt.Errorf("unsupported transport: %s", p.Transport)
	}
}

const healthCheckInterval = 30 * time.Second

func (m *Manager) healthCheckLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAndReconnect(ctx)
		}
	}
}

func (m *Manager) checkAndReconnect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	m.mu.RLock()
	cfgs := make([]config.ProviderConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		cfgs = append(cfgs, cfg)
	}
	m.mu.RUnlock()

	for _, cfg := range cfgs {
		m.mu.RLock()
		conn, connected := m.conns[cfg.Name]
		m.mu.RUnlock()

		if connected {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Session.Ping(pingCtx, &mcp.PingParams{})
			cancel()
			if err == nil {
				continue
			}
			m.logger.Warn("health check failed, reconnecting", "provider", cfg.Name, "err", err)
			_ = conn.Session.Close()
		}

		newConn, err := m.connect(ctx, cfg)
		if err != nil {
			m.logger.Error("reconnect failed", "provider", cfg.Name, "err", err)
			m.mu.Lock()
			delete(m.conns, cfg.Name)
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		m.conns[cfg.Name] = newConn
		m.mu.Unlock()
		m.logger.Info("reconnected", "provider", cfg.Name)
	}

	m.mu.RLock()
	connectedProviders.Set(float64(len(m.conns)))
	m.mu.RUnlock()
}
