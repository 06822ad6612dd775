package transport

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewUpstream_createsServer(t *testing.T) {
	u := NewUpstream(config.UpstreamConfig{Transport: config.TransportStdio}, testLogger())
	if u.Server == nil {
		t.Fatal("expected non-nil server")
	}
	if !u.Enabled() {
		t.Error("expected stdio upstream to be enabled")
	}
}

func TestUpstream_runDisabled(t *testing.T) {
	for _, tr := range []string{"", config.TransportNone} {
		u := NewUpstream(config.UpstreamConfig{Transport: tr}, testLogger())
		if u.Enabled() {
			t.Errorf("transport %q: expected disabled", tr)
		}
		if err := u.Run(context.Background()); !errors.Is(err, ErrUpstreamDisabled) {
			t.Errorf("transport %q: expected ErrUpstreamDisabled, got %v", tr, err)
		}
	}
}

func TestUpstream_runUnsupported(t *testing.T) {
	u := NewUpstream(config.UpstreamConfig{Transport: "grpc"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := u.Run(ctx); err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}

func TestUpstream_runHTTPStopsOnCancel(t *testing.T) {
	u := NewUpstream(config.UpstreamConfig{Transport: config.TransportHTTP, Addr: "127.0.0.1:0", Path: "/mcp"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := u.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpstream_runHTTPBadAddr(t *testing.T) {
	u := NewUpstream(config.UpstreamConfig{Transport: config.TransportHTTP, Addr: "256.0.0.1:bad", Path: "/mcp"}, testLogger())
	if err := u.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestUpstream_serverInfo(t *testing.T) {
	u := NewUpstream(config.UpstreamConfig{Transport: config.TransportStdio}, testLogger())

	srvTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = u.Server.Run(ctx, srvTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	info := session.InitializeResult()
	if info == nil || info.ServerInfo == nil {
		t.Fatal("expected initialize result")
	}
	if info.ServerInfo.Name != "pulse-gateway" {
		t.Errorf("expected server name pulse-gateway, got %q", info.ServerInfo.Name)
	}
	if info.ServerInfo.Version != Version {
		t.Errorf("expected version %q, got %q", Version, info.ServerInfo.Version)
	}
}
