// Package transport hosts the gateway's MCP server surface and its build
// version.
package transport

// Version is the build version, injected with ldflags:
//
//	-X github.com/Easy-Infra-Ltd/pulse-gateway/src/transport.Version=<tag>
//
// Defaults to "dev".
var Version = "dev"
