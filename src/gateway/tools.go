package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/admission"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/sanitizer"
	"github.com/Easy-Infra-Ltd/pulse-gateway/src/service"
)

// credentialsMetaKey is the _meta entry carrying provider credentials on a
// send call. Credentials are never accepted as tool arguments.
const credentialsMetaKey = "credentials"

type classifyInput struct {
	Text string `json:"text" jsonschema:"text to screen for prompt injection"`
	Lang string `json:"lang,omitempty" jsonschema:"language hint: en, ru or empty for any"`
}

type sanitizeInput struct {
	Parameters sanitizer.ParameterSet `json:"parameters" jsonschema:"parameter set to redact"`
}

type usageInput struct {
	APIKey string `json:"api_key" jsonschema:"gateway API key"`
}

type sendInput struct {
	APIKey     string                 `json:"api_key" jsonschema:"gateway API key"`
	Action     string                 `json:"action" jsonschema:"provider action, e.g. chat"`
	Provider   string                 `json:"provider" jsonschema:"provider name"`
	Lang       string                 `json:"lang,omitempty" jsonschema:"language hint: en, ru or empty for any"`
	Parameters sanitizer.ParameterSet `json:"parameters,omitempty" jsonschema:"action parameters"`
}

// RegisterTools adds the gateway's tools to srv. Outputs are returned as
// untyped structured content so no output schema is enforced.
func RegisterTools(srv *mcp.Server, svc *service.Service, logger *slog.Logger) {
	logger = logger.With("area", "Tools")

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "classify",
		Description: "Screen text for prompt injection. Returns the outcome and, when blocked, the attack category.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in classifyInput) (*mcp.CallToolResult, any, error) {
		res, err := svc.Classify(ctx, in.Text, in.Lang)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]any{
			"blocked":  res.Blocked(),
			"outcome":  res.Outcome.String(),
			"category": string(res.Category),
			"score":    res.Score,
			"reason":   res.Reason,
		}, nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sanitize",
		Description: "Redact secrets (API keys, passwords, tokens) from a parameter set at any depth.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(_ context.Context, _ *mcp.CallToolRequest, in sanitizeInput) (*mcp.CallToolResult, any, error) {
		clean, err := svc.Sanitize(in.Parameters)
		if err != nil {
			return nil, nil, err
		}
		if clean == nil {
			clean = sanitizer.ParameterSet{}
		}
		return nil, map[string]any{"parameters": clean}, nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "usage",
		Description: "Report an API key's tier, daily limit and remaining requests.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(_ context.Context, _ *mcp.CallToolRequest, in usageInput) (*mcp.CallToolResult, any, error) {
		usage, ok := svc.Usage(in.APIKey)
		if !ok {
			return nil, nil, errors.New("unknown API key")
		}
		return nil, usage, nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "send",
		Description: "Send a PULSE message to a provider through the gateway. " +
			"Provider credentials go in _meta." + credentialsMetaKey + ", never in parameters.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in sendInput) (*mcp.CallToolResult, any, error) {
		creds, err := credentialsFromMeta(req.Params.Meta)
		if err != nil {
			return nil, nil, err
		}

		out := svc.Send(ctx, service.SendRequest{
			APIKey:      in.APIKey,
			Action:      in.Action,
			Provider:    in.Provider,
			Lang:        in.Lang,
			Parameters:  in.Parameters,
			Credentials: creds,
		})
		if !out.Success {
			logger.Debug("send failed", "request_id", out.RequestID, "outcome", out.Outcome, "err", out.Error)
		}
		return &mcp.CallToolResult{IsError: !out.Success}, out, nil
	})
}

func credentialsFromMeta(meta mcp.Meta) (admission.Credentials, error) {
	raw, ok := meta[credentialsMetaKey]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("_meta.%s must be an object", credentialsMetaKey)
	}
	return admission.Credentials(m), nil
}
