package upstream

import (
	"bytes"
	"context"
	"net/http"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/protocol/anthropic"
)

const (
	defaultClaudeBaseURL = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
)

// ClaudeInvoker speaks the Anthropic messages API. API key credentials
// authenticate with x-api-key; OAuth credentials use a bearer token.
type ClaudeInvoker struct {
	opts   Options
	client *http.Client
}

// NewClaudeInvoker creates an invoker for claude-family providers.
func NewClaudeInvoker(opts Options) *ClaudeInvoker {
	return &ClaudeInvoker{opts: opts, client: opts.client()}
}

func (c *ClaudeInvoker) Invoke(ctx context.Context, auth credential.Auth, req *protocol.Request) (*Result, error) {
	body, err := anthropic.BuildRequest(req)
	if err != nil {
		return nil, err
	}

	url := baseURL(c.opts, auth, defaultClaudeBaseURL) + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	token, apiKey, err := bearerOrKey(auth)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		httpReq.Header.Set("x-api-key", apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := send(c.client, httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainError(resp)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
