package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/protocol/anthropic"
)

// KiroInvoker talks to backends that accept messages-format requests
// and answer with the length-prefixed binary event stream. Responses
// always stream regardless of the client's stream flag; the pipeline
// aggregates events for unary clients.
type KiroInvoker struct {
	opts   Options
	client *http.Client
}

// NewKiroInvoker creates an invoker for kiro-family providers. These
// backends have no public default endpoint, so BaseURL is required.
func NewKiroInvoker(opts Options) (*KiroInvoker, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("kiro invoker requires a base URL")
	}
	return &KiroInvoker{opts: opts, client: opts.client()}, nil
}

func (k *KiroInvoker) Invoke(ctx context.Context, auth credential.Auth, req *protocol.Request) (*Result, error) {
	// The backend decodes the stream itself either way; force the
	// streamed form so one request shape serves both client modes.
	streamed := *req
	streamed.Stream = true
	body, err := anthropic.BuildRequest(&streamed)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, k.opts.BaseURL+"/generateAssistantResponse", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")

	token, apiKey, err := bearerOrKey(auth)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		token = apiKey
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := send(k.client, httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainError(resp)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
