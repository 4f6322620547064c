package upstream

import (
	"bytes"
	"context"
	"net/http"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/protocol/openai"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIInvoker speaks the chat completions API. Both auth kinds send
// a bearer token, which is how OpenAI-compatible backends expect keys.
type OpenAIInvoker struct {
	opts   Options
	client *http.Client
}

// NewOpenAIInvoker creates an invoker for openai-family providers.
func NewOpenAIInvoker(opts Options) *OpenAIInvoker {
	return &OpenAIInvoker{opts: opts, client: opts.client()}
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, auth credential.Auth, req *protocol.Request) (*Result, error) {
	body, err := openai.BuildRequest(req)
	if err != nil {
		return nil, err
	}

	url := baseURL(o.opts, auth, defaultOpenAIBaseURL) + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	token, apiKey, err := bearerOrKey(auth)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		token = apiKey
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := send(o.client, httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainError(resp)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
