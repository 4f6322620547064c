package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/protocol/gemini"
)

const (
	defaultGeminiBaseURL     = "https://generativelanguage.googleapis.com"
	defaultCodeAssistBaseURL = "https://cloudcode-pa.googleapis.com"
)

// GeminiInvoker speaks generateContent. API key credentials hit the
// public endpoint with the model in the path; OAuth credentials go
// through the code assist endpoint, which wraps the request in an
// envelope carrying the model and project.
type GeminiInvoker struct {
	opts   Options
	client *http.Client
}

// NewGeminiInvoker creates an invoker for gemini-family providers.
func NewGeminiInvoker(opts Options) *GeminiInvoker {
	return &GeminiInvoker{opts: opts, client: opts.client()}
}

// assistEnvelope is the code assist request wrapper.
type assistEnvelope struct {
	Model   string          `json:"model"`
	Project string          `json:"project,omitempty"`
	Request json.RawMessage `json:"request"`
}

func (g *GeminiInvoker) Invoke(ctx context.Context, auth credential.Auth, req *protocol.Request) (*Result, error) {
	inner, err := gemini.BuildRequest(req)
	if err != nil {
		return nil, err
	}

	token, apiKey, err := bearerOrKey(auth)
	if err != nil {
		return nil, err
	}

	var httpReq *http.Request
	if apiKey != "" {
		httpReq, err = g.publicRequest(ctx, auth, req, inner, apiKey)
	} else {
		httpReq, err = g.assistRequest(ctx, req, inner, token)
	}
	if err != nil {
		return nil, err
	}

	resp, err := send(g.client, httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainError(resp)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (g *GeminiInvoker) publicRequest(ctx context.Context, auth credential.Auth, req *protocol.Request, body []byte, apiKey string) (*http.Request, error) {
	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		baseURL(g.opts, auth, defaultGeminiBaseURL),
		url.PathEscape(req.Model), verb, url.QueryEscape(apiKey))
	if req.Stream {
		endpoint += "&alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (g *GeminiInvoker) assistRequest(ctx context.Context, req *protocol.Request, inner []byte, token string) (*http.Request, error) {
	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent"
	}
	base := g.opts.BaseURL
	if base == "" {
		base = defaultCodeAssistBaseURL
	}
	endpoint := fmt.Sprintf("%s/v1internal:%s", base, verb)
	if req.Stream {
		endpoint += "?alt=sse"
	}

	body, err := json.Marshal(assistEnvelope{
		Model:   req.Model,
		Project: g.opts.Project,
		Request: inner,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return httpReq, nil
}
