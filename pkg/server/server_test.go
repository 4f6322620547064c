package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itsharex/proxycast/pkg/auth"
	"github.com/itsharex/proxycast/pkg/config"
	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/credential/pool"
	"github.com/itsharex/proxycast/pkg/idempotency"
	"github.com/itsharex/proxycast/pkg/pipeline"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/ratelimit"
	"github.com/itsharex/proxycast/pkg/routing"
	"github.com/itsharex/proxycast/pkg/upstream"
)

const claudeBody = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`

const claudeStream = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}` + "\n\n" +
	"event: content_block_start\n" +
	`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
	"event: content_block_stop\n" +
	`data: {"type":"content_block_stop","index":0}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

// scriptedInvoker returns the same canned upstream body every call.
type scriptedInvoker struct {
	body string
}

func (s *scriptedInvoker) Invoke(context.Context, credential.Auth, *protocol.Request) (*upstream.Result, error) {
	return &upstream.Result{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewReader([]byte(s.body))),
	}, nil
}

type serverOpts struct {
	keys        []*auth.KeyInfo
	limiter     *ratelimit.Limiter
	idempotency *idempotency.Store
	upstream    string
	degraded    func() bool
	frames      *frameCounter
}

// frameCounter stands in for the metrics collector's stream counter.
type frameCounter struct {
	mu sync.Mutex
	n  int
}

func (c *frameCounter) RecordStreamEvent() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *frameCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func testServer(t *testing.T, o serverOpts) (*httptest.Server, *pool.Pool) {
	t.Helper()

	p := pool.New(pool.Config{})
	p.Upsert(&credential.Credential{
		ID:         "cred-1",
		ProviderID: "prov",
		Status:     credential.StatusHealthy,
		Auth: credential.Auth{
			Kind:   credential.AuthAPIKey,
			APIKey: &credential.APIKey{Key: "upstream-key"},
		},
	})

	table, err := routing.NewTable([]routing.ProviderSpec{
		{ID: "prov", Family: protocol.FamilyClaude, Models: []string{"claude-*"}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	body := o.upstream
	if body == "" {
		body = claudeBody
	}
	engine := pipeline.New(pipeline.Config{
		Router: table,
		Pool:   p,
		Invokers: upstream.NewRegistry(map[protocol.Family]upstream.Invoker{
			protocol.FamilyClaude: &scriptedInvoker{body: body},
		}),
		RetryBaseDelay: time.Millisecond,
	})

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	opts := Options{
		Config:      cfg,
		Engine:      engine,
		Auth:        auth.NewValidator(o.keys),
		Pool:        p,
		Limiter:     o.limiter,
		Idempotency: o.idempotency,
		Degraded:    o.degraded,
	}
	if o.frames != nil {
		opts.StreamEvents = o.frames
	}
	srv := New(opts)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, p
}

func post(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

// ============================================================
// Protocol surfaces
// ============================================================

func TestOpenAIUnary(t *testing.T) {
	ts, _ := testServer(t, serverOpts{})

	resp := post(t, ts.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello" {
		t.Errorf("choices = %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", out.Choices[0].FinishReason)
	}
}

func TestAnthropicUnary(t *testing.T) {
	ts, _ := testServer(t, serverOpts{})

	resp := post(t, ts.URL+"/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != "message" || out.StopReason != "end_turn" {
		t.Errorf("type=%q stop_reason=%q", out.Type, out.StopReason)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hello" {
		t.Errorf("content = %+v", out.Content)
	}
}

func TestGeminiUnary(t *testing.T) {
	ts, _ := testServer(t, serverOpts{})

	resp := post(t, ts.URL+"/v1beta/models/claude-sonnet-4:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Candidates) != 1 || out.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("candidates = %+v", out.Candidates)
	}
	if out.Candidates[0].Content.Parts[0].Text != "hello" {
		t.Errorf("text = %q", out.Candidates[0].Content.Parts[0].Text)
	}
}

func TestGeminiRejectsUnknownAction(t *testing.T) {
	ts, _ := testServer(t, serverOpts{})

	resp := post(t, ts.URL+"/v1beta/models/claude-sonnet-4:countTokens", `{}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOpenAIStreaming(t *testing.T) {
	ts, _ := testServer(t, serverOpts{upstream: claudeStream})

	resp := post(t, ts.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	got := string(raw)
	if !strings.Contains(got, `"content":"hi"`) {
		t.Errorf("stream missing text delta:\n%s", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Errorf("stream does not end in [DONE]:\n%s", got)
	}
}

// ============================================================
// Error rendering
// ============================================================

func TestUnknownModelPerProtocolEnvelope(t *testing.T) {
	ts, _ := testServer(t, serverOpts{})

	resp := post(t, ts.URL+"/v1/messages",
		`{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var out struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != "error" || out.Error.Type != "invalid_request_error" {
		t.Errorf("envelope = %+v", out)
	}
}

func TestMalformedBody(t *testing.T) {
	ts, _ := testServer(t, serverOpts{})

	resp := post(t, ts.URL+"/v1/chat/completions", `{not json`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// ============================================================
// Middleware
// ============================================================

func TestAuthRequired(t *testing.T) {
	keys := []*auth.KeyInfo{{Key: "sk-good", Name: "team", Enabled: true}}
	ts, _ := testServer(t, serverOpts{keys: keys})

	resp := post(t, ts.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", resp.StatusCode)
	}

	resp = post(t, ts.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer sk-good"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid key status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitRejects(t *testing.T) {
	ts, _ := testServer(t, serverOpts{limiter: ratelimit.New(1, time.Minute)})
	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`

	resp := post(t, ts.URL+"/v1/chat/completions", body, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}

	resp = post(t, ts.URL+"/v1/chat/completions", body, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := testServer(t, serverOpts{})

	getResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	getResp.Body.Close()
	if getResp.Header.Get(RequestIDHeader) == "" {
		t.Error("response missing X-Request-ID")
	}

	// A client-provided id is echoed back.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "my-id")
	echo, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	echo.Body.Close()
	if got := echo.Header.Get(RequestIDHeader); got != "my-id" {
		t.Errorf("echoed request id = %q", got)
	}
}

// ============================================================
// Idempotency
// ============================================================

func TestIdempotentReplay(t *testing.T) {
	ts, _ := testServer(t, serverOpts{idempotency: idempotency.New(time.Minute)})
	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := post(t, ts.URL+"/v1/chat/completions", body, headers)
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second := post(t, ts.URL+"/v1/chat/completions", body, headers)
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", second.StatusCode)
	}
	if second.Header.Get("Idempotency-Replayed") != "true" {
		t.Error("replay missing Idempotency-Replayed header")
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Error("replayed body differs from original")
	}
}

func TestIdempotencyKeyReuseWithDifferentBody(t *testing.T) {
	ts, _ := testServer(t, serverOpts{idempotency: idempotency.New(time.Minute)})
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := post(t, ts.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`, headers)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second := post(t, ts.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"bye"}]}`, headers)
	defer second.Body.Close()
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("reused key with new body status = %d, want 400", second.StatusCode)
	}
	if second.Header.Get("Idempotency-Replayed") == "true" {
		t.Error("mismatched body must not replay the cached response")
	}
}

// ============================================================
// Stream accounting
// ============================================================

func TestStreamDeliveryCountsFrames(t *testing.T) {
	frames := &frameCounter{}
	ts, _ := testServer(t, serverOpts{upstream: claudeStream, frames: frames})

	resp := post(t, ts.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if frames.count() == 0 {
		t.Error("no stream frames recorded for a streaming response")
	}
}

// ============================================================
// Health
// ============================================================

func TestReadyReflectsPool(t *testing.T) {
	ts, p := testServer(t, serverOpts{})

	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}

	p.MarkUnhealthy("cred-1", "probe failed")

	resp, err = http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status with no healthy credentials = %d, want 503", resp.StatusCode)
	}
}

func TestReadyReportsDegradedSupervisor(t *testing.T) {
	degraded := false
	ts, _ := testServer(t, serverOpts{degraded: func() bool { return degraded }})

	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}

	degraded = true

	resp, err = http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	var out struct {
		Status   string `json:"status"`
		Degraded bool   `json:"degraded"`
	}
	if derr := json.NewDecoder(resp.Body).Decode(&out); derr != nil {
		t.Fatalf("decode: %v", derr)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status with degraded supervisor = %d, want 503", resp.StatusCode)
	}
	if out.Status != "not_ready" || !out.Degraded {
		t.Errorf("body = %+v, want not_ready and degraded", out)
	}
}
