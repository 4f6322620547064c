package gemini

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// ============================================================
// Request parsing
// ============================================================

func TestParseRequestBasics(t *testing.T) {
	body := `{
		"contents": [
			{"role": "user", "parts": [{"text": "hi"}]},
			{"role": "model", "parts": [{"text": "hello"}]}
		],
		"systemInstruction": {"parts": [{"text": "be brief"}]},
		"generationConfig": {"temperature": 0.3, "maxOutputTokens": 64, "stopSequences": ["END"]}
	}`
	req, err := ParseRequest("gemini-2.5-pro", []byte(body))
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if req.Model != "gemini-2.5-pro" || req.System != "be brief" {
		t.Errorf("header fields lost: %+v", req)
	}
	if req.Temperature != 0.3 || req.MaxTokens != 64 || len(req.Stop) != 1 {
		t.Errorf("generation config lost: %+v", req)
	}
	if req.Messages[1].Role != protocol.RoleAssistant {
		t.Errorf("model role not mapped: %q", req.Messages[1].Role)
	}
}

func TestParseRequestFunctionCallAndResponse(t *testing.T) {
	body := `{
		"contents": [
			{"role": "model", "parts": [{"functionCall": {"name": "lookup", "args": {"q": "go"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "lookup", "response": {"result": "found"}}}]}
		]
	}`
	req, err := ParseRequest("gemini-2.5-pro", []byte(body))
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(req.Messages), req.Messages)
	}
	if len(req.Messages[0].ToolCalls) != 1 || req.Messages[0].ToolCalls[0].Name != "lookup" {
		t.Errorf("function call mangled: %+v", req.Messages[0])
	}
	if req.Messages[1].Role != protocol.RoleTool || req.Messages[1].ToolCallID != "lookup" {
		t.Errorf("function response mangled: %+v", req.Messages[1])
	}
}

func TestParseRequestRejectsMissingPieces(t *testing.T) {
	if _, err := ParseRequest("", []byte(`{"contents":[{"parts":[{"text":"x"}]}]}`)); err == nil {
		t.Error("expected error for missing model")
	}
	if _, err := ParseRequest("m", []byte(`{}`)); err == nil {
		t.Error("expected error for missing contents")
	}
}

// ============================================================
// Request and response building
// ============================================================

func TestBuildRequestRoundTrip(t *testing.T) {
	neutral := &protocol.Request{
		Model:  "gemini-2.5-pro",
		System: "be brief",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: "hi"},
			{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{
				{ID: "lookup", Name: "lookup", Arguments: `{"q":"go"}`},
			}},
			{Role: protocol.RoleTool, ToolCallID: "lookup", Content: `{"result":"found"}`},
		},
		MaxTokens: 64,
	}
	body, err := BuildRequest(neutral)
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	parsed, err := ParseRequest("gemini-2.5-pro", body)
	if err != nil {
		t.Fatalf("round trip parse failed: %v", err)
	}
	if len(parsed.Messages) != 3 {
		t.Fatalf("round trip changed message count: %d", len(parsed.Messages))
	}
	if parsed.System != "be brief" || parsed.MaxTokens != 64 {
		t.Errorf("round trip lost fields: %+v", parsed)
	}
}

func TestBuildRequestWrapsPlainToolResult(t *testing.T) {
	body, err := BuildRequest(&protocol.Request{
		Model: "m",
		Messages: []protocol.Message{
			{Role: protocol.RoleTool, ToolCallID: "f", Content: "plain text"},
		},
	})
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	var wire GenerateRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("built request is not valid JSON: %v", err)
	}
	fr := wire.Contents[0].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("function response part missing")
	}
	if !json.Valid(fr.Response) {
		t.Errorf("plain text result not wrapped as JSON: %s", fr.Response)
	}
}

func TestParseResponseUsageAndFunctionCall(t *testing.T) {
	body := `{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "calling"},
				{"functionCall": {"name": "calc", "args": {"a": 1}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 4, "totalTokenCount": 16}
	}`
	resp, err := ParseResponse("gemini-2.5-pro", []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if resp.Content != "calling" || len(resp.ToolCalls) != 1 {
		t.Errorf("content mangled: %+v", resp)
	}
	if resp.StopReason != protocol.StopReasonToolUse {
		t.Errorf("function call should imply tool_use stop: %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage lost: %+v", resp.Usage)
	}
}

// ============================================================
// Stream translation
// ============================================================

func TestStreamDecoderTextThenFinish(t *testing.T) {
	dec := NewStreamDecoder("gemini-2.5-pro")

	events, err := dec.Decode([]byte(`{"responseId":"r1","candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]},"index":0}]}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if events[0].Type != protocol.EventMessageStart || events[0].Model != "gemini-2.5-pro" {
		t.Errorf("unexpected first event: %+v", events[0])
	}

	events, err = dec.Decode([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(events) != 1 || events[0].Text != "lo" {
		t.Errorf("unexpected continuation: %+v", events)
	}

	final := dec.Finish()
	last := final[len(final)-1]
	if last.Type != protocol.EventMessageStop || last.StopReason != protocol.StopReasonStop {
		t.Errorf("stream not terminated: %+v", last)
	}
	var sawUsage bool
	for _, ev := range final {
		if ev.Type == protocol.EventUsage && ev.Usage.OutputTokens == 2 {
			sawUsage = true
		}
	}
	if !sawUsage {
		t.Error("usage event missing from finish")
	}
}

func TestStreamDecoderFunctionCallExpands(t *testing.T) {
	dec := NewStreamDecoder("m")
	events, err := dec.Decode([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"calc","args":{"a":1}}}]},"index":0}]}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	// message_start plus start, delta, stop for the call.
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[1].Type != protocol.EventToolUseStart || events[2].Type != protocol.EventToolUseInputDelta || events[3].Type != protocol.EventToolUseStop {
		t.Errorf("function call not expanded into block events: %+v", events[1:])
	}
}

func TestStreamEncoderBuffersFunctionArgs(t *testing.T) {
	enc := NewStreamEncoder()
	if _, err := enc.Encode(protocol.StreamEvent{
		Type: protocol.EventMessageStart, MessageID: "r1", Model: "m",
	}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if out, _ := enc.Encode(protocol.StreamEvent{
		Type: protocol.EventToolUseStart, Index: 0, ToolID: "t", ToolName: "calc",
	}); out != nil {
		t.Errorf("tool start should buffer, emitted %q", out)
	}
	if out, _ := enc.Encode(protocol.StreamEvent{
		Type: protocol.EventToolUseInputDelta, Index: 0, PartialJSON: `{"a":`,
	}); out != nil {
		t.Errorf("input delta should buffer, emitted %q", out)
	}
	enc.Encode(protocol.StreamEvent{Type: protocol.EventToolUseInputDelta, Index: 0, PartialJSON: `1}`})

	out, err := enc.Encode(protocol.StreamEvent{Type: protocol.EventToolUseStop, Index: 0})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(out), `"functionCall"`) || !strings.Contains(string(out), `"a":1`) {
		t.Errorf("assembled call missing: %q", out)
	}
}
