package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// ParseRequest converts a chat completions request body into the
// neutral form. System turns are lifted into Request.System; fields with
// no neutral representation are recorded in DroppedFields.
func ParseRequest(body []byte) (*protocol.Request, error) {
	var wire ChatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid chat completions request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("chat completions request missing model")
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("chat completions request has no messages")
	}

	req := &protocol.Request{
		Model:     wire.Model,
		MaxTokens: wire.MaxTokens,
		Stop:      wire.Stop,
		Stream:    wire.Stream,
	}
	if wire.Temperature != nil {
		req.Temperature = *wire.Temperature
	}
	if wire.TopP != nil {
		req.TopP = *wire.TopP
	}

	var system []string
	for _, m := range wire.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, m.Content)
		default:
			msg := protocol.Message{
				Role:       m.Role,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			req.Messages = append(req.Messages, msg)
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			req.DroppedFields = append(req.DroppedFields, "tools."+t.Type)
			continue
		}
		req.Tools = append(req.Tools, protocol.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	if wire.N != nil && *wire.N > 1 {
		req.DroppedFields = append(req.DroppedFields, "n")
	}
	if wire.Logprobs != nil && *wire.Logprobs {
		req.DroppedFields = append(req.DroppedFields, "logprobs")
	}
	if wire.PresencePenalty != nil {
		req.DroppedFields = append(req.DroppedFields, "presence_penalty")
	}
	if wire.FrequencyPenalty != nil {
		req.DroppedFields = append(req.DroppedFields, "frequency_penalty")
	}
	if len(wire.LogitBias) > 0 {
		req.DroppedFields = append(req.DroppedFields, "logit_bias")
	}

	return req, nil
}

// BuildRequest converts a neutral request into a chat completions body
// for an OpenAI-compatible upstream.
func BuildRequest(req *protocol.Request) ([]byte, error) {
	wire := ChatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
		Stream:    req.Stream,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wire.Temperature = &t
	}
	if req.TopP != 0 {
		p := req.TopP
		wire.TopP = &p
	}

	if req.System != "" {
		wire.Messages = append(wire.Messages, ChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		cm := ChatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, ToolCallWire{
				ID:   tc.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		wire.Messages = append(wire.Messages, cm)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, ToolDef{
			Type: "function",
			Function: FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return json.Marshal(wire)
}

// ParseResponse converts a unary upstream chat completions body into
// the neutral form.
func ParseResponse(body []byte) (*protocol.Response, error) {
	var wire ChatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid chat completions response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("chat completions response has no choices")
	}

	choice := wire.Choices[0]
	resp := &protocol.Response{
		ID:         wire.ID,
		Model:      wire.Model,
		Content:    choice.Message.Content,
		StopReason: stopReasonFromFinish(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if wire.Usage != nil {
		resp.Usage = protocol.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

// BuildResponse converts a neutral response into a unary chat
// completions body for the client.
func BuildResponse(resp *protocol.Response) ([]byte, error) {
	msg := ChatMessage{Role: "assistant", Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCallWire{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	wire := ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishFromStopReason(resp.StopReason),
		}},
		Usage: &UsageWire{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(wire)
}

func stopReasonFromFinish(reason string) string {
	switch reason {
	case "length":
		return protocol.StopReasonLength
	case "tool_calls", "function_call":
		return protocol.StopReasonToolUse
	case "content_filter":
		return protocol.StopReasonFiltered
	default:
		return protocol.StopReasonStop
	}
}

func finishFromStopReason(reason string) string {
	switch reason {
	case protocol.StopReasonLength:
		return "length"
	case protocol.StopReasonToolUse:
		return "tool_calls"
	case protocol.StopReasonFiltered:
		return "content_filter"
	default:
		return "stop"
	}
}
