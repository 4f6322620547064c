package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// ParseRequest converts a messages API request body into the neutral
// form. Tool result blocks become tool-role messages; tool_use blocks on
// assistant turns become tool calls.
func ParseRequest(body []byte) (*protocol.Request, error) {
	var wire MessagesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid messages request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("messages request missing model")
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("messages request has no messages")
	}

	system, err := decodeSystem(wire.System)
	if err != nil {
		return nil, err
	}

	req := &protocol.Request{
		Model:     wire.Model,
		System:    system,
		MaxTokens: wire.MaxTokens,
		Stop:      wire.StopSequences,
		Stream:    wire.Stream,
	}
	if wire.Temperature != nil {
		req.Temperature = *wire.Temperature
	}
	if wire.TopP != nil {
		req.TopP = *wire.TopP
	}
	if len(wire.Metadata) > 0 {
		req.DroppedFields = append(req.DroppedFields, "metadata")
	}

	for _, m := range wire.Messages {
		blocks, err := decodeContent(m.Content)
		if err != nil {
			return nil, err
		}
		msgs, err := messagesFromBlocks(m.Role, blocks)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, protocol.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	return req, nil
}

// messagesFromBlocks flattens one wire turn into neutral messages.
// A turn mixing text, tool uses, and tool results may expand into
// several messages because the neutral form separates tool responses.
func messagesFromBlocks(role string, blocks []ContentBlock) ([]protocol.Message, error) {
	var out []protocol.Message
	current := protocol.Message{Role: role}
	hasContent := false

	flush := func() {
		if hasContent {
			out = append(out, current)
			current = protocol.Message{Role: role}
			hasContent = false
		}
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if current.Content != "" {
				current.Content += "\n"
			}
			current.Content += b.Text
			hasContent = true
		case "tool_use":
			current.ToolCalls = append(current.ToolCalls, protocol.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
			hasContent = true
		case "tool_result":
			flush()
			text, err := toolResultText(b.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, protocol.Message{
				Role:       protocol.RoleTool,
				Content:    text,
				ToolCallID: b.ToolUseID,
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	flush()
	return out, nil
}

func toolResultText(raw json.RawMessage) (string, error) {
	blocks, err := decodeContent(raw)
	if err != nil {
		return "", err
	}
	text := ""
	for _, b := range blocks {
		if b.Type == "text" {
			text += b.Text
		}
	}
	return text, nil
}

// BuildRequest converts a neutral request into a messages API body for
// an Anthropic-compatible upstream.
func BuildRequest(req *protocol.Request) ([]byte, error) {
	wire := MessagesRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if wire.MaxTokens == 0 {
		// The messages API requires max_tokens.
		wire.MaxTokens = 4096
	}
	if req.System != "" {
		sys, err := json.Marshal(req.System)
		if err != nil {
			return nil, err
		}
		wire.System = sys
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wire.Temperature = &t
	}
	if req.TopP != 0 {
		p := req.TopP
		wire.TopP = &p
	}

	for _, m := range req.Messages {
		turn, err := wireTurn(m)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, turn)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, ToolWire{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return json.Marshal(wire)
}

// wireTurn renders one neutral message as a wire turn. Tool-role
// messages become user turns carrying a tool_result block.
func wireTurn(m protocol.Message) (MessageWire, error) {
	if m.Role == protocol.RoleTool {
		content, err := json.Marshal([]ContentBlock{{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   mustMarshalText(m.Content),
		}})
		if err != nil {
			return MessageWire{}, err
		}
		return MessageWire{Role: "user", Content: content}, nil
	}

	if len(m.ToolCalls) == 0 {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return MessageWire{}, err
		}
		return MessageWire{Role: m.Role, Content: content}, nil
	}

	var blocks []ContentBlock
	if m.Content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	content, err := json.Marshal(blocks)
	if err != nil {
		return MessageWire{}, err
	}
	return MessageWire{Role: m.Role, Content: content}, nil
}

func mustMarshalText(s string) json.RawMessage {
	out, _ := json.Marshal(s)
	return out
}

// ParseResponse converts a unary upstream messages body into the
// neutral form.
func ParseResponse(body []byte) (*protocol.Response, error) {
	var wire MessagesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid messages response: %w", err)
	}
	if wire.Type == "error" {
		return nil, fmt.Errorf("upstream returned an error payload")
	}

	resp := &protocol.Response{
		ID:         wire.ID,
		Model:      wire.Model,
		StopReason: stopReasonFromWire(wire.StopReason),
		Usage: protocol.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			resp.Content += b.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, protocol.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return resp, nil
}

// BuildResponse converts a neutral response into a unary messages body
// for the client.
func BuildResponse(resp *protocol.Response) ([]byte, error) {
	wire := MessagesResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: wireFromStopReason(resp.StopReason),
		Usage: UsageWire{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	if resp.Content != "" {
		wire.Content = append(wire.Content, ContentBlock{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		wire.Content = append(wire.Content, ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	if wire.Content == nil {
		wire.Content = []ContentBlock{}
	}
	return json.Marshal(wire)
}

func stopReasonFromWire(reason string) string {
	switch reason {
	case "max_tokens":
		return protocol.StopReasonLength
	case "tool_use":
		return protocol.StopReasonToolUse
	default:
		return protocol.StopReasonStop
	}
}

func wireFromStopReason(reason string) string {
	switch reason {
	case protocol.StopReasonLength:
		return "max_tokens"
	case protocol.StopReasonToolUse:
		return "tool_use"
	default:
		return "end_turn"
	}
}
