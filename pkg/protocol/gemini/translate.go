package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// ParseRequest converts a generateContent request body into the neutral
// form. The model name comes from the URL path, not the body, so the
// caller provides it.
func ParseRequest(model string, body []byte) (*protocol.Request, error) {
	var wire GenerateRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid generateContent request: %w", err)
	}
	if model == "" {
		return nil, fmt.Errorf("generateContent request missing model")
	}
	if len(wire.Contents) == 0 {
		return nil, fmt.Errorf("generateContent request has no contents")
	}

	req := &protocol.Request{Model: model}
	if wire.SystemInstruction != nil {
		req.System = flattenText(wire.SystemInstruction.Parts)
	}
	if cfg := wire.GenerationConfig; cfg != nil {
		if cfg.Temperature != nil {
			req.Temperature = *cfg.Temperature
		}
		if cfg.TopP != nil {
			req.TopP = *cfg.TopP
		}
		req.MaxTokens = cfg.MaxOutputTokens
		req.Stop = cfg.StopSequences
	}
	if len(wire.SafetySettings) > 0 {
		req.DroppedFields = append(req.DroppedFields, "safetySettings")
	}

	for _, c := range wire.Contents {
		msgs, err := messagesFromContent(c)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	for _, t := range wire.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, protocol.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}

	return req, nil
}

// messagesFromContent flattens one turn. Function responses become
// tool-role messages; the function name doubles as the call id because
// the wire format has none.
func messagesFromContent(c Content) ([]protocol.Message, error) {
	role := neutralRole(c.Role)
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

	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			current.ToolCalls = append(current.ToolCalls, protocol.ToolCall{
				ID:        p.FunctionCall.Name,
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
			hasContent = true
		case p.FunctionResponse != nil:
			flush()
			out = append(out, protocol.Message{
				Role:       protocol.RoleTool,
				Content:    string(p.FunctionResponse.Response),
				ToolCallID: p.FunctionResponse.Name,
			})
		case len(p.InlineData) > 0:
			return nil, fmt.Errorf("inline data parts are not supported")
		default:
			if current.Content != "" {
				current.Content += "\n"
			}
			current.Content += p.Text
			hasContent = true
		}
	}
	flush()
	return out, nil
}

func neutralRole(role string) string {
	switch role {
	case "model":
		return protocol.RoleAssistant
	case "user", "":
		return protocol.RoleUser
	default:
		return role
	}
}

func wireRole(role string) string {
	switch role {
	case protocol.RoleAssistant:
		return "model"
	default:
		return "user"
	}
}

func flattenText(parts []Part) string {
	out := ""
	for _, p := range parts {
		if p.Text != "" {
			if out != "" {
				out += "\n\n"
			}
			out += p.Text
		}
	}
	return out
}

// BuildRequest converts a neutral request into a generateContent body.
// The model travels in the URL, so the body omits it.
func BuildRequest(req *protocol.Request) ([]byte, error) {
	wire := GenerateRequest{}
	if req.System != "" {
		wire.SystemInstruction = &Content{Parts: []Part{{Text: req.System}}}
	}

	cfg := GenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		cfg.Temperature = &t
	}
	if req.TopP != 0 {
		p := req.TopP
		cfg.TopP = &p
	}
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.MaxOutputTokens > 0 || len(cfg.StopSequences) > 0 {
		wire.GenerationConfig = &cfg
	}

	for _, m := range req.Messages {
		content, err := contentFromMessage(m)
		if err != nil {
			return nil, err
		}
		wire.Contents = append(wire.Contents, content)
	}

	if len(req.Tools) > 0 {
		tool := ToolWire{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, FunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		wire.Tools = []ToolWire{tool}
	}

	return json.Marshal(wire)
}

func contentFromMessage(m protocol.Message) (Content, error) {
	if m.Role == protocol.RoleTool {
		response := json.RawMessage(m.Content)
		if !json.Valid(response) {
			wrapped, err := json.Marshal(map[string]string{"result": m.Content})
			if err != nil {
				return Content{}, err
			}
			response = wrapped
		}
		return Content{
			Role: "user",
			Parts: []Part{{FunctionResponse: &FunctionResponse{
				Name:     m.ToolCallID,
				Response: response,
			}}},
		}, nil
	}

	content := Content{Role: wireRole(m.Role)}
	if m.Content != "" {
		content.Parts = append(content.Parts, Part{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		args := json.RawMessage(tc.Arguments)
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		content.Parts = append(content.Parts, Part{FunctionCall: &FunctionCall{
			Name: tc.Name,
			Args: args,
		}})
	}
	if len(content.Parts) == 0 {
		content.Parts = []Part{{Text: ""}}
	}
	return content, nil
}

// ParseResponse converts a unary upstream generateContent body into the
// neutral form.
func ParseResponse(model string, body []byte) (*protocol.Response, error) {
	var wire GenerateResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid generateContent response: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("generateContent response has no candidates")
	}

	cand := wire.Candidates[0]
	resp := &protocol.Response{
		ID:         wire.ResponseID,
		Model:      model,
		StopReason: stopReasonFromFinish(cand.FinishReason),
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, protocol.ToolCall{
				ID:        p.FunctionCall.Name,
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
		default:
			resp.Content += p.Text
		}
	}
	if len(resp.ToolCalls) > 0 && resp.StopReason == protocol.StopReasonStop {
		resp.StopReason = protocol.StopReasonToolUse
	}
	if wire.UsageMetadata != nil {
		resp.Usage = protocol.Usage{
			InputTokens:  wire.UsageMetadata.PromptTokenCount,
			OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}

// BuildResponse converts a neutral response into a unary
// generateContent body for the client.
func BuildResponse(resp *protocol.Response) ([]byte, error) {
	content := Content{Role: "model"}
	if resp.Content != "" {
		content.Parts = append(content.Parts, Part{Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		args := json.RawMessage(tc.Arguments)
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		content.Parts = append(content.Parts, Part{FunctionCall: &FunctionCall{
			Name: tc.Name,
			Args: args,
		}})
	}
	if len(content.Parts) == 0 {
		content.Parts = []Part{{Text: ""}}
	}

	wire := GenerateResponse{
		ResponseID: resp.ID,
		Candidates: []Candidate{{
			Content:      content,
			FinishReason: finishFromStopReason(resp.StopReason),
		}},
		UsageMetadata: &UsageMetadata{
			PromptTokenCount:     resp.Usage.InputTokens,
			CandidatesTokenCount: resp.Usage.OutputTokens,
			TotalTokenCount:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		ModelVersion: resp.Model,
	}
	return json.Marshal(wire)
}

func stopReasonFromFinish(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return protocol.StopReasonLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return protocol.StopReasonFiltered
	default:
		return protocol.StopReasonStop
	}
}

func finishFromStopReason(reason string) string {
	switch reason {
	case protocol.StopReasonLength:
		return "MAX_TOKENS"
	case protocol.StopReasonFiltered:
		return "SAFETY"
	default:
		return "STOP"
	}
}
