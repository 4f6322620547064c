package protocol

// Message represents a single message in a conversation, independent of
// the wire protocol it arrived in.
type Message struct {
	// Role identifies the message sender (system, user, assistant, tool)
	Role string `json:"role"`

	// Content is the message text content
	Content string `json:"content"`

	// ToolCalls contains tool calls made by the assistant (assistant role)
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID references the tool call this message responds to
	// (tool role)
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is a unique identifier for this tool call
	ID string `json:"id"`

	// Name is the tool name to call
	Name string `json:"name"`

	// Arguments is a JSON string containing the tool arguments
	Arguments string `json:"arguments"`
}

// Tool represents a tool definition the model may call.
type Tool struct {
	// Name is the tool name
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description,omitempty"`

	// Parameters is a JSON Schema object describing the tool parameters
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Request is the protocol-neutral completion request. Client handlers
// produce it from their wire format; provider translators consume it.
type Request struct {
	// Model is the requested model identifier
	Model string `json:"model"`

	// System carries system/developer instructions separated from the
	// conversation turns
	System string `json:"system,omitempty"`

	// Messages is the conversation history, system turns excluded
	Messages []Message `json:"messages"`

	// Temperature controls randomness
	Temperature float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling
	TopP float64 `json:"top_p,omitempty"`

	// MaxTokens is the maximum number of tokens to generate
	MaxTokens int `json:"max_tokens,omitempty"`

	// Stop sequences that halt generation
	Stop []string `json:"stop,omitempty"`

	// Tools is the set of tools the model can call
	Tools []Tool `json:"tools,omitempty"`

	// Stream indicates whether the client requested a streamed response
	Stream bool `json:"stream,omitempty"`

	// DroppedFields lists request fields the translation could not
	// represent in the target format. They are logged, never silently
	// discarded.
	DroppedFields []string `json:"-"`
}

// Usage tracks token consumption for a request.
type Usage struct {
	// InputTokens is the number of tokens in the prompt
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of generated tokens
	OutputTokens int `json:"output_tokens"`
}

// Response is the protocol-neutral unary completion response.
type Response struct {
	// ID is the response identifier
	ID string `json:"id"`

	// Model is the model that produced the response
	Model string `json:"model"`

	// Content is the generated text
	Content string `json:"content"`

	// ToolCalls contains tool invocations requested by the model
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// StopReason indicates why generation stopped (stop, length,
	// tool_use)
	StopReason string `json:"stop_reason"`

	// Usage contains token accounting
	Usage Usage `json:"usage"`
}

// Stop reason constants shared across protocol translations.
const (
	StopReasonStop     = "stop"
	StopReasonLength   = "length"
	StopReasonToolUse  = "tool_use"
	StopReasonFiltered = "content_filter"
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
