package protocol

// EventType discriminates the StreamEvent union.
type EventType string

const (
	// EventMessageStart opens a streamed message. It precedes every
	// other event for the stream.
	EventMessageStart EventType = "message_start"

	// EventContentBlockStart opens a content block at a given index.
	EventContentBlockStart EventType = "content_block_start"

	// EventTextDelta carries an incremental piece of text.
	EventTextDelta EventType = "text_delta"

	// EventToolUseStart opens a tool invocation block.
	EventToolUseStart EventType = "tool_use_start"

	// EventToolUseInputDelta carries a partial JSON fragment of tool
	// arguments.
	EventToolUseInputDelta EventType = "tool_use_input_delta"

	// EventToolUseStop closes a tool invocation block.
	EventToolUseStop EventType = "tool_use_stop"

	// EventContentBlockStop closes the content block at a given index.
	EventContentBlockStop EventType = "content_block_stop"

	// EventMessageStop terminates the stream. No event follows it.
	EventMessageStop EventType = "message_stop"

	// EventUsage reports token accounting, typically once near the end
	// of a stream.
	EventUsage EventType = "usage"

	// EventError reports a stream failure and terminates the sequence.
	EventError EventType = "error"

	// EventPing is a keep-alive with no payload.
	EventPing EventType = "ping"
)

// BlockKind identifies the kind of a content block.
type BlockKind string

const (
	// BlockText is a plain text content block.
	BlockText BlockKind = "text"

	// BlockToolUse is a tool invocation content block.
	BlockToolUse BlockKind = "tool_use"
)

// StreamEvent is the protocol-neutral representation of one unit of
// streamed model output. Only the fields relevant to the Type are set.
//
// Ordering within one stream is significant: MessageStart precedes any
// ContentBlockStart; ContentBlockStart(index) precedes any delta for
// that index; ContentBlockStop(index) follows all deltas for that index;
// MessageStop is terminal.
type StreamEvent struct {
	// Type discriminates which variant this event is
	Type EventType

	// MessageID is set on MessageStart
	MessageID string

	// Model is set on MessageStart
	Model string

	// Index is the content block index (ContentBlockStart/Stop)
	Index int

	// Kind is the content block kind (ContentBlockStart)
	Kind BlockKind

	// Text is the incremental text (TextDelta)
	Text string

	// ToolID identifies the tool call (ToolUseStart/InputDelta/Stop)
	ToolID string

	// ToolName is the tool being called (ToolUseStart)
	ToolName string

	// PartialJSON is a fragment of tool arguments (ToolUseInputDelta)
	PartialJSON string

	// StopReason is set on MessageStop
	StopReason string

	// Usage is set on Usage events
	Usage *Usage

	// ErrKind and ErrMessage are set on Error events
	ErrKind    string
	ErrMessage string
}

// Terminal reports whether no further events may follow this one.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventMessageStop || e.Type == EventError
}
