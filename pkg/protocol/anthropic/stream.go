package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// streamEvent is the wire shape shared by every messages stream event.
// Unused fields stay nil for each event type.
type streamEvent struct {
	Type         string          `json:"type"`
	Index        *int            `json:"index,omitempty"`
	Message      *messageStart   `json:"message,omitempty"`
	ContentBlock *ContentBlock   `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	Usage        *deltaUsage     `json:"usage,omitempty"`
	Error        *ErrorBody      `json:"error,omitempty"`
}

type messageStart struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      UsageWire      `json:"usage"`
}

type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type messageDelta struct {
	StopReason string `json:"stop_reason,omitempty"`
}

type deltaUsage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens"`
}

// DecodeEvent converts one messages stream event payload into neutral
// events. The payload's own type field discriminates, so the same
// decoder serves SSE bodies and binary frame payloads that carry
// messages-shaped events.
func DecodeEvent(data []byte) ([]protocol.StreamEvent, error) {
	var wire streamEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("invalid messages stream event: %w", err)
	}

	switch wire.Type {
	case "message_start":
		if wire.Message == nil {
			return nil, fmt.Errorf("message_start event missing message")
		}
		events := []protocol.StreamEvent{{
			Type:      protocol.EventMessageStart,
			MessageID: wire.Message.ID,
			Model:     wire.Message.Model,
		}}
		if wire.Message.Usage.InputTokens > 0 {
			events = append(events, protocol.StreamEvent{
				Type: protocol.EventUsage,
				Usage: &protocol.Usage{
					InputTokens: wire.Message.Usage.InputTokens,
				},
			})
		}
		return events, nil

	case "content_block_start":
		if wire.Index == nil || wire.ContentBlock == nil {
			return nil, fmt.Errorf("content_block_start event missing index or block")
		}
		switch wire.ContentBlock.Type {
		case "tool_use":
			return []protocol.StreamEvent{{
				Type:     protocol.EventToolUseStart,
				Index:    *wire.Index,
				Kind:     protocol.BlockToolUse,
				ToolID:   wire.ContentBlock.ID,
				ToolName: wire.ContentBlock.Name,
			}}, nil
		default:
			return []protocol.StreamEvent{{
				Type:  protocol.EventContentBlockStart,
				Index: *wire.Index,
				Kind:  protocol.BlockText,
			}}, nil
		}

	case "content_block_delta":
		if wire.Index == nil {
			return nil, fmt.Errorf("content_block_delta event missing index")
		}
		var delta blockDelta
		if err := json.Unmarshal(wire.Delta, &delta); err != nil {
			return nil, fmt.Errorf("invalid content block delta: %w", err)
		}
		switch delta.Type {
		case "input_json_delta":
			return []protocol.StreamEvent{{
				Type:        protocol.EventToolUseInputDelta,
				Index:       *wire.Index,
				PartialJSON: delta.PartialJSON,
			}}, nil
		default:
			return []protocol.StreamEvent{{
				Type:  protocol.EventTextDelta,
				Index: *wire.Index,
				Text:  delta.Text,
			}}, nil
		}

	case "content_block_stop":
		if wire.Index == nil {
			return nil, fmt.Errorf("content_block_stop event missing index")
		}
		return []protocol.StreamEvent{{
			Type:  protocol.EventContentBlockStop,
			Index: *wire.Index,
		}}, nil

	case "message_delta":
		var events []protocol.StreamEvent
		if wire.Usage != nil {
			events = append(events, protocol.StreamEvent{
				Type: protocol.EventUsage,
				Usage: &protocol.Usage{
					InputTokens:  wire.Usage.InputTokens,
					OutputTokens: wire.Usage.OutputTokens,
				},
			})
		}
		if len(wire.Delta) > 0 {
			var delta messageDelta
			if err := json.Unmarshal(wire.Delta, &delta); err != nil {
				return nil, fmt.Errorf("invalid message delta: %w", err)
			}
			if delta.StopReason != "" {
				events = append(events, protocol.StreamEvent{
					Type:       protocol.EventMessageStop,
					StopReason: stopReasonFromWire(delta.StopReason),
				})
			}
		}
		return events, nil

	case "message_stop":
		// Stop reason already arrived in the preceding message_delta;
		// a bare message_stop still needs to terminate the stream.
		return []protocol.StreamEvent{{
			Type:       protocol.EventMessageStop,
			StopReason: protocol.StopReasonStop,
		}}, nil

	case "ping":
		return []protocol.StreamEvent{{Type: protocol.EventPing}}, nil

	case "error":
		ev := protocol.StreamEvent{Type: protocol.EventError}
		if wire.Error != nil {
			ev.ErrKind = wire.Error.Type
			ev.ErrMessage = wire.Error.Message
		}
		return []protocol.StreamEvent{ev}, nil

	default:
		return nil, fmt.Errorf("unknown stream event type %q", wire.Type)
	}
}

// StreamDecoder adapts DecodeEvent to a per-stream state machine that
// suppresses the duplicate terminal event when message_delta already
// carried the stop reason.
type StreamDecoder struct {
	stopped bool
}

// Decode converts one event payload, dropping events after the
// terminal one.
func (d *StreamDecoder) Decode(data []byte) ([]protocol.StreamEvent, error) {
	if d.stopped {
		return nil, nil
	}
	events, err := DecodeEvent(data)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if ev.Type == protocol.EventMessageStop {
			d.stopped = true
		}
		out = append(out, ev)
		if d.stopped {
			break
		}
	}
	return out, nil
}

// StreamEncoder renders neutral stream events as messages API SSE
// frames, reproducing the event ordering messages clients expect.
type StreamEncoder struct {
	outputTokens int
}

// NewStreamEncoder returns an encoder for one client stream.
func NewStreamEncoder() *StreamEncoder {
	return &StreamEncoder{}
}

// Encode renders one neutral event as a complete SSE frame. Events with
// no messages representation return nil bytes.
func (e *StreamEncoder) Encode(ev protocol.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case protocol.EventMessageStart:
		return sseFrame("message_start", streamEvent{
			Type: "message_start",
			Message: &messageStart{
				ID:      ev.MessageID,
				Type:    "message",
				Role:    "assistant",
				Model:   ev.Model,
				Content: []ContentBlock{},
			},
		})

	case protocol.EventContentBlockStart:
		idx := ev.Index
		return sseFrame("content_block_start", streamEvent{
			Type:         "content_block_start",
			Index:        &idx,
			ContentBlock: &ContentBlock{Type: "text"},
		})

	case protocol.EventToolUseStart:
		idx := ev.Index
		return sseFrame("content_block_start", streamEvent{
			Type:  "content_block_start",
			Index: &idx,
			ContentBlock: &ContentBlock{
				Type:  "tool_use",
				ID:    ev.ToolID,
				Name:  ev.ToolName,
				Input: json.RawMessage("{}"),
			},
		})

	case protocol.EventTextDelta:
		idx := ev.Index
		delta, _ := json.Marshal(blockDelta{Type: "text_delta", Text: ev.Text})
		return sseFrame("content_block_delta", streamEvent{
			Type:  "content_block_delta",
			Index: &idx,
			Delta: delta,
		})

	case protocol.EventToolUseInputDelta:
		idx := ev.Index
		delta, _ := json.Marshal(blockDelta{Type: "input_json_delta", PartialJSON: ev.PartialJSON})
		return sseFrame("content_block_delta", streamEvent{
			Type:  "content_block_delta",
			Index: &idx,
			Delta: delta,
		})

	case protocol.EventContentBlockStop, protocol.EventToolUseStop:
		idx := ev.Index
		return sseFrame("content_block_stop", streamEvent{
			Type:  "content_block_stop",
			Index: &idx,
		})

	case protocol.EventUsage:
		// Usage is folded into the final message_delta frame.
		if ev.Usage != nil {
			e.outputTokens = ev.Usage.OutputTokens
		}
		return nil, nil

	case protocol.EventMessageStop:
		delta, _ := json.Marshal(messageDelta{StopReason: wireFromStopReason(ev.StopReason)})
		first, err := sseFrame("message_delta", streamEvent{
			Type:  "message_delta",
			Delta: delta,
			Usage: &deltaUsage{OutputTokens: e.outputTokens},
		})
		if err != nil {
			return nil, err
		}
		second, err := sseFrame("message_stop", streamEvent{Type: "message_stop"})
		if err != nil {
			return nil, err
		}
		return append(first, second...), nil

	case protocol.EventPing:
		return sseFrame("ping", streamEvent{Type: "ping"})

	case protocol.EventError:
		return sseFrame("error", streamEvent{
			Type:  "error",
			Error: &ErrorBody{Type: ev.ErrKind, Message: ev.ErrMessage},
		})

	default:
		return nil, nil
	}
}

func sseFrame(event string, payload streamEvent) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(event)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}
