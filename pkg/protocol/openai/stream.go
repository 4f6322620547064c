package openai

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// StreamDecoder converts upstream chat completions SSE payloads into
// neutral stream events. It tracks block indices so interleaved text and
// tool call deltas come out as well-formed block sequences.
type StreamDecoder struct {
	started    bool
	model      string
	id         string
	textIndex  int
	textOpen   bool
	nextIndex  int
	toolBlocks map[int]*toolBlock // wire tool index -> neutral block
	usage      *protocol.Usage
	finish     string
}

type toolBlock struct {
	index int
	id    string
}

// NewStreamDecoder returns a decoder for one upstream stream.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{textIndex: -1, toolBlocks: make(map[int]*toolBlock)}
}

// Decode converts one SSE data payload. The "[DONE]" sentinel closes
// open blocks and terminates the stream.
func (d *StreamDecoder) Decode(data string) ([]protocol.StreamEvent, error) {
	if data == "[DONE]" {
		return d.finishStream(), nil
	}

	var chunk ChatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("invalid chat completions chunk: %w", err)
	}

	var events []protocol.StreamEvent
	if !d.started {
		d.started = true
		d.id = chunk.ID
		d.model = chunk.Model
		events = append(events, protocol.StreamEvent{
			Type:      protocol.EventMessageStart,
			MessageID: chunk.ID,
			Model:     chunk.Model,
		})
	}

	if chunk.Usage != nil {
		d.usage = &protocol.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if !d.textOpen {
				d.textOpen = true
				d.textIndex = d.nextIndex
				d.nextIndex++
				events = append(events, protocol.StreamEvent{
					Type:  protocol.EventContentBlockStart,
					Index: d.textIndex,
					Kind:  protocol.BlockText,
				})
			}
			events = append(events, protocol.StreamEvent{
				Type:  protocol.EventTextDelta,
				Index: d.textIndex,
				Text:  choice.Delta.Content,
			})
		}

		for _, tc := range choice.Delta.ToolCalls {
			block, ok := d.toolBlocks[tc.Index]
			if !ok {
				block = &toolBlock{index: d.nextIndex, id: tc.ID}
				d.nextIndex++
				d.toolBlocks[tc.Index] = block
				events = append(events, protocol.StreamEvent{
					Type:     protocol.EventToolUseStart,
					Index:    block.index,
					Kind:     protocol.BlockToolUse,
					ToolID:   tc.ID,
					ToolName: tc.Function.Name,
				})
			}
			if tc.Function.Arguments != "" {
				events = append(events, protocol.StreamEvent{
					Type:        protocol.EventToolUseInputDelta,
					Index:       block.index,
					ToolID:      block.id,
					PartialJSON: tc.Function.Arguments,
				})
			}
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.finish = stopReasonFromFinish(*choice.FinishReason)
		}
	}

	return events, nil
}

// finishStream closes any open blocks and emits usage and message_stop.
func (d *StreamDecoder) finishStream() []protocol.StreamEvent {
	var events []protocol.StreamEvent
	if d.textOpen {
		events = append(events, protocol.StreamEvent{
			Type:  protocol.EventContentBlockStop,
			Index: d.textIndex,
		})
		d.textOpen = false
	}
	for _, block := range d.toolBlocks {
		events = append(events, protocol.StreamEvent{
			Type:   protocol.EventToolUseStop,
			Index:  block.index,
			ToolID: block.id,
		})
	}
	d.toolBlocks = make(map[int]*toolBlock)

	if d.usage != nil {
		events = append(events, protocol.StreamEvent{
			Type:  protocol.EventUsage,
			Usage: d.usage,
		})
	}

	stop := d.finish
	if stop == "" {
		stop = protocol.StopReasonStop
	}
	return append(events, protocol.StreamEvent{
		Type:       protocol.EventMessageStop,
		StopReason: stop,
	})
}

// StreamEncoder renders neutral stream events as chat completions SSE
// chunks for the client. Output bytes are complete SSE frames including
// the trailing blank line.
type StreamEncoder struct {
	id      string
	model   string
	created int64
	toolIdx map[int]int // neutral block index -> wire tool index
	nTools  int
	sentFin bool
}

// NewStreamEncoder returns an encoder for one client stream.
func NewStreamEncoder() *StreamEncoder {
	return &StreamEncoder{created: time.Now().Unix(), toolIdx: make(map[int]int)}
}

// Encode renders one neutral event. Events with no chat completions
// representation return nil bytes.
func (e *StreamEncoder) Encode(ev protocol.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case protocol.EventMessageStart:
		e.id = ev.MessageID
		e.model = ev.Model
		return e.chunk(ChunkChoice{Index: 0, Delta: ChunkDelta{Role: "assistant"}}, nil)

	case protocol.EventTextDelta:
		return e.chunk(ChunkChoice{Index: 0, Delta: ChunkDelta{Content: ev.Text}}, nil)

	case protocol.EventToolUseStart:
		idx := e.nTools
		e.nTools++
		e.toolIdx[ev.Index] = idx
		return e.chunk(ChunkChoice{Index: 0, Delta: ChunkDelta{ToolCalls: []ToolCallDelta{{
			Index:    idx,
			ID:       ev.ToolID,
			Type:     "function",
			Function: FunctionCallDelta{Name: ev.ToolName},
		}}}}, nil)

	case protocol.EventToolUseInputDelta:
		idx, ok := e.toolIdx[ev.Index]
		if !ok {
			return nil, fmt.Errorf("tool input delta for unopened block %d", ev.Index)
		}
		return e.chunk(ChunkChoice{Index: 0, Delta: ChunkDelta{ToolCalls: []ToolCallDelta{{
			Index:    idx,
			Function: FunctionCallDelta{Arguments: ev.PartialJSON},
		}}}}, nil)

	case protocol.EventUsage:
		usage := &UsageWire{
			PromptTokens:     ev.Usage.InputTokens,
			CompletionTokens: ev.Usage.OutputTokens,
			TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
		}
		return e.chunk(ChunkChoice{Index: 0, Delta: ChunkDelta{}}, usage)

	case protocol.EventMessageStop:
		if e.sentFin {
			return nil, nil
		}
		e.sentFin = true
		finish := finishFromStopReason(ev.StopReason)
		out, err := e.chunk(ChunkChoice{Index: 0, Delta: ChunkDelta{}, FinishReason: &finish}, nil)
		if err != nil {
			return nil, err
		}
		return append(out, []byte("data: [DONE]\n\n")...), nil

	case protocol.EventError:
		payload := MarshalError("upstream_error", ev.ErrMessage)
		return append(append([]byte("data: "), payload...), '\n', '\n'), nil

	default:
		// Block boundaries and pings have no chunk representation.
		return nil, nil
	}
}

func (e *StreamEncoder) chunk(choice ChunkChoice, usage *UsageWire) ([]byte, error) {
	payload, err := json.Marshal(ChatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChunkChoice{choice},
		Usage:   usage,
	})
	if err != nil {
		return nil, err
	}
	return append(append([]byte("data: "), payload...), '\n', '\n'), nil
}
