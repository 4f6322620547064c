package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// StreamDecoder converts streamGenerateContent chunks into neutral
// events. Function calls arrive whole in a single part, so each one
// expands into a start, a full-arguments delta, and a stop.
type StreamDecoder struct {
	model     string
	started   bool
	textOpen  bool
	textIndex int
	nextIndex int
	usage     *protocol.Usage
	finish    string
	stopped   bool
}

// NewStreamDecoder returns a decoder for one upstream stream. The model
// name is echoed into the message_start event because chunks omit it.
func NewStreamDecoder(model string) *StreamDecoder {
	return &StreamDecoder{model: model, textIndex: -1}
}

// Decode converts one JSON chunk into neutral events.
func (d *StreamDecoder) Decode(data []byte) ([]protocol.StreamEvent, error) {
	if d.stopped {
		return nil, nil
	}

	var chunk GenerateResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("invalid generateContent chunk: %w", err)
	}

	var events []protocol.StreamEvent
	if !d.started {
		d.started = true
		id := chunk.ResponseID
		if id == "" {
			id = uuid.NewString()
		}
		events = append(events, protocol.StreamEvent{
			Type:      protocol.EventMessageStart,
			MessageID: id,
			Model:     d.model,
		})
	}

	if chunk.UsageMetadata != nil {
		d.usage = &protocol.Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}

	for _, cand := range chunk.Candidates {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				events = append(events, d.functionCallEvents(p.FunctionCall)...)
			case p.Text != "":
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
					Text:  p.Text,
				})
			}
		}

		if cand.FinishReason != "" {
			d.finish = stopReasonFromFinish(cand.FinishReason)
		}
	}

	return events, nil
}

func (d *StreamDecoder) functionCallEvents(fc *FunctionCall) []protocol.StreamEvent {
	index := d.nextIndex
	d.nextIndex++
	args := string(fc.Args)
	if args == "" {
		args = "{}"
	}
	return []protocol.StreamEvent{
		{
			Type:     protocol.EventToolUseStart,
			Index:    index,
			Kind:     protocol.BlockToolUse,
			ToolID:   fc.Name,
			ToolName: fc.Name,
		},
		{
			Type:        protocol.EventToolUseInputDelta,
			Index:       index,
			ToolID:      fc.Name,
			PartialJSON: args,
		},
		{
			Type:   protocol.EventToolUseStop,
			Index:  index,
			ToolID: fc.Name,
		},
	}
}

// Finish closes open blocks and emits the terminal events. Callers
// invoke it when the upstream body ends.
func (d *StreamDecoder) Finish() []protocol.StreamEvent {
	if d.stopped {
		return nil
	}
	d.stopped = true

	var events []protocol.StreamEvent
	if d.textOpen {
		events = append(events, protocol.StreamEvent{
			Type:  protocol.EventContentBlockStop,
			Index: d.textIndex,
		})
		d.textOpen = false
	}
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

// StreamEncoder renders neutral stream events as streamGenerateContent
// SSE frames for the client.
type StreamEncoder struct {
	model string
	id    string
	args  map[int]string // accumulated function arguments per block
	names map[int]string
	usage *UsageMetadata
}

// NewStreamEncoder returns an encoder for one client stream.
func NewStreamEncoder() *StreamEncoder {
	return &StreamEncoder{args: make(map[int]string), names: make(map[int]string)}
}

// Encode renders one neutral event. Function call arguments buffer
// until the block closes because the wire format sends calls whole.
func (e *StreamEncoder) Encode(ev protocol.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case protocol.EventMessageStart:
		e.id = ev.MessageID
		e.model = ev.Model
		return nil, nil

	case protocol.EventTextDelta:
		return e.chunk(Candidate{Content: Content{
			Role:  "model",
			Parts: []Part{{Text: ev.Text}},
		}}, false)

	case protocol.EventToolUseStart:
		e.names[ev.Index] = ev.ToolName
		e.args[ev.Index] = ""
		return nil, nil

	case protocol.EventToolUseInputDelta:
		e.args[ev.Index] += ev.PartialJSON
		return nil, nil

	case protocol.EventToolUseStop:
		name, ok := e.names[ev.Index]
		if !ok {
			return nil, fmt.Errorf("tool stop for unopened block %d", ev.Index)
		}
		args := json.RawMessage(e.args[ev.Index])
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		delete(e.names, ev.Index)
		delete(e.args, ev.Index)
		return e.chunk(Candidate{Content: Content{
			Role:  "model",
			Parts: []Part{{FunctionCall: &FunctionCall{Name: name, Args: args}}},
		}}, false)

	case protocol.EventUsage:
		if ev.Usage != nil {
			e.usage = &UsageMetadata{
				PromptTokenCount:     ev.Usage.InputTokens,
				CandidatesTokenCount: ev.Usage.OutputTokens,
				TotalTokenCount:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
		}
		return nil, nil

	case protocol.EventMessageStop:
		return e.chunk(Candidate{
			Content:      Content{Role: "model", Parts: []Part{}},
			FinishReason: finishFromStopReason(ev.StopReason),
		}, true)

	case protocol.EventError:
		payload := MarshalError(502, "UNAVAILABLE", ev.ErrMessage)
		return append(append([]byte("data: "), payload...), '\n', '\n'), nil

	default:
		return nil, nil
	}
}

func (e *StreamEncoder) chunk(cand Candidate, final bool) ([]byte, error) {
	resp := GenerateResponse{
		ResponseID:   e.id,
		Candidates:   []Candidate{cand},
		ModelVersion: e.model,
	}
	if final {
		resp.UsageMetadata = e.usage
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(append([]byte("data: "), payload...), '\n', '\n'), nil
}
