package pipeline

import (
	"context"
	"io"
	"strings"

	"github.com/itsharex/proxycast/pkg/codec"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/protocol/anthropic"
	"github.com/itsharex/proxycast/pkg/protocol/gemini"
	"github.com/itsharex/proxycast/pkg/protocol/openai"
)

// streamReadSize is the chunk size for upstream body reads.
const streamReadSize = 32 * 1024

// frameSink receives decoded neutral events. Implementations must not
// block indefinitely; the producer honors ctx instead.
type frameSink func(protocol.StreamEvent) bool

// errSinkClosed signals that the sink declined an event; decoding
// stops without surfacing an error to the caller.
var errSinkClosed = &Error{}

// decodeBody converts one upstream response body into neutral events
// and pushes them into the sink until the body ends, the sink declines,
// or the context is canceled. The returned error is already classified.
// Gemini backends pick their framing by content type: SSE when the
// request carried alt=sse, newline-delimited JSON otherwise.
func decodeBody(ctx context.Context, family protocol.Family, model, contentType string, body io.Reader, sink frameSink) *Error {
	switch family {
	case protocol.FamilyClaude:
		return decodeClaudeSSE(ctx, body, sink)
	case protocol.FamilyOpenAI:
		return decodeOpenAISSE(ctx, body, sink)
	case protocol.FamilyGemini:
		if strings.Contains(contentType, "text/event-stream") {
			return decodeGeminiSSE(ctx, model, body, sink)
		}
		return decodeGeminiLines(ctx, model, body, sink)
	case protocol.FamilyKiro:
		return decodeEventStream(ctx, body, sink)
	default:
		return Errf(KindInternal, "no stream decoder for family %q", family)
	}
}

// readChunks drives a body reader, handing chunks to fn until EOF.
func readChunks(ctx context.Context, body io.Reader, fn func([]byte) *Error) *Error {
	buf := make([]byte, streamReadSize)
	for {
		if err := ctx.Err(); err != nil {
			return Wrap(KindCanceled, err, "request canceled")
		}
		n, err := body.Read(buf)
		if n > 0 {
			if perr := fn(buf[:n]); perr != nil {
				return perr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return Wrap(KindTransientUpstream, err, "upstream stream broke")
		}
	}
}

func decodeClaudeSSE(ctx context.Context, body io.Reader, sink frameSink) *Error {
	var sse codec.SSEDecoder
	var dec anthropic.StreamDecoder
	return readChunks(ctx, body, func(chunk []byte) *Error {
		for _, msg := range sse.Feed(chunk) {
			if msg.Data == "" {
				continue
			}
			events, err := dec.Decode([]byte(msg.Data))
			if err != nil {
				return Wrap(KindMalformedUpstream, err, "undecodable stream event")
			}
			if !pushAll(sink, events) {
				return nil
			}
		}
		return nil
	})
}

func decodeOpenAISSE(ctx context.Context, body io.Reader, sink frameSink) *Error {
	var sse codec.SSEDecoder
	dec := openai.NewStreamDecoder()
	return readChunks(ctx, body, func(chunk []byte) *Error {
		for _, msg := range sse.Feed(chunk) {
			if msg.Data == "" {
				continue
			}
			events, err := dec.Decode(msg.Data)
			if err != nil {
				return Wrap(KindMalformedUpstream, err, "undecodable stream chunk")
			}
			if !pushAll(sink, events) {
				return nil
			}
		}
		return nil
	})
}

func decodeGeminiSSE(ctx context.Context, model string, body io.Reader, sink frameSink) *Error {
	var sse codec.SSEDecoder
	dec := gemini.NewStreamDecoder(model)
	err := readChunks(ctx, body, func(chunk []byte) *Error {
		for _, msg := range sse.Feed(chunk) {
			if msg.Data == "" {
				continue
			}
			events, derr := dec.Decode([]byte(msg.Data))
			if derr != nil {
				return Wrap(KindMalformedUpstream, derr, "undecodable stream chunk")
			}
			if !pushAll(sink, events) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The chunk stream has no terminal marker of its own.
	pushAll(sink, dec.Finish())
	return nil
}

// decodeGeminiLines handles the newline-delimited JSON framing: one
// generateContent chunk per line. Lines that are only array punctuation
// are skipped so a bracketed chunk list decodes the same way.
func decodeGeminiLines(ctx context.Context, model string, body io.Reader, sink frameSink) *Error {
	var lines codec.JSONLinesDecoder
	dec := gemini.NewStreamDecoder(model)

	decodeLine := func(line string) *Error {
		line = strings.TrimSuffix(strings.TrimPrefix(line, ","), ",")
		if line == "" || line == "[" || line == "]" {
			return nil
		}
		events, derr := dec.Decode([]byte(line))
		if derr != nil {
			return Wrap(KindMalformedUpstream, derr, "undecodable stream chunk")
		}
		if !pushAll(sink, events) {
			return errSinkClosed
		}
		return nil
	}

	err := readChunks(ctx, body, func(chunk []byte) *Error {
		for _, line := range lines.Feed(chunk) {
			if perr := decodeLine(line); perr != nil {
				if perr == errSinkClosed {
					return nil
				}
				return perr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if tail, ok := lines.Flush(); ok {
		if perr := decodeLine(tail); perr != nil && perr != errSinkClosed {
			return perr
		}
	}
	// The chunk stream has no terminal marker of its own.
	pushAll(sink, dec.Finish())
	return nil
}

func decodeEventStream(ctx context.Context, body io.Reader, sink frameSink) *Error {
	var frames codec.EventStreamDecoder
	var dec anthropic.StreamDecoder
	sawException := ""

	err := readChunks(ctx, body, func(chunk []byte) *Error {
		decoded, err := frames.Feed(chunk)
		for _, frame := range decoded {
			if t := frame.Headers[":exception-type"]; t != "" {
				sawException = t
				continue
			}
			events, derr := dec.Decode(frame.Payload)
			if derr != nil {
				return Wrap(KindMalformedUpstream, derr, "undecodable frame payload")
			}
			if !pushAll(sink, events) {
				return nil
			}
		}
		if err != nil {
			return Wrap(KindMalformedUpstream, err, "broken event stream framing")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if sawException != "" {
		if strings.Contains(strings.ToLower(sawException), "throttl") {
			return Errf(KindUpstreamRateLimited, "upstream throttled: %s", sawException)
		}
		return Errf(KindTransientUpstream, "upstream exception: %s", sawException)
	}
	if frames.Buffered() > 0 {
		return Errf(KindMalformedUpstream, "stream ended mid-frame with %d bytes pending", frames.Buffered())
	}
	return nil
}

func pushAll(sink frameSink, events []protocol.StreamEvent) bool {
	for _, ev := range events {
		if !sink(ev) {
			return false
		}
	}
	return true
}

// aggregator folds a stream of neutral events into a unary response,
// for backends that only stream.
type aggregator struct {
	resp    protocol.Response
	args    map[int]*strings.Builder
	order   []int
	names   map[int]string
	ids     map[int]string
	stopped bool
}

func newAggregator() *aggregator {
	return &aggregator{
		args:  make(map[int]*strings.Builder),
		names: make(map[int]string),
		ids:   make(map[int]string),
	}
}

func (a *aggregator) add(ev protocol.StreamEvent) {
	switch ev.Type {
	case protocol.EventMessageStart:
		a.resp.ID = ev.MessageID
		a.resp.Model = ev.Model
	case protocol.EventTextDelta:
		a.resp.Content += ev.Text
	case protocol.EventToolUseStart:
		a.args[ev.Index] = &strings.Builder{}
		a.names[ev.Index] = ev.ToolName
		a.ids[ev.Index] = ev.ToolID
		a.order = append(a.order, ev.Index)
	case protocol.EventToolUseInputDelta:
		if b, ok := a.args[ev.Index]; ok {
			b.WriteString(ev.PartialJSON)
		}
	case protocol.EventUsage:
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				a.resp.Usage.InputTokens = ev.Usage.InputTokens
			}
			if ev.Usage.OutputTokens > 0 {
				a.resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
	case protocol.EventMessageStop:
		a.resp.StopReason = ev.StopReason
		a.stopped = true
	}
}

func (a *aggregator) response() (*protocol.Response, *Error) {
	if !a.stopped {
		return nil, Errf(KindMalformedUpstream, "stream ended without a terminal event")
	}
	for _, idx := range a.order {
		args := a.args[idx].String()
		if args == "" {
			args = "{}"
		}
		a.resp.ToolCalls = append(a.resp.ToolCalls, protocol.ToolCall{
			ID:        a.ids[idx],
			Name:      a.names[idx],
			Arguments: args,
		})
	}
	if len(a.resp.ToolCalls) > 0 && a.resp.StopReason == protocol.StopReasonStop {
		a.resp.StopReason = protocol.StopReasonToolUse
	}
	return &a.resp, nil
}
