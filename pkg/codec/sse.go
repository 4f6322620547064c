package codec

import (
	"bytes"
	"strings"
)

// SSEMessage is one server-sent event: the event name (may be empty)
// and the concatenated data lines.
type SSEMessage struct {
	Event string
	Data  string
}

// SSEDecoder incrementally splits a text/event-stream body into
// messages. The zero value is ready to use.
type SSEDecoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every complete message now
// available. A message is complete at the first blank line after it.
func (d *SSEDecoder) Feed(chunk []byte) []SSEMessage {
	d.buf.Write(chunk)

	var msgs []SSEMessage
	for {
		raw := d.buf.Bytes()
		idx, seplen := blankLine(raw)
		if idx < 0 {
			return msgs
		}
		block := string(raw[:idx])
		d.buf.Next(idx + seplen)

		msg, ok := parseSSEBlock(block)
		if ok {
			msgs = append(msgs, msg)
		}
	}
}

// blankLine finds the first blank line, which terminates a message.
// Returns the offset of the separator and its length, or -1.
func blankLine(raw []byte) (int, int) {
	lf := bytes.Index(raw, []byte("\n\n"))
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	default:
		return -1, 0
	}
}

func parseSSEBlock(block string) (SSEMessage, bool) {
	var msg SSEMessage
	var data []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			msg.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment line, keepalive
		}
	}
	if msg.Event == "" && len(data) == 0 {
		return SSEMessage{}, false
	}
	msg.Data = strings.Join(data, "\n")
	return msg, true
}

// JSONLinesDecoder incrementally splits a newline-delimited JSON body
// into document strings. The zero value is ready to use.
type JSONLinesDecoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every complete line now available.
// Blank lines are skipped.
func (d *JSONLinesDecoder) Feed(chunk []byte) []string {
	d.buf.Write(chunk)

	var lines []string
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return lines
		}
		line := strings.TrimSpace(string(raw[:idx]))
		d.buf.Next(idx + 1)
		if line != "" {
			lines = append(lines, line)
		}
	}
}

// Flush returns any trailing line left without a newline terminator.
func (d *JSONLinesDecoder) Flush() (string, bool) {
	line := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	return line, line != ""
}
