package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Event stream frame layout:
//
//	4 bytes  total length   (big endian)
//	4 bytes  headers length (big endian)
//	4 bytes  CRC32 of the 8 prelude bytes
//	headers  repeated {name len u8, name, value type u8, value len u16, value}
//	payload
//	4 bytes  CRC32 of everything above
//
// Only string-typed header values (type 7) are produced by the providers
// this gateway talks to.

const (
	preludeSize = 12
	trailerSize = 4

	headerValueString = 7

	// maxFrameSize rejects frames whose declared length is implausible
	// before any allocation happens.
	maxFrameSize = 16 << 20
)

// Frame is one decoded event stream message.
type Frame struct {
	Headers map[string]string
	Payload []byte
}

// FrameError reports a malformed frame. Decoding cannot continue past a
// FrameError because the stream offset is no longer trustworthy.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "malformed event stream frame: " + e.Reason
}

// EventStreamDecoder incrementally decodes binary event stream frames.
// The zero value is ready to use.
type EventStreamDecoder struct {
	buf    bytes.Buffer
	failed bool
}

// Feed appends a chunk and returns every complete frame now available.
// After an error the decoder is poisoned and returns the same error for
// all further calls.
func (d *EventStreamDecoder) Feed(chunk []byte) ([]Frame, error) {
	if d.failed {
		return nil, &FrameError{Reason: "decoder already failed"}
	}
	d.buf.Write(chunk)

	var frames []Frame
	for {
		frame, ok, err := d.next()
		if err != nil {
			d.failed = true
			return frames, err
		}
		if !ok {
			return frames, nil
		}
		frames = append(frames, frame)
	}
}

// Buffered reports how many undecoded bytes are pending, used to detect
// streams that end mid-frame.
func (d *EventStreamDecoder) Buffered() int {
	return d.buf.Len()
}

func (d *EventStreamDecoder) next() (Frame, bool, error) {
	data := d.buf.Bytes()
	if len(data) < preludeSize {
		return Frame{}, false, nil
	}

	total := binary.BigEndian.Uint32(data[0:4])
	headersLen := binary.BigEndian.Uint32(data[4:8])
	preludeCRC := binary.BigEndian.Uint32(data[8:12])

	if crc32.ChecksumIEEE(data[0:8]) != preludeCRC {
		return Frame{}, false, &FrameError{Reason: "prelude checksum mismatch"}
	}
	if total > maxFrameSize {
		return Frame{}, false, &FrameError{Reason: fmt.Sprintf("frame length %d exceeds limit", total)}
	}
	if total < preludeSize+trailerSize || uint64(headersLen) > uint64(total)-preludeSize-trailerSize {
		return Frame{}, false, &FrameError{Reason: "inconsistent frame lengths"}
	}
	if uint32(len(data)) < total {
		return Frame{}, false, nil
	}

	msg := data[:total]
	msgCRC := binary.BigEndian.Uint32(msg[total-trailerSize:])
	if crc32.ChecksumIEEE(msg[:total-trailerSize]) != msgCRC {
		return Frame{}, false, &FrameError{Reason: "message checksum mismatch"}
	}

	headers, err := parseHeaders(msg[preludeSize : preludeSize+headersLen])
	if err != nil {
		return Frame{}, false, err
	}

	payload := make([]byte, total-preludeSize-headersLen-trailerSize)
	copy(payload, msg[preludeSize+headersLen:total-trailerSize])

	d.buf.Next(int(total))
	return Frame{Headers: headers, Payload: payload}, true, nil
}

func parseHeaders(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(data) > 0 {
		nameLen := int(data[0])
		if len(data) < 1+nameLen+1 {
			return nil, &FrameError{Reason: "truncated header name"}
		}
		name := string(data[1 : 1+nameLen])
		data = data[1+nameLen:]

		valueType := data[0]
		if valueType != headerValueString {
			return nil, &FrameError{Reason: fmt.Sprintf("unsupported header value type %d", valueType)}
		}
		if len(data) < 3 {
			return nil, &FrameError{Reason: "truncated header value length"}
		}
		valueLen := int(binary.BigEndian.Uint16(data[1:3]))
		if len(data) < 3+valueLen {
			return nil, &FrameError{Reason: "truncated header value"}
		}
		headers[name] = string(data[3 : 3+valueLen])
		data = data[3+valueLen:]
	}
	return headers, nil
}

// EncodeFrame builds one wire frame from headers and payload.
func EncodeFrame(headers map[string]string, payload []byte) []byte {
	var hdr bytes.Buffer
	for name, value := range headers {
		hdr.WriteByte(byte(len(name)))
		hdr.WriteString(name)
		hdr.WriteByte(headerValueString)
		var vlen [2]byte
		binary.BigEndian.PutUint16(vlen[:], uint16(len(value)))
		hdr.Write(vlen[:])
		hdr.WriteString(value)
	}

	total := preludeSize + hdr.Len() + len(payload) + trailerSize
	out := make([]byte, 0, total)

	var prelude [preludeSize]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(total))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hdr.Len()))
	binary.BigEndian.PutUint32(prelude[8:12], crc32.ChecksumIEEE(prelude[0:8]))
	out = append(out, prelude[:]...)
	out = append(out, hdr.Bytes()...)
	out = append(out, payload...)

	var trailer [trailerSize]byte
	binary.BigEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(out))
	return append(out, trailer[:]...)
}
