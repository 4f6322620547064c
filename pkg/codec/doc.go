// Package codec implements the wire framings used by upstream providers:
// the length-prefixed binary event stream, server-sent events, and
// newline-delimited JSON. Decoders are incremental; feed them byte
// chunks as they arrive and collect complete frames.
package codec
