// Package sse decodes server-sent event streams into data payloads.
//
// The decoder works on raw bytes, so a chunk boundary may fall anywhere,
// including inside a multi-byte character or between '\r' and '\n'.
package sse

import (
	"bytes"
	"strings"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// Decoder buffers partial lines across chunk boundaries.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, in order, without
// the line terminator. The trailing fragment is kept for the next call.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var lines []string
	rest := d.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(rest[:i], []byte{'\r'})))
		rest = rest[i+1:]
	}

	n := copy(d.buf, rest)
	d.buf = d.buf[:n]
	return lines
}

// Flush returns the buffered fragment, if any, and resets the decoder.
func (d *Decoder) Flush() []string {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(bytes.TrimSuffix(d.buf, []byte{'\r'}))
	d.buf = d.buf[:0]
	return []string{line}
}

// Pending reports the number of buffered bytes not yet returned as a line.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Payload returns the event payload of a "data: " line. Comments, blank
// lines and other fields are not candidates.
func Payload(line string) (string, bool) {
	return strings.CutPrefix(line, dataPrefix)
}

// IsDone reports whether payload is the end-of-stream sentinel.
func IsDone(payload string) bool {
	return strings.TrimSpace(payload) == doneMarker
}
