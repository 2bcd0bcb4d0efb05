package stream

import (
	"bytes"
	"encoding/json"
)

// Line-oriented wire framing for the AI token stream. Each physical line
// carries a single-character tag, a colon, and (for text and error frames)
// a JSON-encoded string:
//
//	0:"<text-delta>"
//	3:"<error message>"
//	d:
//
// Fragment boundaries on the transport need not align with line
// boundaries; Decoder buffers partial lines and skips unparseable ones.

const (
	TagText  = '0'
	TagError = '3'
	TagDone  = 'd'
)

// EncodeText frames an incremental text delta.
func EncodeText(delta string) []byte {
	b, _ := json.Marshal(delta)
	out := make([]byte, 0, len(b)+3)
	out = append(out, TagText, ':')
	out = append(out, b...)
	return append(out, '\n')
}

// EncodeError frames a terminal error message.
func EncodeError(msg string) []byte {
	b, _ := json.Marshal(msg)
	out := make([]byte, 0, len(b)+3)
	out = append(out, TagError, ':')
	out = append(out, b...)
	return append(out, '\n')
}

// EncodeDone frames the done marker.
func EncodeDone() []byte {
	return []byte("d:\n")
}

// Event is one decoded frame.
type Event struct {
	Tag  byte
	Text string // text delta or error message
}

// Decoder incrementally decodes framed lines from arbitrarily chunked
// input. Unparseable lines are dropped without aborting the stream.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes and returns all events completed by this chunk.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)
	var out []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return out
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if ev, ok := decodeLine(line); ok {
			out = append(out, ev)
		}
	}
}

func decodeLine(line []byte) (Event, bool) {
	if len(line) < 2 || line[1] != ':' {
		return Event{}, false
	}
	switch line[0] {
	case TagDone:
		return Event{Tag: TagDone}, true
	case TagText, TagError:
		var s string
		if err := json.Unmarshal(line[2:], &s); err != nil {
			return Event{}, false
		}
		return Event{Tag: line[0], Text: s}, true
	}
	return Event{}, false
}
