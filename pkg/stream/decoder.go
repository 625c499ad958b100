package stream

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Frame is one data frame of the stream
type Frame struct {
	// Event is the name from a preceding "event:" line, if any
	Event string
	Data  []byte
}

// Type returns the frame's "type" field
func (f Frame) Type() string {
	return gjson.GetBytes(f.Data, "type").String()
}

// Get returns the string at a gjson path of the frame's data
func (f Frame) Get(path string) string {
	return gjson.GetBytes(f.Data, path).String()
}

// Done reports the OpenAI style terminal sentinel
func (f Frame) Done() bool {
	return string(f.Data) == "[DONE]"
}

// Decoder splits chunks into frames. A trailing line without its newline is
// held back until a later chunk completes it.
type Decoder struct {
	remainder []byte
	event     string
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Push consumes a chunk and returns the frames it completed
func (d *Decoder) Push(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	buf := append(d.remainder, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if f, ok := d.line(buf[:i]); ok {
			frames = append(frames, f)
		}
		buf = buf[i+1:]
	}

	d.remainder = append(d.remainder[:0:0], buf...)
	return frames
}

// Flush treats any held-back tail as a complete line
func (d *Decoder) Flush() []Frame {
	if len(d.remainder) == 0 {
		return nil
	}
	tail := d.remainder
	d.remainder = nil
	if f, ok := d.line(tail); ok {
		return []Frame{f}
	}
	return nil
}

// Pending returns the number of buffered bytes not yet framed
func (d *Decoder) Pending() int {
	return len(d.remainder)
}

func (d *Decoder) line(raw []byte) (Frame, bool) {
	line := strings.TrimRight(string(raw), "\r")

	switch {
	case line == "":
		d.event = ""
		return Frame{}, false
	case strings.HasPrefix(line, ":"):
		return Frame{}, false
	case strings.HasPrefix(line, "event:"):
		d.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return Frame{}, false
	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimPrefix(payload, " ")
		if payload == "" {
			return Frame{}, false
		}
		return Frame{Event: d.event, Data: []byte(payload)}, true
	default:
		return Frame{}, false
	}
}
