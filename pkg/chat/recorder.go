package chat

import (
	"github.com/harun/tempo/pkg/agent"
	"github.com/harun/tempo/pkg/stream"
)

// recorder rebuilds the assistant turn from the raw stream as it passes
// through to the client
type recorder struct {
	decoder   *stream.Decoder
	text      *stream.TextAccumulator
	collector *stream.Collector

	// failure is the user facing message of an error frame
	failure   string
	streamErr error
}

func newRecorder() *recorder {
	return &recorder{
		decoder:   stream.NewDecoder(),
		text:      &stream.TextAccumulator{},
		collector: stream.NewCollector(),
	}
}

// push consumes a raw chunk and reports whether it completed a tool result
func (r *recorder) push(chunk []byte) bool {
	return r.handle(r.decoder.Push(chunk))
}

func (r *recorder) flush() {
	r.handle(r.decoder.Flush())
}

func (r *recorder) handle(frames []stream.Frame) bool {
	progressed := false
	for _, f := range frames {
		switch f.Type() {
		case stream.TypeError:
			if r.failure == "" {
				r.failure = f.Get("error.message")
			}
		case stream.TypeToolResult:
			progressed = true
		}
		r.text.Add(f)
		r.collector.Add(f)
	}
	return progressed
}

func (r *recorder) failed() bool {
	return r.failure != "" || r.streamErr != nil
}

// content is the text to persist. It is never empty: a failed turn gets
// its templated message and a silent one a summary of its tool results.
func (r *recorder) content() string {
	text := r.text.Text()

	failure := r.failure
	if failure == "" && r.streamErr != nil {
		failure = agent.UserMessage(agent.Classify(r.streamErr))
	}
	if failure != "" {
		if text == "" {
			return failure
		}
		return text + "\n\n" + failure
	}

	if text == "" {
		return stream.Summarize(r.collector.Results())
	}
	return text
}
