package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// deltaPaths are the JSON shapes that carry assistant text, in the order
// they are tried on a text frame
var deltaPaths = []string{"delta", "textDelta", "text"}

// TextAccumulator joins assistant text from the frames it is given
type TextAccumulator struct {
	b strings.Builder
}

// Add appends the text carried by f and reports whether it carried any
func (a *TextAccumulator) Add(f Frame) bool {
	if f.Done() || !gjson.ValidBytes(f.Data) {
		return false
	}
	text, ok := DeltaText(f)
	if !ok {
		return false
	}
	a.b.WriteString(text)
	return true
}

func (a *TextAccumulator) Text() string {
	return a.b.String()
}

// DeltaText extracts text from a text-delta frame or an OpenAI style chunk
func DeltaText(f Frame) (string, bool) {
	doc := gjson.ParseBytes(f.Data)

	if content := doc.Get("choices.0.delta.content"); content.Type == gjson.String {
		return content.String(), true
	}

	switch doc.Get("type").String() {
	case TypeTextDelta, "text", "content_block_delta":
	default:
		return "", false
	}
	for _, path := range deltaPaths {
		if v := doc.Get(path); v.Type == gjson.String {
			return v.String(), true
		}
	}
	// Anthropic nests the text one level down
	if v := doc.Get("delta.text"); v.Type == gjson.String {
		return v.String(), true
	}
	return "", false
}
