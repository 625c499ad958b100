package stream

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/harun/tempo/pkg/session"
)

// FallbackText is used when a turn produced neither text nor tool results
const FallbackText = "I could not come up with a response. Please try again."

// Summarize describes tool results in plain language. It never returns an
// empty string.
func Summarize(results []session.ToolResult) string {
	if len(results) == 0 {
		return FallbackText
	}

	var ok, failed []string
	for _, res := range results {
		name := humanize(res.ToolName)
		doc := gjson.ParseBytes(res.Result)
		if success := doc.Get("success"); success.Exists() && !success.Bool() {
			reason := doc.Get("error").String()
			if reason == "" {
				reason = "it did not succeed"
			}
			failed = append(failed, fmt.Sprintf("%s (%s)", name, reason))
			continue
		}
		ok = append(ok, name)
	}

	var b strings.Builder
	if len(ok) > 0 {
		fmt.Fprintf(&b, "Done: %s.", strings.Join(ok, ", "))
	}
	if len(failed) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "Could not complete: %s.", strings.Join(failed, ", "))
	}
	return b.String()
}

func humanize(tool string) string {
	if tool == "" {
		return "a tool call"
	}
	return strings.ReplaceAll(tool, "_", " ")
}
