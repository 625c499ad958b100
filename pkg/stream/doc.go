// Package stream encodes and decodes the server-sent frame stream of a chat
// turn and rebuilds the assistant turn from it: text, tool calls and tool
// results, deduplicated and paired by call id.
package stream
