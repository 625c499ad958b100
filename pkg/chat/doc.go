// Package chat coordinates one chat turn per request.
//
// A turn holds the session lock for its whole life and appends to the
// history only at the version the client last saw. The provider stream is
// relayed to the client byte for byte while a copy is decoded to rebuild
// the assistant text and the paired tool activity that get persisted when
// the stream ends. The lock is released exactly once on every path.
package chat
