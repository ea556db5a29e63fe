package event

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// StreamKey returns the canonical key of a stream id.
//
// Stream ids compare case-insensitively: "Order-1" and "order-1" name the
// same stream. The key is NFC normalized and case folded so that storage
// backends and in-memory maps agree on identity. The original spelling is
// kept on the event itself.
func StreamKey(streamID string) string {
	return folder.String(norm.NFC.String(streamID))
}

// SameStream reports whether two stream ids name the same stream.
func SameStream(a, b string) bool {
	return StreamKey(a) == StreamKey(b)
}

// Category returns the part of a stream id before the first '-', or the whole
// id when there is none. "order-42" has category "order".
func Category(streamID string) string {
	if i := strings.IndexByte(streamID, '-'); i >= 0 {
		return streamID[:i]
	}
	return streamID
}
