package wsproto

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 for the accept key
	"encoding/base64"
)

// acceptGUID is the fixed GUID from RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ComputeAcceptKey returns the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key.
func ComputeAcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + acceptGUID)) //nolint:gosec // protocol requirement
	return base64.StdEncoding.EncodeToString(sum[:])
}
