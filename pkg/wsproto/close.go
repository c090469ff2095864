package wsproto

import "encoding/binary"

// Close status codes used by doorbell (RFC 6455 section 7.4.1).
const (
	CloseNormal        uint16 = 1000
	CloseGoingAway     uint16 = 1001
	CloseProtocolError uint16 = 1002
	CloseNoStatus      uint16 = 1005
	CloseTooBig        uint16 = 1009
	CloseInternalError uint16 = 1011
	CloseTryAgainLater uint16 = 1013
)

// ClosePayload builds the body of a close frame. The reason is truncated so the
// payload fits in a control frame.
func ClosePayload(code uint16, reason string) []byte {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
	}
	p := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	return append(p, reason...)
}

// ParseClosePayload extracts the status code and reason from a close frame
// body. An empty body yields CloseNoStatus.
func ParseClosePayload(p []byte) (code uint16, reason string) {
	if len(p) < 2 {
		return CloseNoStatus, ""
	}
	return binary.BigEndian.Uint16(p), string(p[2:])
}
