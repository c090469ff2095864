package wsproto

// FrameBuffer accumulates bytes read from a stream and hands out complete
// frames. TCP makes no promise that one read carries exactly one frame, so a
// frame split across reads is held until the rest arrives and several frames
// coalesced into one read are returned one at a time.
//
// A FrameBuffer is owned by a single reader goroutine and is not safe for
// concurrent use.
type FrameBuffer struct {
	buf []byte
}

// Write appends p to the buffer. It never fails.
func (b *FrameBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or (nil, nil) when more bytes are
// needed. A non-nil error means the stream is malformed and cannot be resumed.
func (b *FrameBuffer) Next() (*Frame, error) {
	f, n, err := DecodeFrame(b.buf)
	if err != nil || f == nil {
		return nil, err
	}
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
	return f, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}
