package protocol

// FrameError describes malformed wire data. A frame error is always
// recoverable by dropping the single frame; the caller decides whether a
// bad frame is fatal to the connection.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "frame error: " + e.Reason
}

var (
	ErrBadMagic           = &FrameError{Reason: "invalid protocol magic"}
	ErrUnsupportedVersion = &FrameError{Reason: "unsupported protocol version"}
	ErrTruncated          = &FrameError{Reason: "truncated frame"}
	ErrChecksumMismatch   = &FrameError{Reason: "checksum mismatch"}
	ErrOversizedFrame     = &FrameError{Reason: "payload length exceeds limit"}
	ErrBadFragment        = &FrameError{Reason: "invalid fragment header"}
)
