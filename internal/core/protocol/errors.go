package protocol

import "errors"

// Codec errors
var (
	ErrShortFrame         = errors.New("frame is too short")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrBatchTooLarge      = errors.New("batch exceeds maximum size")
	ErrTrailingBytes      = errors.New("trailing bytes after frame")
	ErrNestedBatch        = errors.New("only snapshot frames can be batched")
)

// Transport errors
var (
	ErrConnectionClosed      = errors.New("connection is closed")
	ErrTransportNotSupported = errors.New("transport not supported")
	ErrUnsupportedMessage    = errors.New("unsupported transport message")
	ErrMessageTooLarge       = errors.New("message exceeds size limit")
	ErrInvalidConfig         = errors.New("invalid transport config")
)

// IsDecodeError reports whether err came from a malformed message rather
// than a broken link, so the reader can skip it and keep going.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrShortFrame) ||
		errors.Is(err, ErrUnknownMessageType) ||
		errors.Is(err, ErrBatchTooLarge) ||
		errors.Is(err, ErrTrailingBytes) ||
		errors.Is(err, ErrNestedBatch) ||
		errors.Is(err, ErrUnsupportedMessage)
}
