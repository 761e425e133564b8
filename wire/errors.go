package wire

import (
	"errors"
	"fmt"
)

// Decode errors. A frame failing any of these checks is dropped.
var (
	ErrShortFrame      = errors.New("frame shorter than header and authenticator")
	ErrBadMagic        = errors.New("bad magic")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrBadLength       = errors.New("declared length does not match frame")
	ErrStale           = errors.New("timestamp outside of the allowed skew")
	ErrUnauthenticated = errors.New("frame is not authenticated")
	ErrHashMismatch    = errors.New("unexpected hash algorithm")
	ErrBadDigest       = errors.New("digest verification failed")
	ErrUnknownCmd      = errors.New("unknown command")
	ErrUnknownResult   = errors.New("unknown result")
	ErrUnknownReason   = errors.New("unknown reason")
	ErrUnknownOption   = errors.New("unknown option bits")
)

// Encode errors.
var (
	ErrNameTooLong  = errors.New("name does not fit the wire field")
	ErrValueTooLong = errors.New("attribute value does not fit the wire field")
	ErrBothBodies   = errors.New("message carries both a ticket and an attribute body")
	ErrNoCmd        = errors.New("message has no command")
)

// Key errors.
var (
	ErrKeyLength   = fmt.Errorf("authentication key must be %d to %d bytes", MinKeyLen, MaxKeyLen)
	ErrUnknownHash = errors.New("unknown hash algorithm")
)

// DecodeError wraps the reason a frame was rejected. From is the sender id
// claimed by the header, or NoOne if the header could not be read.
type DecodeError struct {
	From uint32
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame from %#x: %v", e.From, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind returns a short stable label for a decode error, suitable as a
// metric label.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrShortFrame):
		return "short"
	case errors.Is(err, ErrBadMagic):
		return "magic"
	case errors.Is(err, ErrBadVersion):
		return "version"
	case errors.Is(err, ErrBadLength):
		return "length"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrHashMismatch):
		return "unauthenticated"
	case errors.Is(err, ErrBadDigest):
		return "digest"
	case errors.Is(err, ErrUnknownCmd), errors.Is(err, ErrUnknownResult),
		errors.Is(err, ErrUnknownReason), errors.Is(err, ErrUnknownOption):
		return "code"
	}
	return "other"
}

func decodeErr(from uint32, err error) error {
	return &DecodeError{From: from, Err: err}
}
