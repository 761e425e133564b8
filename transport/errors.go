// Package transport carries arbiter frames: UDP between sites, an
// in-memory registry for tests, and a gRPC service for administrative
// clients.
package transport

import "errors"

var (
	ErrNoHandlerRegistered = errors.New("no packet handler registered")
	ErrNilHandler          = errors.New("nil packet handler provided")
	ErrNotRunning          = errors.New("transport is not running")
	ErrAlreadyRunning      = errors.New("transport is already running")
	ErrFrameTooLarge       = errors.New("frame exceeds the maximum datagram size")
)

// MaxDatagram bounds a single received frame.
const MaxDatagram = 1500
