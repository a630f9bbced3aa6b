package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when the stream ends without a done frame and the assembler was created
	// with WithRequireDone.
	ErrTruncated = errors.New("stream ended without done frame")
	// ErrStale is returned by a Log when an update belongs to a read loop that has been superseded, for
	// example because the conversation was reset while the stream was in flight.
	ErrStale = errors.New("stale stream update")
	// ErrPlaceholder is returned when the placeholder index doesn't point into the message log.
	ErrPlaceholder = errors.New("placeholder message not found")
)

// ServerError is a failure signaled by the backend through an error frame.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// TransportError wraps a failure of the underlying stream, such as a dropped connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
