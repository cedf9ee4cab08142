package relay

import "errors"

var (
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer is returned by Send when the session's outbound queue is
	// full. Depending on the configured backpressure policy the session may
	// already be closing when this is returned.
	ErrSlowConsumer = errors.New("slow consumer")
)
