package session

import "context"

// Frame is one outbound unit handed to a transport channel.
type Frame struct {
	Kind    FrameKind
	Payload []byte
	Status  CloseStatus // set when Kind is CloseFrame
}

// TextFrame builds an outbound text frame.
func TextFrame(payload []byte) Frame {
	return Frame{Kind: Text, Payload: payload}
}

// Close builds an outbound close frame.
func Close(code int, reason string) Frame {
	return Frame{Kind: CloseFrame, Status: CloseStatus{Code: code, Reason: reason}}
}

// Channel is the physical connection currently attached to a session. A
// session owns the channel only for the duration of one attachment.
type Channel interface {
	// Open prepares the channel for writing. fresh is true only on the very
	// first attachment of the session, when the open frame must be written.
	Open(fresh bool) error
	// Send writes a single frame. final marks the last frame of the session.
	Send(final bool, f Frame) error
	// SendBatch writes several text frames as one transport write.
	SendBatch(frames []Frame) error
	SendHeartbeat() error
	State() ChannelState
	// BytesSent is the running count of bytes already written on this channel.
	BytesSent() int64
	// Done is closed once the channel reaches ChannelClosed or ChannelAborted.
	Done() <-chan struct{}
}

// Evictor atomically removes a session from its registry. Only the caller
// that observes true owns the eviction.
type Evictor interface {
	Evict(ctx context.Context, s *Session) bool
}
