package session

import (
	"fmt"
)

// FrameKind distinguishes the two frame types exchanged at the session boundary.
type FrameKind int

const (
	Text FrameKind = iota
	CloseFrame
)

func (k FrameKind) String() string {
	switch k {
	case Text:
		return "text"
	case CloseFrame:
		return "close"
	}
	return "unknown"
}

// SendOutcome is the resolution of one queued outbound frame.
type SendOutcome int

const (
	Sent SendOutcome = iota
	RejectedCloseAlreadySent
	Disposed
	ClientTimedOut
)

var outcomeNames = map[SendOutcome]string{
	Sent:                     "sent",
	RejectedCloseAlreadySent: "rejected_close_already_sent",
	Disposed:                 "disposed",
	ClientTimedOut:           "client_timed_out",
}

func (o SendOutcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// sendState is the send-direction state. Everything past sendOpen is terminal.
type sendState int32

const (
	sendOpen sendState = iota
	sendCloseSent
	sendDisposed
	sendClientTimedOut
)

// outcome maps a terminal send state to the outcome handed to late senders.
func (s sendState) outcome() SendOutcome {
	switch s {
	case sendCloseSent:
		return RejectedCloseAlreadySent
	case sendDisposed:
		return Disposed
	case sendClientTimedOut:
		return ClientTimedOut
	}
	return Sent
}

// receiveState is the receive-direction state. receiveOne is held only for the
// duration of a single Receive call.
type receiveState int32

const (
	receiveNone receiveState = iota
	receiveOne
	receiveDisposed
	receiveCloseReceived
)

// ChannelState reports the status flags of an attached transport channel.
type ChannelState int

const (
	ChannelNotOpen ChannelState = iota
	ChannelOpen
	ChannelClosed
	ChannelAborted
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNotOpen:
		return "not_open"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	case ChannelAborted:
		return "aborted"
	}
	return "unknown"
}

// Finished reports whether the channel can no longer carry frames.
func (s ChannelState) Finished() bool {
	return s == ChannelClosed || s == ChannelAborted
}

// CloseStatus is the code and reason carried by a close frame.
type CloseStatus struct {
	Code   int
	Reason string
}

func (c CloseStatus) String() string {
	return fmt.Sprintf("%d %q", c.Code, c.Reason)
}
