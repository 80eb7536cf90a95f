// Package transport implements the session channels that carry frames over
// HTTP polling, HTTP streaming and websockets.
//
// Frames use the SockJS text framing: "o" opens a session, "h" is a
// heartbeat, "a" followed by a JSON array of strings carries messages and
// "c" followed by a JSON [code, reason] pair closes the session.
package transport

import (
	"encoding/json"
	"errors"

	"github.com/relaysock/server/internal/session"
)

var (
	ErrChannelClosed = errors.New("transport: channel closed")
	ErrEmptyPayload  = errors.New("transport: payload expected")
	ErrBrokenPayload = errors.New("transport: broken JSON encoding")
)

const (
	openFrame      = "o"
	heartbeatFrame = "h"
)

// Conflict is the close frame answered to a transport that tries to attach
// while another one still serves the session.
var Conflict = session.CloseStatus{Code: 2010, Reason: "Another connection still open"}

func encodeMessages(frames []session.Frame) ([]byte, error) {
	msgs := make([]string, len(frames))
	for i, f := range frames {
		msgs[i] = string(f.Payload)
	}
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	return append([]byte("a"), body...), nil
}

func encodeClose(st session.CloseStatus) []byte {
	body, _ := json.Marshal([]any{st.Code, st.Reason})
	return append([]byte("c"), body...)
}

// encodeFrame renders a single outbound frame.
func encodeFrame(f session.Frame) ([]byte, error) {
	if f.Kind == session.CloseFrame {
		return encodeClose(f.Status), nil
	}
	return encodeMessages([]session.Frame{f})
}

// DecodeMessages parses an inbound payload: a JSON array of strings or a
// single JSON string.
func DecodeMessages(body []byte) ([][]byte, error) {
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}
	var msgs []string
	if err := json.Unmarshal(body, &msgs); err != nil {
		var one string
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, ErrBrokenPayload
		}
		msgs = []string{one}
	}
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = []byte(m)
	}
	return out, nil
}
