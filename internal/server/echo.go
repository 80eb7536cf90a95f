package server

import (
	"context"
	"errors"

	"github.com/relaysock/server/internal/session"
)

const echoReadSize = 4096

// Echo sends every complete inbound text message back to the client. It
// returns once the session delivers its close record or is disposed.
func Echo(ctx context.Context, s *session.Session) {
	buf := make([]byte, echoReadSize)
	var msg []byte
	for {
		res, err := s.Receive(ctx, buf)
		if errors.Is(err, session.ErrInvalidText) {
			msg = nil
			continue
		}
		if err != nil || res.Kind == session.CloseFrame {
			return
		}

		msg = append(msg, buf[:res.Count]...)
		if !res.EndOfMessage {
			continue
		}
		out, err := s.SendText(ctx, msg)
		if err != nil || out != session.Sent {
			return
		}
		msg = nil
	}
}
