package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaysock/server/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Inbox is the receiving end of a read loop; *session.Session satisfies it.
type Inbox interface {
	RLock()
	RUnlock()
	Deliver(msgs ...[]byte)
}

// WebSocket carries frames over a gorilla websocket connection. In framed
// mode every frame is one SockJS-encoded text message. In raw mode payloads
// travel as plain text messages, heartbeats are pings and the close frame is
// a websocket close control message.
type WebSocket struct {
	conn *websocket.Conn
	raw  bool

	mu    sync.Mutex
	state session.ChannelState

	done chan struct{}
	once sync.Once
}

func NewWebSocket(conn *websocket.Conn, raw bool) *WebSocket {
	conn.SetReadLimit(maxMessageSize)
	return &WebSocket{
		conn: conn,
		raw:  raw,
		done: make(chan struct{}),
	}
}

func (ws *WebSocket) Open(fresh bool) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.state == session.ChannelNotOpen {
		ws.state = session.ChannelOpen
	}
	if fresh && !ws.raw {
		return ws.writeLocked(websocket.TextMessage, []byte(openFrame))
	}
	return nil
}

func (ws *WebSocket) State() session.ChannelState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// BytesSent is always zero: a websocket never has to be recycled to bound
// its response size, so batches are limited by the budget alone.
func (ws *WebSocket) BytesSent() int64 { return 0 }

func (ws *WebSocket) Done() <-chan struct{} { return ws.done }

func (ws *WebSocket) finishLocked(st session.ChannelState) {
	if ws.state.Finished() {
		return
	}
	ws.state = st
	ws.once.Do(func() { close(ws.done) })
}

func (ws *WebSocket) finish(st session.ChannelState) {
	ws.mu.Lock()
	ws.finishLocked(st)
	ws.mu.Unlock()
}

func (ws *WebSocket) writeLocked(messageType int, data []byte) error {
	if ws.state.Finished() {
		return ErrChannelClosed
	}
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteMessage(messageType, data); err != nil {
		ws.finishLocked(session.ChannelAborted)
		return err
	}
	return nil
}

func (ws *WebSocket) Send(final bool, f session.Frame) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if f.Kind == session.CloseFrame {
		return ws.closeLocked(f.Status)
	}
	data := f.Payload
	if !ws.raw {
		var err error
		if data, err = encodeFrame(f); err != nil {
			return err
		}
	}
	if err := ws.writeLocked(websocket.TextMessage, data); err != nil {
		return err
	}
	if final {
		ws.finishLocked(session.ChannelClosed)
	}
	return nil
}

func (ws *WebSocket) closeLocked(st session.CloseStatus) error {
	if !ws.raw {
		if err := ws.writeLocked(websocket.TextMessage, encodeClose(st)); err != nil {
			return err
		}
	}
	if ws.state.Finished() {
		return ErrChannelClosed
	}
	msg := websocket.FormatCloseMessage(st.Code, st.Reason)
	err := ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	ws.finishLocked(session.ChannelClosed)
	ws.conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (ws *WebSocket) SendBatch(frames []session.Frame) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.raw {
		for _, f := range frames {
			if err := ws.writeLocked(websocket.TextMessage, f.Payload); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := encodeMessages(frames)
	if err != nil {
		return err
	}
	return ws.writeLocked(websocket.TextMessage, data)
}

func (ws *WebSocket) SendHeartbeat() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.raw {
		return ws.writeLocked(websocket.TextMessage, []byte(heartbeatFrame))
	}
	if ws.state.Finished() {
		return ErrChannelClosed
	}
	if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		ws.finishLocked(session.ChannelAborted)
		return err
	}
	return nil
}

// ReadLoop delivers inbound text messages to inbox until the connection
// fails or the peer closes it. Framed payloads that do not decode end the
// connection.
func (ws *WebSocket) ReadLoop(inbox Inbox) error {
	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.finish(session.ChannelClosed)
			} else {
				ws.finish(session.ChannelAborted)
			}
			ws.conn.Close()
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msgs := [][]byte{data}
		if !ws.raw {
			if len(data) == 0 {
				continue
			}
			if msgs, err = DecodeMessages(data); err != nil {
				ws.finish(session.ChannelAborted)
				ws.conn.Close()
				return err
			}
		}

		inbox.RLock()
		inbox.Deliver(msgs...)
		inbox.RUnlock()
	}
}
