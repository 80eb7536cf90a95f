package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaysock/server/internal/session"
)

// dialTestWS returns the server side and client side of a fresh websocket.
func dialTestWS(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-connCh:
		t.Cleanup(func() { serverConn.Close() })
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	return string(data)
}

type recordingInbox struct {
	sync.RWMutex
	mu   sync.Mutex
	msgs []string
}

func (in *recordingInbox) Deliver(msgs ...[]byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, m := range msgs {
		in.msgs = append(in.msgs, string(m))
	}
}

func (in *recordingInbox) received() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.msgs...)
}

func TestWebSocketFramed(t *testing.T) {
	serverConn, client := dialTestWS(t)
	ws := NewWebSocket(serverConn, false)

	if err := ws.Open(true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readText(t, client); got != "o" {
		t.Errorf("first message = %q, want o", got)
	}

	if err := ws.SendBatch([]session.Frame{session.TextFrame([]byte("x")), session.TextFrame([]byte("y"))}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if got := readText(t, client); got != `a["x","y"]` {
		t.Errorf("batch message = %q", got)
	}

	if err := ws.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if got := readText(t, client); got != "h" {
		t.Errorf("heartbeat message = %q", got)
	}

	if err := ws.Send(true, session.Close(3000, "bye")); err != nil {
		t.Fatalf("Send close: %v", err)
	}
	if got := readText(t, client); got != `c[3000,"bye"]` {
		t.Errorf("close message = %q", got)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, 3000) {
		t.Errorf("client read err = %v, want close 3000", err)
	}
	if ws.State() != session.ChannelClosed {
		t.Errorf("state = %v, want closed", ws.State())
	}
}

func TestWebSocketReadLoopDelivers(t *testing.T) {
	serverConn, client := dialTestWS(t)
	ws := NewWebSocket(serverConn, false)
	inbox := &recordingInbox{}

	errCh := make(chan error, 1)
	go func() { errCh <- ws.ReadLoop(inbox) }()

	client.WriteMessage(websocket.TextMessage, []byte(`["one","two"]`))
	client.WriteMessage(websocket.TextMessage, []byte(`"three"`))
	client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not end on close")
	}
	got := inbox.received()
	want := []string{"one", "two", "three"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("delivered %v, want %v", got, want)
	}
	if ws.State() != session.ChannelClosed {
		t.Errorf("state = %v, want closed", ws.State())
	}
}

func TestWebSocketReadLoopRejectsBrokenJSON(t *testing.T) {
	serverConn, client := dialTestWS(t)
	ws := NewWebSocket(serverConn, false)

	errCh := make(chan error, 1)
	go func() { errCh <- ws.ReadLoop(&recordingInbox{}) }()
	client.WriteMessage(websocket.TextMessage, []byte(`["unterminated`))

	select {
	case err := <-errCh:
		if err != ErrBrokenPayload {
			t.Errorf("ReadLoop err = %v, want ErrBrokenPayload", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop kept running after broken payload")
	}
	if ws.State() != session.ChannelAborted {
		t.Errorf("state = %v, want aborted", ws.State())
	}
}

func TestWebSocketRaw(t *testing.T) {
	serverConn, client := dialTestWS(t)
	ws := NewWebSocket(serverConn, true)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		pinged <- struct{}{}
		return nil
	})

	if err := ws.Open(true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws.SendBatch([]session.Frame{session.TextFrame([]byte("p")), session.TextFrame([]byte("q"))}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if got := readText(t, client); got != "p" {
		t.Errorf("first raw message = %q, want p", got)
	}
	if got := readText(t, client); got != "q" {
		t.Errorf("second raw message = %q, want q", got)
	}

	if err := ws.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if err := ws.Send(true, session.Close(websocket.CloseGoingAway, "Go away!")); err != nil {
		t.Fatalf("Send close: %v", err)
	}

	// the ping is processed while reading towards the close frame
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("client read err = %v, want going-away close", err)
	}
	select {
	case <-pinged:
	default:
		t.Error("raw heartbeat did not arrive as a ping")
	}
}
