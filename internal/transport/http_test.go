package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaysock/server/internal/session"
)

func newPollRequest(t *testing.T) (*http.Request, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return httptest.NewRequest(http.MethodPost, "/sock/0/abc/xhr", nil).WithContext(ctx), cancel
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never finished")
	}
}

func TestPollingOpenFresh(t *testing.T) {
	r, _ := newPollRequest(t)
	w := httptest.NewRecorder()
	p := NewPolling(w, r)

	if err := p.Open(true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitDone(t, p.Done())

	if got := w.Body.String(); got != "o\n" {
		t.Errorf("body = %q, want open frame", got)
	}
	if p.State() != session.ChannelClosed {
		t.Errorf("state = %v, want closed", p.State())
	}
	if ct := w.Header().Get("Content-Type"); ct != contentType {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestPollingWritesOneResponse(t *testing.T) {
	r, _ := newPollRequest(t)
	w := httptest.NewRecorder()
	p := NewPolling(w, r)

	if err := p.Open(false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.State() != session.ChannelOpen {
		t.Fatalf("state after non-fresh open = %v, want open", p.State())
	}
	err := p.SendBatch([]session.Frame{session.TextFrame([]byte("a")), session.TextFrame([]byte("b"))})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	waitDone(t, p.Done())

	want := "a[\"a\",\"b\"]\n"
	if got := w.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if got := p.BytesSent(); got != int64(len(want)) {
		t.Errorf("BytesSent = %d, want %d", got, len(want))
	}
	if err := p.SendHeartbeat(); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("write after response: err = %v, want ErrChannelClosed", err)
	}
}

func TestPollingAbortsWithRequest(t *testing.T) {
	r, cancel := newPollRequest(t)
	p := NewPolling(httptest.NewRecorder(), r)
	if err := p.Open(false); err != nil {
		t.Fatalf("Open: %v", err)
	}

	cancel()
	waitDone(t, p.Done())
	if p.State() != session.ChannelAborted {
		t.Errorf("state = %v, want aborted", p.State())
	}
}

func TestStreamingClosesAtBudget(t *testing.T) {
	r, _ := newPollRequest(t)
	w := httptest.NewRecorder()
	s := NewStreaming(w, r, 20)

	if err := s.Open(true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.BytesSent(); got != 2 {
		t.Fatalf("BytesSent after open = %d, want 2 (prelude not counted)", got)
	}
	if err := s.SendBatch([]session.Frame{session.TextFrame([]byte("abcdefgh"))}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if s.State() != session.ChannelOpen {
		t.Fatalf("closed early at %d bytes", s.BytesSent())
	}
	if err := s.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if err := s.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	waitDone(t, s.Done())
	if s.State() != session.ChannelClosed {
		t.Errorf("state = %v, want closed", s.State())
	}

	lines := strings.Split(strings.TrimSuffix(w.Body.String(), "\n"), "\n")
	want := []string{strings.Repeat("h", 2048), "o", `a["abcdefgh"]`, "h", "h"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestStreamingFinalClose(t *testing.T) {
	r, _ := newPollRequest(t)
	w := httptest.NewRecorder()
	s := NewStreaming(w, r, 1<<20)

	if err := s.Open(false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Send(true, session.Close(3000, "bye")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitDone(t, s.Done())
	if !strings.HasSuffix(w.Body.String(), "c[3000,\"bye\"]\n") {
		t.Errorf("body does not end with close frame: %q", w.Body.String())
	}
}

func TestWriteClose(t *testing.T) {
	w := httptest.NewRecorder()
	WriteClose(w, Conflict)
	if got := w.Body.String(); got != "c[2010,\"Another connection still open\"]\n" {
		t.Errorf("body = %q", got)
	}
}
