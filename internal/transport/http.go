package transport

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/relaysock/server/internal/session"
)

const contentType = "application/javascript; charset=UTF-8"

// streamingPrelude pads the first streaming response so browsers start
// delivering chunks before the buffer threshold.
var streamingPrelude = []byte(strings.Repeat("h", 2048))

// httpChannel is the response-writer plumbing shared by the HTTP channels.
type httpChannel struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	state   session.ChannelState
	sent    int64
	headers bool

	done chan struct{}
	once sync.Once
}

func newHTTPChannel(w http.ResponseWriter, r *http.Request) *httpChannel {
	c := &httpChannel{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
	go func() {
		select {
		case <-r.Context().Done():
			c.finish(session.ChannelAborted)
		case <-c.done:
		}
	}()
	return c
}

func (c *httpChannel) State() session.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *httpChannel) BytesSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *httpChannel) Done() <-chan struct{} { return c.done }

func (c *httpChannel) finish(st session.ChannelState) {
	c.mu.Lock()
	c.finishLocked(st)
	c.mu.Unlock()
}

func (c *httpChannel) finishLocked(st session.ChannelState) {
	if c.state.Finished() {
		return
	}
	c.state = st
	c.once.Do(func() { close(c.done) })
}

func (c *httpChannel) writeHeadersLocked() {
	if c.headers {
		return
	}
	c.headers = true
	h := c.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
	c.w.WriteHeader(http.StatusOK)
}

// writeLocked writes one frame line and flushes it. count controls whether
// the bytes go towards BytesSent.
func (c *httpChannel) writeLocked(frame []byte, count bool) error {
	if c.state.Finished() {
		return ErrChannelClosed
	}
	c.writeHeadersLocked()
	line := make([]byte, 0, len(frame)+1)
	line = append(append(line, frame...), '\n')
	n, err := c.w.Write(line)
	if count {
		c.sent += int64(n)
	}
	if err == nil {
		if ferr := c.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
			err = ferr
		}
	}
	if err != nil {
		c.finishLocked(session.ChannelAborted)
		return err
	}
	return nil
}

// Polling answers one long-poll request: whatever is written first ends the
// response.
type Polling struct {
	*httpChannel
}

func NewPolling(w http.ResponseWriter, r *http.Request) *Polling {
	return &Polling{httpChannel: newHTTPChannel(w, r)}
}

func (p *Polling) Open(fresh bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == session.ChannelNotOpen {
		p.state = session.ChannelOpen
	}
	if !fresh {
		return nil
	}
	return p.writeFinalLocked([]byte(openFrame))
}

func (p *Polling) writeFinalLocked(frame []byte) error {
	if err := p.writeLocked(frame, true); err != nil {
		return err
	}
	p.finishLocked(session.ChannelClosed)
	return nil
}

func (p *Polling) Send(final bool, f session.Frame) error {
	frame, err := encodeFrame(f)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeFinalLocked(frame)
}

func (p *Polling) SendBatch(frames []session.Frame) error {
	frame, err := encodeMessages(frames)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeFinalLocked(frame)
}

func (p *Polling) SendHeartbeat() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeFinalLocked([]byte(heartbeatFrame))
}

// Streaming keeps one response open and appends frames to it until the
// response has carried maxBytes.
type Streaming struct {
	*httpChannel
	maxBytes int64
}

func NewStreaming(w http.ResponseWriter, r *http.Request, maxBytes int64) *Streaming {
	return &Streaming{httpChannel: newHTTPChannel(w, r), maxBytes: maxBytes}
}

func (s *Streaming) Open(fresh bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == session.ChannelNotOpen {
		s.state = session.ChannelOpen
	}
	if err := s.writeLocked(streamingPrelude, false); err != nil {
		return err
	}
	if fresh {
		return s.writeLocked([]byte(openFrame), true)
	}
	return nil
}

// writeCountedLocked writes frame and ends the response once the byte budget
// is used up.
func (s *Streaming) writeCountedLocked(frame []byte) error {
	if err := s.writeLocked(frame, true); err != nil {
		return err
	}
	if s.sent >= s.maxBytes {
		s.finishLocked(session.ChannelClosed)
	}
	return nil
}

func (s *Streaming) Send(final bool, f session.Frame) error {
	frame, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeCountedLocked(frame); err != nil {
		return err
	}
	if final {
		s.finishLocked(session.ChannelClosed)
	}
	return nil
}

func (s *Streaming) SendBatch(frames []session.Frame) error {
	frame, err := encodeMessages(frames)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCountedLocked(frame)
}

func (s *Streaming) SendHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCountedLocked([]byte(heartbeatFrame))
}

// WriteClose answers a request that could not attach to its session with a
// single close frame.
func WriteClose(w http.ResponseWriter, st session.CloseStatus) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(append(encodeClose(st), '\n'))
}
