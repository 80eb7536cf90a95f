package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options are the per-session tunables. Only MaxResponseLength is checked;
// a non-positive HeartbeatInterval disables heartbeats.
type Options struct {
	HeartbeatInterval time.Duration
	DisconnectTimeout time.Duration
	MaxResponseLength int64
}

func (o Options) Validate() error {
	if o.MaxResponseLength <= 0 {
		return fmt.Errorf("%w: max response length must be positive, got %d", ErrInvalidOptions, o.MaxResponseLength)
	}
	return nil
}

// Session is one logical client connection. Transport channels attach and
// detach underneath it while sends and receives continue against its queues.
type Session struct {
	id      string
	opts    Options
	evictor Evictor
	log     zerolog.Logger

	// guard is the shared/exclusive lock offered to frame handlers.
	guard sync.RWMutex

	send *sendQueue
	recv *receiveQueue

	// closeStatus is fixed at most once; the first writer wins.
	closeStatus    atomic.Pointer[CloseStatus]
	opened         atomic.Bool
	closeDelivered atomic.Bool
	disposeOnce    sync.Once

	mu            sync.Mutex
	ch            Channel
	detached      chan struct{}
	cancelTimeout context.CancelFunc
	expired       bool
}

// New creates a detached session. The disconnect timer starts immediately and
// is cancelled by the first Attach. evictor may be nil for a session that is
// not held by any registry.
func New(id string, opts Options, evictor Evictor, log zerolog.Logger) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:      id,
		opts:    opts,
		evictor: evictor,
		log:     log.With().Str("session", id).Logger(),
		send:    newSendQueue(),
		recv:    newReceiveQueue(),
	}
	s.armTimeout()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Lock acquires the session exclusively, excluding all frame handling.
func (s *Session) Lock() { s.guard.Lock() }

func (s *Session) Unlock() { s.guard.Unlock() }

// RLock acquires the session for ordinary concurrent frame handling.
func (s *Session) RLock() { s.guard.RLock() }

func (s *Session) RUnlock() { s.guard.RUnlock() }

// CloseStatus returns the fixed close payload, if any.
func (s *Session) CloseStatus() (CloseStatus, bool) {
	if st := s.closeStatus.Load(); st != nil {
		return *st, true
	}
	return CloseStatus{}, false
}

// Expired reports whether the session lost the eviction race and can no
// longer accept transports.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}

// Send queues f and waits for its outcome. A non-nil error means the frame
// was never queued (ErrDisposed) or the wait was cancelled. A cancelled wait
// reports ClientTimedOut with ctx.Err(), but the frame stays queued and may
// still be sent by a later pump.
func (s *Session) Send(ctx context.Context, f Frame) (SendOutcome, error) {
	p, err := s.send.enqueue(f)
	if err != nil {
		return Disposed, err
	}
	select {
	case o := <-p.done:
		return o, nil
	case <-ctx.Done():
		return ClientTimedOut, ctx.Err()
	}
}

func (s *Session) SendText(ctx context.Context, payload []byte) (SendOutcome, error) {
	return s.Send(ctx, TextFrame(payload))
}

func (s *Session) Close(ctx context.Context, code int, reason string) (SendOutcome, error) {
	return s.Send(ctx, Close(code, reason))
}

// Receive reads the next inbound record into buf. Large text messages are
// returned over several calls; EndOfMessage marks the last piece.
func (s *Session) Receive(ctx context.Context, buf []byte) (ReceiveResult, error) {
	return s.recv.receive(ctx, buf)
}

// Deliver queues inbound text messages in order. Delivery after disposal is
// silently dropped.
func (s *Session) Deliver(msgs ...[]byte) {
	if len(msgs) == 0 {
		return
	}
	records := make([]*pendingReceive, len(msgs))
	for i, m := range msgs {
		records[i] = &pendingReceive{kind: Text, msg: m}
	}
	s.recv.push(records...)
}

// Attach hands ch to the session and starts the pump on it. It fails when a
// channel is already attached, even a finished one whose pump has not
// detached yet, or when the session has been evicted.
func (s *Session) Attach(ch Channel) bool {
	_, ok := s.AttachChannel(ch)
	return ok
}

// AttachChannel is Attach that also returns a channel closed once the pump
// has detached from ch. Until then no other transport can attach.
func (s *Session) AttachChannel(ch Channel) (<-chan struct{}, bool) {
	s.mu.Lock()
	if s.expired || s.ch != nil {
		s.mu.Unlock()
		return nil, false
	}
	detached := make(chan struct{})
	s.ch = ch
	s.detached = detached
	if s.cancelTimeout != nil {
		s.cancelTimeout()
		s.cancelTimeout = nil
	}
	s.mu.Unlock()

	s.log.Debug().Msg("transport attached")
	go s.pump(ch)
	return detached, true
}

func (s *Session) detach(ch Channel) {
	s.mu.Lock()
	var detached chan struct{}
	if s.ch == ch {
		s.ch = nil
		detached, s.detached = s.detached, nil
	}
	s.mu.Unlock()
	s.log.Debug().Str("channel", ch.State().String()).Msg("transport detached")
	s.armTimeout()
	if detached != nil {
		close(detached)
	}
}

// Dispose tears the session down: nothing can be queued afterwards, queued
// sends resolve as Disposed and the receive side is shut. Repeated calls are
// no-ops.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.send.disabled.Store(true)
		s.send.terminate(sendDisposed, Disposed, sendOpen, sendCloseSent)
		s.fixCloseStatus(StatusGoingAway)
		s.recv.dispose()
		s.send.notify()
		s.log.Debug().Msg("session disposed")
	})
}

// Teardown disposes the session under the exclusive lock, so it never
// interleaves with frame handling. The caller must not hold the lock.
func (s *Session) Teardown() {
	s.Lock()
	defer s.Unlock()
	s.Dispose()
}

func (s *Session) fixCloseStatus(st CloseStatus) bool {
	return s.closeStatus.CompareAndSwap(nil, &st)
}

// interrupt is the send-error path: the send side times out, the close
// payload is pinned to StatusInterrupted unless already fixed, and the
// consumer observes record as the final inbound close.
func (s *Session) interrupt(record CloseStatus) {
	s.send.terminate(sendClientTimedOut, ClientTimedOut, sendOpen)
	s.fixCloseStatus(StatusInterrupted)
	if s.closeDelivered.CompareAndSwap(false, true) {
		s.recv.push(&pendingReceive{kind: CloseFrame, status: record})
	}
}

// armTimeout starts the disconnect timer unless a channel is attached or the
// session is already gone. Any previous timer is cancelled.
func (s *Session) armTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired || s.ch != nil {
		return
	}
	if s.cancelTimeout != nil {
		s.cancelTimeout()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelTimeout = cancel
	go s.awaitTimeout(ctx)
}

func (s *Session) awaitTimeout(ctx context.Context) {
	t := time.NewTimer(s.opts.DisconnectTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	s.mu.Lock()
	if ctx.Err() != nil || s.ch != nil || s.expired {
		s.mu.Unlock()
		return
	}
	won := s.evictor == nil || s.evictor.Evict(ctx, s)
	if won {
		s.expired = true
		s.cancelTimeout = nil
	}
	s.mu.Unlock()
	if !won {
		return
	}

	record := recordGoingAway
	if _, fixed := s.CloseStatus(); fixed {
		record = recordNormalClosure
	}
	s.log.Info().Dur("timeout", s.opts.DisconnectTimeout).Int("code", record.Code).Msg("session timed out")
	s.interrupt(record)
}

// pump drains the send queue into ch until the channel finishes, a close
// frame is written, or the transport fails.
func (s *Session) pump(ch Channel) {
	defer s.detach(ch)

	// only one pump runs at a time, so load-then-store does not race
	fresh := !s.opened.Load()
	if err := ch.Open(fresh); err != nil {
		s.transportFailed(err)
		return
	}
	if fresh {
		s.opened.Store(true)
	}

	var heartbeat *time.Timer
	if s.opts.HeartbeatInterval > 0 {
		heartbeat = time.NewTimer(s.opts.HeartbeatInterval)
		defer heartbeat.Stop()
	}

	for !ch.State().Finished() {
		if st, fixed := s.CloseStatus(); fixed {
			if err := ch.Send(true, Frame{Kind: CloseFrame, Status: st}); err != nil {
				s.log.Debug().Err(err).Msg("close frame not delivered")
			}
			return
		}

		p := s.send.pop()
		if p == nil {
			var tick <-chan time.Time
			if heartbeat != nil {
				heartbeat.Reset(s.opts.HeartbeatInterval)
				tick = heartbeat.C
			}
			select {
			case <-s.send.signal:
			case <-ch.Done():
			case <-tick:
				if s.send.len() > 0 {
					continue
				}
				if _, fixed := s.CloseStatus(); fixed {
					continue
				}
				s.log.Trace().Msg("heartbeat")
				if err := ch.SendHeartbeat(); err != nil {
					s.transportFailed(err)
					return
				}
			}
			continue
		}

		if p.frame.Kind == CloseFrame {
			if !s.fixCloseStatus(p.frame.Status) {
				// another path fixed the payload first; it is written next turn
				p.resolve(s.send.current().outcome())
				continue
			}
			if err := ch.Send(true, p.frame); err != nil {
				p.resolve(ClientTimedOut)
				s.transportFailed(err)
				return
			}
			p.resolve(Sent)
			s.log.Debug().Str("status", p.frame.Status.String()).Msg("close frame sent")
			return
		}

		batch := s.send.collectBatch(p, ch.BytesSent(), s.opts.MaxResponseLength)
		frames := make([]Frame, len(batch))
		for i, b := range batch {
			frames[i] = b.frame
		}
		if err := ch.SendBatch(frames); err != nil {
			for _, b := range batch {
				b.resolve(ClientTimedOut)
			}
			s.transportFailed(err)
			return
		}
		for _, b := range batch {
			b.resolve(Sent)
		}
	}
}

func (s *Session) transportFailed(err error) {
	s.log.Warn().Err(err).Msg("transport write failed")
	s.interrupt(recordGoingAway)
}
