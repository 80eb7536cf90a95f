package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ReceiveResult describes what a single Receive call produced.
type ReceiveResult struct {
	Count        int
	Kind         FrameKind
	EndOfMessage bool
	Status       *CloseStatus // set for CloseFrame results
}

// receiveQueue buffers inbound records for a single consumer.
type receiveQueue struct {
	state atomic.Int32

	mu    sync.Mutex
	items *queue.Queue

	// signal holds at most one pending wakeup; consumers always re-check
	// items under mu, so a dropped wakeup is never lost work.
	signal chan struct{}

	done        chan struct{}
	disposeOnce sync.Once
}

func newReceiveQueue() *receiveQueue {
	return &receiveQueue{
		items:  queue.New(),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *receiveQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *receiveQueue) disposed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// push enqueues records in order. Pushing onto a disposed queue is a no-op.
func (q *receiveQueue) push(records ...*pendingReceive) {
	q.mu.Lock()
	if q.disposed() {
		q.mu.Unlock()
		return
	}
	for _, r := range records {
		q.items.Add(r)
	}
	q.mu.Unlock()
	for range records {
		q.notify()
	}
}

func (q *receiveQueue) receive(ctx context.Context, buf []byte) (ReceiveResult, error) {
	if !q.state.CompareAndSwap(int32(receiveNone), int32(receiveOne)) {
		switch receiveState(q.state.Load()) {
		case receiveCloseReceived:
			return ReceiveResult{}, ErrAlreadyClosed
		case receiveDisposed:
			return ReceiveResult{}, ErrDisposed
		default:
			return ReceiveResult{}, ErrConcurrentReceive
		}
	}
	defer q.state.CompareAndSwap(int32(receiveOne), int32(receiveNone))

	for {
		q.mu.Lock()
		if q.disposed() {
			q.mu.Unlock()
			return ReceiveResult{}, ErrDisposed
		}
		if q.items.Length() > 0 {
			res, err := q.take(buf)
			q.mu.Unlock()
			return res, err
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.done:
		case <-ctx.Done():
			return ReceiveResult{}, ctx.Err()
		}
	}
}

// take consumes from the head record. Caller holds mu.
func (q *receiveQueue) take(buf []byte) (ReceiveResult, error) {
	r := q.items.Peek().(*pendingReceive)
	if r.kind == CloseFrame {
		q.items.Remove()
		q.state.Store(int32(receiveCloseReceived))
		status := r.status
		return ReceiveResult{Kind: CloseFrame, EndOfMessage: true, Status: &status}, nil
	}

	n, err := r.read(buf)
	if err != nil {
		q.items.Remove()
		return ReceiveResult{}, err
	}
	res := ReceiveResult{Count: n, Kind: Text}
	if r.consumed() {
		q.items.Remove()
		res.EndOfMessage = true
	} else {
		// the rest of the message stays at the head for the next call
		q.notify()
	}
	return res, nil
}

// dispose tears the queue down. Queued records are dropped and a waiting
// receive returns ErrDisposed. A queue that already saw its close record
// keeps reporting ErrAlreadyClosed.
func (q *receiveQueue) dispose() {
	q.disposeOnce.Do(func() {
		for {
			cur := receiveState(q.state.Load())
			if cur == receiveCloseReceived || cur == receiveDisposed {
				break
			}
			if q.state.CompareAndSwap(int32(cur), int32(receiveDisposed)) {
				break
			}
		}
		q.mu.Lock()
		close(q.done)
		for q.items.Length() > 0 {
			q.items.Remove()
		}
		q.mu.Unlock()
	})
}
