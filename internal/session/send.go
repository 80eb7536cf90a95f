package session

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// sendQueue buffers outbound frames between application senders and the pump.
type sendQueue struct {
	state atomic.Int32

	// disabled is the enqueue guard; it is flipped once, before disposal
	// drains the queue, and is independent of state.
	disabled atomic.Bool

	// enqMu orders state transitions with pushes so nothing is queued after
	// the queue left sendOpen. deqMu keeps peek-then-dequeue batching and
	// draining from interleaving.
	enqMu sync.Mutex
	deqMu sync.Mutex

	mu     sync.Mutex
	items  *queue.Queue
	signal chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{
		items:  queue.New(),
		signal: make(chan struct{}, 1),
	}
}

func (q *sendQueue) current() sendState {
	return sendState(q.state.Load())
}

func (q *sendQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// enqueue queues f while the send direction is open. Past sendOpen the
// returned record is already resolved with the matching outcome.
func (q *sendQueue) enqueue(f Frame) (*pendingSend, error) {
	if q.disabled.Load() {
		return nil, ErrDisposed
	}
	p := newPendingSend(f)

	q.enqMu.Lock()
	defer q.enqMu.Unlock()
	if st := q.current(); st != sendOpen {
		p.resolve(st.outcome())
		return p, nil
	}
	if f.Kind == CloseFrame {
		q.state.Store(int32(sendCloseSent))
	}
	q.mu.Lock()
	q.items.Add(p)
	q.mu.Unlock()
	q.notify()
	return p, nil
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// pop removes the head record, or returns nil when the queue is empty.
func (q *sendQueue) pop() *pendingSend {
	q.deqMu.Lock()
	defer q.deqMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return nil
	}
	return q.items.Remove().(*pendingSend)
}

// collectBatch extends first with queued text frames until the byte budget
// is reached. The frame that crosses the budget is still included; a queued
// close frame ends the batch and stays queued.
func (q *sendQueue) collectBatch(first *pendingSend, sent, max int64) []*pendingSend {
	batch := []*pendingSend{first}
	size := sent + int64(len(first.frame.Payload))

	q.deqMu.Lock()
	defer q.deqMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	for size < max && q.items.Length() > 0 {
		next := q.items.Peek().(*pendingSend)
		if next.frame.Kind != Text {
			break
		}
		q.items.Remove()
		batch = append(batch, next)
		size += int64(len(next.frame.Payload))
	}
	return batch
}

// terminate moves the queue to state when its current state is one of from,
// then resolves everything still queued with outcome. It reports whether the
// state changed.
func (q *sendQueue) terminate(state sendState, outcome SendOutcome, from ...sendState) bool {
	q.enqMu.Lock()
	defer q.enqMu.Unlock()

	changed := false
	cur := q.current()
	for _, f := range from {
		if cur == f && q.state.CompareAndSwap(int32(cur), int32(state)) {
			changed = true
			break
		}
	}

	q.deqMu.Lock()
	q.mu.Lock()
	var drained []*pendingSend
	for q.items.Length() > 0 {
		drained = append(drained, q.items.Remove().(*pendingSend))
	}
	q.mu.Unlock()
	q.deqMu.Unlock()

	for _, p := range drained {
		p.resolve(outcome)
	}
	q.notify()
	return changed
}
