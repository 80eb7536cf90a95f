package session

import (
	"sync"
	"unicode/utf8"
)

// pendingSend is one queued outbound frame. It resolves exactly once.
type pendingSend struct {
	frame Frame
	once  sync.Once
	done  chan SendOutcome
}

func newPendingSend(f Frame) *pendingSend {
	return &pendingSend{frame: f, done: make(chan SendOutcome, 1)}
}

func (p *pendingSend) resolve(o SendOutcome) {
	p.once.Do(func() {
		p.done <- o
	})
}

// pendingReceive is one queued inbound record. Text records keep a read
// cursor so a large message can be consumed over several Receive calls.
type pendingReceive struct {
	kind   FrameKind
	msg    []byte
	cursor int
	status CloseStatus
}

// read copies as much of the unread message as fits into buf without
// splitting a UTF-8 sequence, unless buf cannot hold even one whole rune.
func (r *pendingReceive) read(buf []byte) (int, error) {
	if r.cursor == 0 && !utf8.Valid(r.msg) {
		return 0, ErrInvalidText
	}
	rest := r.msg[r.cursor:]
	n := len(rest)
	if n > len(buf) {
		n = len(buf)
		cut := n
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		if cut > 0 {
			n = cut
		}
	}
	copy(buf, rest[:n])
	r.cursor += n
	return n, nil
}

func (r *pendingReceive) consumed() bool {
	return r.cursor >= len(r.msg)
}
