package bus

import (
	"sync"
	"sync/atomic"
)

// mailbox is a bounded per-subscriber queue with drop-oldest overflow.
// put is serialised per mailbox, so messages from one publishing goroutine
// arrive in publish order.
type mailbox struct {
	mu      sync.Mutex
	ch      chan *Message
	closed  bool
	dropped *atomic.Uint64
}

func newMailbox(size int, dropped *atomic.Uint64) *mailbox {
	return &mailbox{ch: make(chan *Message, size), dropped: dropped}
}

// put enqueues msg, evicting the oldest message while the buffer is full.
// Returns false if the mailbox is closed.
func (m *mailbox) put(msg *Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	for {
		select {
		case m.ch <- msg:
			return true
		default:
		}
		select {
		case <-m.ch:
			m.dropped.Add(1)
		default:
		}
	}
}

// tryPut enqueues msg only if there is room.
func (m *mailbox) tryPut(msg *Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- msg:
		return true
	default:
		return false
	}
}

// close closes the channel once. Safe against concurrent put.
func (m *mailbox) close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	close(m.ch)
	return true
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
