package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryBus implements MessageBus using in-memory channels.
// Used for single-process swarms and tests.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string]*queueGroup
	closed      atomic.Bool
	dropped     atomic.Uint64

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
}

type memorySub struct {
	subject string
	queue   string
	box     *mailbox
	bus     *MemoryBus
}

type queueGroup struct {
	members []*memorySub
	next    atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string]*queueGroup),
		replySubs:   make(map[string]chan *Message),
	}
}

// Dropped returns how many queued messages were evicted on overflow.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(subject, msg)
	return nil
}

func (b *MemoryBus) deliver(subject string, msg *Message) {
	b.mu.RLock()
	subs := b.subs[subject]
	groups := make([]*queueGroup, 0, len(b.queueGroups[subject]))
	for _, g := range b.queueGroups[subject] {
		groups = append(groups, g)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.box.put(msg)
	}
	for _, g := range groups {
		b.deliverToOneInQueue(g, msg)
	}
}

// deliverToOneInQueue hands msg to one member, round-robin. A member with
// room is preferred; if all are full the chosen member drops its oldest.
func (b *MemoryBus) deliverToOneInQueue(g *queueGroup, msg *Message) {
	n := len(g.members)
	if n == 0 {
		return
	}
	start := int(g.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		if g.members[(start+i)%n].box.tryPut(msg) {
			return
		}
	}
	g.members[start].box.put(msg)
}

// deliverToReply completes a pending Request. Returns true if subject was
// a reply inbox.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	sub := &memorySub{
		subject: subject,
		box:     newMailbox(b.config.BufferSize, &b.dropped),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.subs[subject] = appendSub(b.subs[subject], sub)
	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		box:     newMailbox(b.config.BufferSize, &b.dropped),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string]*queueGroup)
	}
	old := b.queueGroups[subject][queue]
	g := &queueGroup{}
	if old != nil {
		g.members = old.members
		g.next.Store(old.next.Load())
	}
	g.members = appendSub(g.members, sub)
	b.queueGroups[subject][queue] = g
	return sub, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := "_INBOX." + uuid.NewString()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	b.deliver(subject, &Message{
		Subject: subject,
		Data:    data,
		Reply:   replySubject,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	}
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.box.close()
		}
	}
	for _, groups := range b.queueGroups {
		for _, g := range groups {
			for _, sub := range g.members {
				sub.box.close()
			}
		}
	}

	b.subs = make(map[string][]*memorySub)
	b.queueGroups = make(map[string]map[string]*queueGroup)
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.box.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if !s.box.close() {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.subs[s.subject] = removeSub(s.bus.subs[s.subject], s)
		return nil
	}
	groups := s.bus.queueGroups[s.subject]
	if old := groups[s.queue]; old != nil {
		g := &queueGroup{members: removeSub(old.members, s)}
		g.next.Store(old.next.Load())
		groups[s.queue] = g
	}
	return nil
}

// appendSub and removeSub copy, so slices handed to in-flight publishers
// are never mutated.
func appendSub(subs []*memorySub, sub *memorySub) []*memorySub {
	out := make([]*memorySub, 0, len(subs)+1)
	out = append(out, subs...)
	return append(out, sub)
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	out := make([]*memorySub, 0, len(subs))
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
