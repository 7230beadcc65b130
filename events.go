package hellodev

import (
	"encoding/json"
	"sync"
)

// ============================================================================
// Subscriptions
// ============================================================================

// Subscription is a handle to a registered handler. Release is idempotent.
type Subscription struct {
	once    sync.Once
	release func()
}

// Release unregisters the handler. After Release returns the handler is not invoked again.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// Scope groups subscriptions that share a lifetime, such as everything an open
// Conversation listens to.
type Scope struct {
	mu   sync.Mutex
	subs []*Subscription
	done bool
}

// Add takes ownership of sub. Adding to a released scope releases sub immediately.
func (sc *Scope) Add(sub *Subscription) {
	sc.mu.Lock()
	if sc.done {
		sc.mu.Unlock()
		sub.Release()
		return
	}
	sc.subs = append(sc.subs, sub)
	sc.mu.Unlock()
}

// Release releases every subscription in reverse order of acquisition.
func (sc *Scope) Release() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = nil
	sc.done = true
	sc.mu.Unlock()
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Release()
	}
}

// ============================================================================
// Listeners
// ============================================================================

// Listeners is a typed handler set. Handlers run synchronously in registration order on
// the emitting goroutine and must not block.
type Listeners[T any] struct {
	mu       sync.RWMutex
	next     uint64
	order    []uint64
	handlers map[uint64]func(T)
}

// Add registers h and returns its Subscription.
func (l *Listeners[T]) Add(h func(T)) *Subscription {
	l.mu.Lock()
	if l.handlers == nil {
		l.handlers = make(map[uint64]func(T))
	}
	l.next++
	id := l.next
	l.handlers[id] = h
	l.order = append(l.order, id)
	l.mu.Unlock()

	return &Subscription{release: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, id)
		for i, v := range l.order {
			if v == id {
				l.order = append(l.order[:i:i], l.order[i+1:]...)
				break
			}
		}
	}}
}

// Len reports the number of registered handlers.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers)
}

func (l *Listeners[T]) emit(v T) {
	l.mu.RLock()
	hs := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		hs = append(hs, l.handlers[id])
	}
	l.mu.RUnlock()
	for _, h := range hs {
		h(v)
	}
}

// ============================================================================
// EventBus
// ============================================================================

// EventBus fans channel events out to subscribers by event type. The channel publishes
// inbound frames and its own lifecycle events (connect, connect_error, disconnect) here.
type EventBus struct {
	mu     sync.Mutex
	topics map[string]*Listeners[json.RawMessage]
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{topics: make(map[string]*Listeners[json.RawMessage])}
}

func (b *EventBus) topic(eventType string) *Listeners[json.RawMessage] {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.topics[eventType]
	if !ok {
		l = &Listeners[json.RawMessage]{}
		b.topics[eventType] = l
	}
	return l
}

// Subscribe registers h for eventType.
func (b *EventBus) Subscribe(eventType string, h func(payload json.RawMessage)) *Subscription {
	return b.topic(eventType).Add(h)
}

// Publish delivers payload to every subscriber of eventType in order.
func (b *EventBus) Publish(eventType string, payload json.RawMessage) {
	b.topic(eventType).emit(payload)
}

// Subscribers reports how many handlers listen on eventType.
func (b *EventBus) Subscribers(eventType string) int {
	return b.topic(eventType).Len()
}

// OnMessage subscribes to receiveMessage with payloads normalized to Message.
func (b *EventBus) OnMessage(h func(Message)) *Subscription {
	return b.Subscribe(EventReceiveMessage, func(p json.RawMessage) {
		if m, ok := parsePushMessage(p); ok {
			h(m)
		}
	})
}

// OnTyping subscribes to userTyping.
func (b *EventBus) OnTyping(h func(UserTypingEvent)) *Subscription {
	return b.Subscribe(EventUserTyping, func(p json.RawMessage) { h(parseTypingEvent(p)) })
}

// OnUnreadCount subscribes to unreadCountUpdate.
func (b *EventBus) OnUnreadCount(h func(UnreadCountEvent)) *Subscription {
	return b.Subscribe(EventUnreadCountUpdate, func(p json.RawMessage) { h(parseUnreadEvent(p)) })
}

// OnMessageError subscribes to messageError. chatID is empty when the server did not say.
func (b *EventBus) OnMessageError(h func(chatID string, err *PolicyError)) *Subscription {
	return b.Subscribe(EventMessageError, func(p json.RawMessage) { h(policyChatID(p), parsePolicyError(p)) })
}

// OnConnect subscribes to successful (re)connects.
func (b *EventBus) OnConnect(h func()) *Subscription {
	return b.Subscribe(EventConnect, func(json.RawMessage) { h() })
}

// OnDisconnect subscribes to channel drops.
func (b *EventBus) OnDisconnect(h func(DisconnectEvent)) *Subscription {
	return b.Subscribe(EventDisconnect, func(p json.RawMessage) {
		var ev DisconnectEvent
		_ = json.Unmarshal(p, &ev)
		h(ev)
	})
}
