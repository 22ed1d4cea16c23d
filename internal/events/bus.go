package events

import (
	"sync"
	"time"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Event   Event     `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Bus is a lightweight pub/sub broker using channels. Publish never
// blocks; slow subscribers lose messages rather than stalling producers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Message
}

// NewBus returns an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// Subscribe registers a listener for one event and returns the channel
// and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// SubscribeMany merges several events into one channel. Used by fan-out
// consumers (websocket stream, AMQP mirror, metrics) that want the whole
// lifecycle without one goroutine per topic.
func (b *Bus) SubscribeMany(buffer int, evts ...Event) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	for _, e := range evts {
		b.subs[e] = append(b.subs[e], ch)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range evts {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	msg := Message{Event: e, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- msg:
		default:
			// A full subscriber buffer loses the message; publishers
			// never wait.
		}
	}
}
