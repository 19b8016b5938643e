package events

import (
	"sync"
)

// GlobalIdentifier is the special identifier for subscribing to all
// events regardless of task.
const GlobalIdentifier = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of its identifier.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given
	// identifier. Use GlobalIdentifier ("*") to receive everything.
	Subscribe(identifier string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(identifier string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to identifier-specific and global subscribers.
// Non-blocking: subscribers with full buffers miss the event.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.Identifier] {
		select {
		case ch <- event:
		default:
		}
	}

	if event.Identifier != GlobalIdentifier {
		for _, ch := range p.subscribers[GlobalIdentifier] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives events for the identifier.
func (p *MemoryPublisher) Subscribe(identifier string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[identifier] = append(p.subscribers[identifier], ch)
	return ch
}

// Unsubscribe removes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(identifier string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[identifier]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[identifier] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[identifier]) == 0 {
		delete(p.subscribers, identifier)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for identifier, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, identifier)
	}
}

// SubscriberCount returns the number of subscribers for an identifier.
func (p *MemoryPublisher) SubscriberCount(identifier string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[identifier])
}

// NopPublisher is a no-op publisher for when events are disabled.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(event Event) {}

func (p *NopPublisher) Subscribe(identifier string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (p *NopPublisher) Unsubscribe(identifier string, ch <-chan Event) {}

func (p *NopPublisher) Close() {}
