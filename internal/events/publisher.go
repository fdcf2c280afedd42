package events

import (
	"sync"
)

// GlobalKey is the special story key for subscribing to all events.
// Subscribers to this key receive events for ALL stories, plus
// run-level events that carry no story key.
const GlobalKey = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of the story.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given story.
	// Use GlobalKey ("*") to receive events for all stories.
	Subscribe(storyKey string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(storyKey string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher fans events out to in-process subscribers. It backs
// every live run: the renderers, the TUI, and the persistent sink all
// attach here.
//
// Delivery never blocks. A subscriber that lets its buffer fill misses
// events rather than stalling the pipeline that is publishing them.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
	closed bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for new subscriptions.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.buffer = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subs:   make(map[string]map[chan Event]struct{}),
		buffer: 100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to the story's subscribers and to global
// subscribers. An event already keyed to GlobalKey is delivered once.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	fanOut(p.subs[event.StoryKey], event)
	if event.StoryKey != GlobalKey {
		fanOut(p.subs[GlobalKey], event)
	}
}

func fanOut(set map[chan Event]struct{}, event Event) {
	for ch := range set {
		select {
		case ch <- event:
		default:
			// Full buffer: drop for this subscriber.
		}
	}
}

// Subscribe returns a channel that receives events for the given story.
// After Close it returns an already-closed channel.
func (p *MemoryPublisher) Subscribe(storyKey string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, p.buffer)
	if p.closed {
		close(ch)
		return ch
	}

	set, ok := p.subs[storyKey]
	if !ok {
		set = make(map[chan Event]struct{})
		p.subs[storyKey] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscription and closes its channel.
func (p *MemoryPublisher) Unsubscribe(storyKey string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.subs[storyKey]
	for sub := range set {
		if sub == ch {
			delete(set, sub)
			close(sub)
			break
		}
	}
	if len(set) == 0 {
		delete(p.subs, storyKey)
	}
}

// Close shuts the publisher down and closes every subscription channel.
// Later publishes are dropped.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, set := range p.subs {
		for ch := range set {
			close(ch)
		}
	}
	p.subs = make(map[string]map[chan Event]struct{})
}

// SubscriberCount returns the number of subscribers for a story.
func (p *MemoryPublisher) SubscriberCount(storyKey string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[storyKey])
}

// NopPublisher discards everything. Used where a run executes with
// events disabled.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(storyKey string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(storyKey string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}
