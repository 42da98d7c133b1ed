package events

import (
	"sync"
)

// GlobalTaskID subscribes to every task's events.
const GlobalTaskID = "*"

const defaultBuffer = 100

// Publisher fans events out to per-task subscribers. Publishing never
// blocks; a subscriber with a full buffer misses the event.
type Publisher interface {
	Publish(event Event)
	// Subscribe returns a channel receiving events for taskID, or for
	// all tasks when taskID is GlobalTaskID.
	Subscribe(taskID string) <-chan Event
	Unsubscribe(taskID string, ch <-chan Event)
	Close()
}

// MemoryPublisher is the in-process Publisher used by the supervisor.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	buffer int
	closed bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize overrides the per-subscriber channel buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) { p.buffer = size }
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subs:   make(map[string][]chan Event),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers event to the task's subscribers and to global
// subscribers. Slow consumers are skipped, never waited on.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	p.offer(p.subs[event.TaskID], event)
	if event.TaskID != GlobalTaskID {
		p.offer(p.subs[GlobalTaskID], event)
	}
}

func (p *MemoryPublisher) offer(targets []chan Event, event Event) {
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new consumer. After Close, the returned channel
// is already closed.
func (p *MemoryPublisher) Subscribe(taskID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		dead := make(chan Event)
		close(dead)
		return dead
	}

	ch := make(chan Event, p.buffer)
	p.subs[taskID] = append(p.subs[taskID], ch)
	return ch
}

// Unsubscribe drops and closes a subscription channel. Unknown
// channels are ignored.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.subs[taskID][:0]
	for _, sub := range p.subs[taskID] {
		if sub == ch {
			close(sub)
			continue
		}
		remaining = append(remaining, sub)
	}
	if len(remaining) == 0 {
		delete(p.subs, taskID)
	} else {
		p.subs[taskID] = remaining
	}
}

// Close closes every subscription channel. Further publishes are
// dropped and further subscribes return closed channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	for _, subs := range p.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	p.subs = make(map[string][]chan Event)
}
