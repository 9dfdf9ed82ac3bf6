// Package events provides the in-process event bus.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrBusClosed = errors.New("event bus is closed")

// EventType identifies the kind of event.
type EventType string

const (
	EventRunCreated   EventType = "run_created"
	EventRunUpdated   EventType = "run_updated"
	EventAgentUpdated EventType = "agent_updated"
	EventTriggerFired EventType = "trigger_fired"
	EventNodeState    EventType = "node_state"
	EventStreamStart  EventType = "stream_start"
	EventStreamChunk  EventType = "stream_chunk"
	EventStreamEnd    EventType = "stream_end"
	EventAssistantID  EventType = "assistant_id"
	EventAgentEvent   EventType = "agent_event"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceRunner    EventSource = "runner"
	SourceEngine    EventSource = "engine"
	SourceScheduler EventSource = "scheduler"
	SourceIngress   EventSource = "ingress"
	SourceGateway   EventSource = "gateway"
)

// Topic names for fan-out routing.
func ThreadTopic(threadID string) string         { return "thread:" + threadID }
func AgentTopic(agentID string) string           { return "agent:" + agentID }
func WorkflowExecutionTopic(runID string) string { return "workflow_execution:" + runID }

// OpsTopic carries operational events not tied to a single resource.
const OpsTopic = "ops:events"

// Event is a single bus message.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Topic     string         `json:"topic,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

var eventIDCounter uint64

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// subscription owns a buffered queue and a single drain goroutine so each
// subscriber sees events in publish order.
type subscription struct {
	id         int
	eventTypes []EventType
	ch         chan Event
}

// Bus is an in-process publish/subscribe bus. Delivery is asynchronous,
// per-subscriber FIFO, at-most-once.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	ringBuffer  *RingBuffer
	closed      bool
	done        chan struct{}
}

// NewBus creates a new event bus with the given dispatch buffer size.
func NewBus(bufferSize int) *Bus {
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		ringBuffer:  NewRingBuffer(bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.ringBuffer.Add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

// notifySubscribers enqueues the event on each matching subscription. The
// subscriber list is read under RLock; the actual handler runs on the
// subscription's own goroutine, so a slow handler never blocks dispatch.
func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !b.matches(sub, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber queue full: drop for this subscriber only.
		}
	}
}

func (b *Bus) matches(sub *subscription, event Event) bool {
	if len(sub.eventTypes) == 0 {
		return true
	}
	for _, t := range sub.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus. Non-blocking; drops when the dispatch
// buffer is full or the bus is closed.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
	}
}

// PublishAsync sends an event with context cancellation support.
func (b *Bus) PublishAsync(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrBusClosed
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for specific event types (all types when
// none given). Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()

	id := b.nextID
	b.nextID++

	sub := &subscription{
		id:         id,
		eventTypes: eventTypes,
		ch:         make(chan Event, 256),
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go func() {
		for e := range sub.ch {
			handler(e)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
}

// SubscribeChan returns a channel that receives events.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	unsubscribe := b.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, unsubscribe
}

// History returns recent events from the ring buffer.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts down the event bus and all subscriber queues.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	close(b.done)
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}
