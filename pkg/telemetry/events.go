package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an in-process notification about a provisioning state change.
// Durable audit records live in the store; these events only feed live
// subscribers (CLI progress output, test assertions).
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type, e.g. "request.committed".
	Type string `json:"type"`

	// RequestID is the associated provisioning request, if any.
	RequestID string `json:"request_id,omitempty"`

	// Target is the associated target system, if any.
	Target string `json:"target,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`
}

// EventSubscriber handles published events.
type EventSubscriber func(event Event)

// EventPublisher fans events out to subscribers, asynchronously when
// configured with a buffer.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
}

// NewEventPublisher creates an event publisher with the given
// configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}
	if cfg.Enabled && cfg.BufferSize > 0 {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.drain()
	}
	return ep
}

// Subscribe registers a subscriber for all subsequent events.
func (ep *EventPublisher) Subscribe(sub EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, sub)
}

// Publish delivers an event. With an async buffer the call does not block
// beyond the configured publish timeout; overflow events are dropped.
func (ep *EventPublisher) Publish(event Event) {
	if !ep.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return
	}

	timeout := ep.config.PublishTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case ep.buffer <- event:
	case <-time.After(timeout):
	case <-ep.done:
	}
}

func (ep *EventPublisher) drain() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.done:
			// Flush whatever is left before exiting.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := make([]EventSubscriber, len(ep.subscribers))
	copy(subs, ep.subscribers)
	ep.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}

// Close stops the publisher and flushes buffered events.
func (ep *EventPublisher) Close() {
	ep.closeOnce.Do(func() {
		close(ep.done)
		ep.wg.Wait()
	})
}
