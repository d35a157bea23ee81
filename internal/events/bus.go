// Package events is the publish sink for realtime domain events. Publishing
// is fire-and-forget: the sink is never awaited as part of saga completion,
// and a full subscriber is skipped rather than blocking the pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Domain event types published by the core.
const (
	EscrowReleased        = "escrow:released"
	EscrowDispute         = "escrow:dispute"
	EscrowApprovalAdded   = "escrow:approval-added"
	InsurancePurchased    = "insurance:purchased"
	InsuranceClaimFiled   = "insurance:claim-filed"
	InsuranceClaimApprove = "insurance:claim-approved"
)

// Emitter is the interface the core publishes through. Both the in-memory
// Bus and the RedisBus satisfy it.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Event is the envelope for all published domain events.
type Event struct {
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	ID      string                 `json:"id"`
	Time    time.Time              `json:"time"`
	Subject string                 `json:"subject,omitempty"`
	Data    map[string]interface{} `json:"data"`
}

// NewEvent creates an event envelope.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		Type:    eventType,
		Source:  source,
		ID:      fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:    time.Now(),
		Subject: subject,
		Data:    data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Subscribers receive events in
// real time; delivery to a full channel is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // eventType -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a new in-memory event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no types to receive ALL events.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}
