package autopay

import (
	"context"
	"sync"
	"time"
)

// EventType names a state transition the engine announces.
type EventType string

const (
	EventFundsDeposited    EventType = "FundsDeposited"
	EventFundsWithdrawn    EventType = "FundsWithdrawn"
	EventServiceRegistered EventType = "ServiceRegistered"
	EventAutoPayAuthorized EventType = "AutoPayAuthorized"
	EventAutoPayDisabled   EventType = "AutoPayDisabled"
	EventAutoPayExecuted   EventType = "AutoPayExecuted"
	EventPayoutRequested   EventType = "PayoutRequested"
)

// Event is published after a successful state transition. Consumers (SSE
// clients, dashboards) subscribe rather than poll.
type Event struct {
	Type      EventType `json:"type"`
	User      string    `json:"user,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	ServiceID uint64    `json:"service_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs engine events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewStream initialises an empty event stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if s == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
