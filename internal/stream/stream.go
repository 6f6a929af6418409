package stream

import (
	"context"
	"sync"
	"time"
)

// Event reports one committed contract call to live subscribers.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Operation string    `json:"operation"`
	Caller    string    `json:"caller"`
	Project   *uint64   `json:"project,omitempty"`
	Listing   *uint64   `json:"listing,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Receipt   string    `json:"receipt"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fans contract events out to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	seq  uint64
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
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

// Publish stamps evt with the next sequence number and fans it out.
// Slow subscribers miss events rather than block the publisher.
func (s *Stream) Publish(evt Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	evt.Sequence = s.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
