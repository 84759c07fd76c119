package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the queue length used when none is configured.
const DefaultCapacity = 100

type OverflowPolicy int

const (
	// OverflowBlock makes producers wait for room in the queue.
	OverflowBlock OverflowPolicy = iota
	// OverflowDrop discards events that do not fit and counts them.
	OverflowDrop
)

func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "block":
		return OverflowBlock, true
	case "drop":
		return OverflowDrop, true
	}
	return 0, false
}

func (p OverflowPolicy) String() string {
	if p == OverflowDrop {
		return "drop"
	}
	return "block"
}

// Sink is a bounded event queue with a single consumer.
type Sink struct {
	ch      chan Event
	policy  OverflowPolicy
	dropped atomic.Uint64

	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

func NewSink(capacity int, policy OverflowPolicy) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{
		ch:     make(chan Event, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Emit queues ev. It reports false if the event was dropped, the sink
// is closed, or ctx ended while waiting for room. A nil sink discards
// everything.
func (s *Sink) Emit(ctx context.Context, ev Event) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.done:
		return false
	default:
	}

	if s.policy == OverflowDrop {
		select {
		case s.ch <- ev:
			return true
		default:
			s.dropped.Add(1)
			return false
		}
	}

	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Events is the consumer side of the queue. It is closed by Close.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) Len() int {
	return len(s.ch)
}

// Close stops accepting events. Blocked producers return false; events
// already queued remain readable.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// Handler observes events one at a time.
type Handler interface {
	Handle(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) Handle(ev Event) {
	f(ev)
}

// Run feeds every queued event to h until the sink is closed and
// drained, or ctx ends.
func Run(ctx context.Context, s *Sink, h Handler) {
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			h.Handle(ev)
		case <-ctx.Done():
			return
		}
	}
}
