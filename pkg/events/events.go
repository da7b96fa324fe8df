// Package events implements the in-memory per-task pub/sub bus SSE
// subscribers read from. History is bounded per task and replayed in full
// to late joiners so "the delivered prefix equals the bus history
// snapshot at t, in order" holds regardless of when a subscriber joins
// (spec §8).
package events

import (
	"sync"
	"time"
)

// Type is the event's wire discriminator.
type Type string

// Recognized event types, per spec §4.7.
const (
	TypeStarted   Type = "started"
	TypeIteration Type = "iteration"
	TypeComplete  Type = "complete"
	TypeError     Type = "error"
	TypeCancelled Type = "cancelled"
)

// terminalTypes marks a topic terminal once any of these is emitted;
// further emits on that topic are dropped.
var terminalTypes = map[Type]bool{
	TypeComplete:  true,
	TypeError:     true,
	TypeCancelled: true,
}

// Event is one item on a task's topic.
type Event struct {
	Type         Type      `json:"type"`
	TaskID       string    `json:"task_id"`
	Timestamp    time.Time `json:"ts"`
	IterationNum int       `json:"iteration_num,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Data         any       `json:"data,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Error        string    `json:"error,omitempty"`
}

const (
	defaultHistoryLimit = 1024
	defaultTerminalTTL  = 15 * time.Minute
	subscriberBuffer    = 64
)

// topic holds one task's history and live subscribers. Emission is
// non-blocking: a full subscriber channel drops its oldest buffered event
// rather than stall the emitter, mirroring the bus-wide drop-oldest
// policy but at the per-subscriber boundary.
type topic struct {
	mu          sync.Mutex
	history     []Event
	terminal    bool
	terminalAt  time.Time
	subscribers map[chan Event]struct{}
}

// Bus is the process-wide Event Bus. It is deliberately single-node —
// cross-node event fan-out is out of scope (spec Non-goals).
type Bus struct {
	mu             sync.Mutex
	topics         map[string]*topic
	historyLimit   int
	terminalTTL    time.Duration
}

// NewBus returns a Bus with the spec's default history and retention
// limits.
func NewBus() *Bus {
	return &Bus{
		topics:       make(map[string]*topic),
		historyLimit: defaultHistoryLimit,
		terminalTTL:  defaultTerminalTTL,
	}
}

func (b *Bus) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subscribers: make(map[chan Event]struct{})}
		b.topics[taskID] = t
	}
	return t
}

// Emit appends event to taskID's history and fans it out to current
// subscribers. Emits on an already-terminal topic are silently dropped —
// "exactly one terminal event is ever emitted" (spec §8).
func (b *Bus) Emit(taskID string, event Event) {
	t := b.topicFor(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.TaskID = taskID

	t.history = append(t.history, event)
	if terminalTypes[event.Type] {
		t.terminal = true
		t.terminalAt = time.Now()
	} else if len(t.history) > b.historyLimit {
		// Drop the oldest non-terminal entry; the terminal event, once
		// present, is always the last entry and is never trimmed here.
		t.history = t.history[1:]
	}

	for ch := range t.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full: drop the oldest buffered event for
			// this subscriber to make room, never the terminal event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscription is a live event stream plus its replayed history.
type Subscription struct {
	History []Event
	Events  <-chan Event
	cancel  func()
}

// Close stops delivery to this subscription. Safe to call multiple
// times.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe returns the full history snapshot plus a channel for events
// emitted from this point forward. If the topic is already terminal, the
// channel is closed immediately after the (complete) history is read —
// there is nothing further to deliver.
func (b *Bus) Subscribe(taskID string) *Subscription {
	t := b.topicFor(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()

	historySnapshot := make([]Event, len(t.history))
	copy(historySnapshot, t.history)

	ch := make(chan Event, subscriberBuffer)
	if t.terminal {
		close(ch)
		return &Subscription{History: historySnapshot, Events: ch, cancel: func() {}}
	}

	t.subscribers[ch] = struct{}{}
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
	return &Subscription{History: historySnapshot, Events: ch, cancel: cancel}
}

// Sweep removes topics whose terminal event is older than the configured
// TTL, reclaiming memory for long-finished tasks. Callers run this
// periodically (cmd/symphony's sweepEventBus does so once a minute).
func (b *Bus) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		t.mu.Lock()
		expired := t.terminal && now.Sub(t.terminalAt) > b.terminalTTL
		t.mu.Unlock()
		if expired {
			delete(b.topics, id)
		}
	}
}
