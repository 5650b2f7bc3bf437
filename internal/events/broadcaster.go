package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/finsight-lab/finsight/internal/metrics"
)

// Type tags an event. Subscribers switch on the tag instead of
// registering per-kind callbacks.
type Type string

const (
	TaskStart       Type = "task_start"
	TaskProgress    Type = "task_progress"
	TaskComplete    Type = "task_complete"
	TaskError       Type = "task_error"
	StageStart      Type = "stage_start"
	StageComplete   Type = "stage_complete"
	SessionComplete Type = "session_complete"
	SessionError    Type = "session_error"
)

// Event is one state-change notification for a session. Delivery is
// best-effort and at-least-once; the session store remains the source
// of truth for subscribers that miss events.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Stage     int       `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Broadcaster provides in-memory pub/sub for session events with a
// per-session ring buffer for Last-Event-ID replay.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewBroadcaster creates a broadcaster whose replay rings hold
// capacity events per session.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 256
	}
	return &Broadcaster{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a session; caller must
// drain and call Unsubscribe.
func (b *Broadcaster) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it. A
// subscriber's disconnect never touches session state.
func (b *Broadcaster) Unsubscribe(sessionID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
}

// Publish sends an event to all subscribers of a session without
// blocking; slow subscribers lose events and recover via the store.
func (b *Broadcaster) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.Lock()
	rg := b.history[evt.SessionID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[evt.SessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Sends stay under the lock so Unsubscribe cannot close a channel
	// mid-publish; they never block, so the lock is held briefly.
	for ch := range b.subscribers[evt.SessionID] {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.Inc()
		}
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
}

// ReplaySince returns events with Seq > since, best-effort within
// ring capacity.
func (b *Broadcaster) ReplaySince(sessionID string, since uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg := b.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a finished session's replay history.
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	delete(b.history, sessionID)
	b.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
