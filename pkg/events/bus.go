// Package events fans job lifecycle events out to in-process subscribers with
// at-most-once, non-blocking delivery.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type enumerates job event kinds.
type Type string

const (
	TypeQueued    Type = "queued"
	TypeProgress  Type = "progress"
	TypeRetrying  Type = "retrying"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
)

// Event is a single job notification.
type Event struct {
	JobID      string                 `json:"jobId"`
	JobType    string                 `json:"jobType"`
	EntityKey  string                 `json:"entityKey,omitempty"`
	Type       Type                   `json:"type"`
	Percentage int                    `json:"percentage,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	Summary    map[string]interface{} `json:"summary,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeFailed || e.Type == TypeCancelled
}

// Filter selects events by job id and/or entity key. Empty fields match anything.
type Filter struct {
	JobID     string
	EntityKey string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.JobID != "" && f.JobID != e.JobID {
		return false
	}
	if f.EntityKey != "" && f.EntityKey != e.EntityKey {
		return false
	}
	return true
}

// Forwarder relays events outside the process.
type Forwarder interface {
	Forward(ctx context.Context, e Event) error
}

// Subscription is a buffered event feed. Close releases it.
type Subscription struct {
	C <-chan Event

	id   uint64
	bus  *Bus
	once sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	nextID     uint64
	buffer     int
	forwarders []Forwarder
	dropped    atomic.Uint64
	logger     *zap.Logger
}

// NewBus constructs a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[uint64]*subscriber), buffer: buffer, logger: logger}
}

// AddForwarder registers a relay invoked asynchronously for every event.
func (b *Bus) AddForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarders = append(b.forwarders, f)
	b.mu.Unlock()
}

// Subscribe registers a filtered feed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{filter: filter, ch: ch}
	b.mu.Unlock()
	return &Subscription{C: ch, id: id, bus: b}
}

// Publish delivers e to matching subscribers without blocking. Full buffers drop the event.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	for _, sub := range b.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	forwarders := b.forwarders
	b.mu.RUnlock()

	for _, f := range forwarders {
		go func(f Forwarder) {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := f.Forward(fctx, e); err != nil {
				b.logger.Warn("forward job event failed", zap.String("job_id", e.JobID), zap.Error(err))
			}
		}(f)
	}
}

// Dropped returns how many deliveries were discarded because a subscriber lagged.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}
