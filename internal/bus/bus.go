// ABOUTME: In-process event bus with bounded per-subscriber queues and drop-oldest overflow.
// ABOUTME: Adapted from the teacher's EventBroadcaster; the queue policy changes from drop-newest to drop-oldest-with-gap-marker.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberQueueCapacity = 256

// EventType enumerates the DashboardEvent types the bus carries.
type EventType string

const (
	TodoUpdated     EventType = "todo:updated"
	TodoCreated     EventType = "todo:created"
	TodoDeleted     EventType = "todo:deleted"
	MessageCreated  EventType = "message:created"
	SprintUpdated   EventType = "sprint:updated"
	SprintCreated   EventType = "sprint:created"
	AgentStatus     EventType = "agent:status"
	ProjectUpdated  EventType = "project:updated"
)

// DashboardEvent is the opaque-payload event published on the bus.
type DashboardEvent struct {
	Type        EventType
	Payload     any
	TimestampMs int64
}

// subscriber holds one subscriber's bounded ring queue plus bookkeeping
// for the drop-oldest-with-gap-marker overflow policy.
type subscriber struct {
	mu      sync.Mutex
	queue   []DashboardEvent
	dropped int
	ch      chan struct{} // signalled (non-blocking) whenever queue grows
	done    chan struct{} // closed by unsubscribe to stop the drain loop
}

// Bus is a single in-process topic publisher with fan-out to N subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *slog.Logger
}

// New constructs an Event Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber and returns its handle plus a
// channel of events. The channel is closed when ctx is cancelled or
// Unsubscribe is called.
func (b *Bus) Subscribe(ctx context.Context) (string, <-chan DashboardEvent) {
	id := uuid.New().String()
	sub := &subscriber{ch: make(chan struct{}, 1), done: make(chan struct{})}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	out := make(chan DashboardEvent)
	go b.drain(ctx, id, sub, out)

	return id, out
}

// drain pumps queued events to out until ctx is done or Unsubscribe fires.
func (b *Bus) drain(ctx context.Context, id string, sub *subscriber, out chan DashboardEvent) {
	defer close(out)
	for {
		sub.mu.Lock()
		var ev DashboardEvent
		var has bool
		var gap int
		if sub.dropped > 0 {
			gap = sub.dropped
			sub.dropped = 0
		} else if len(sub.queue) > 0 {
			ev = sub.queue[0]
			sub.queue = sub.queue[1:]
			has = true
		}
		sub.mu.Unlock()

		if gap > 0 {
			select {
			case out <- DashboardEvent{Type: "resync", Payload: map[string]int{"dropped": gap}, TimestampMs: time.Now().UnixMilli()}:
			case <-ctx.Done():
				b.unsubscribe(id)
				return
			case <-sub.done:
				return
			}
			continue
		}

		if has {
			select {
			case out <- ev:
			case <-ctx.Done():
				b.unsubscribe(id)
				return
			case <-sub.done:
				return
			}
			continue
		}

		select {
		case <-sub.ch:
			continue
		case <-ctx.Done():
			b.unsubscribe(id)
			return
		case <-sub.done:
			return
		}
	}
}

// Unsubscribe releases a subscriber's queue and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.unsubscribe(id)
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.done)
	}
	b.mu.Unlock()
}

// Publish never blocks on subscribers. Each subscriber's queue is bounded
// at subscriberQueueCapacity; once full, the oldest queued event is
// dropped and a gap counter increments so the subscriber's drain loop can
// emit a resync event once it catches up.
func (b *Bus) Publish(ev DashboardEvent) {
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.mu.Lock()
		if len(sub.queue) >= subscriberQueueCapacity {
			sub.queue = sub.queue[1:]
			sub.dropped++
		}
		sub.queue = append(sub.queue, ev)
		sub.mu.Unlock()

		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers, for monitoring.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
