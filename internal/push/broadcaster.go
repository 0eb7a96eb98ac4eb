package push

import (
	"sync"

	"github.com/consulta/meterd/internal/metrics"
	"github.com/consulta/meterd/internal/session"
	"github.com/rs/zerolog"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 16

// Broadcaster fans session snapshots out to every observer subscribed to a
// user. Delivery is best-effort, at-least-once: a subscriber whose buffer
// is full loses the event. Observers must treat push as a latency
// optimization and reconcile against the poll endpoint, never as the sole
// source of truth.
type Broadcaster struct {
	buffer      int
	subscribers map[string]map[int64]chan session.Snapshot // key: userID
	nextID      int64
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// NewBroadcaster creates a new push broadcaster
func NewBroadcaster(buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	return &Broadcaster{
		buffer:      buffer,
		subscribers: make(map[string]map[int64]chan session.Snapshot),
		logger:      logger.With().Str("component", "push").Logger(),
	}
}

// Subscribe registers an observer for a user's session events. The returned
// cancel func must be called when the observer disconnects; it closes the
// channel.
func (b *Broadcaster) Subscribe(userID string) (<-chan session.Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	ch := make(chan session.Snapshot, b.buffer)
	if b.subscribers[userID] == nil {
		b.subscribers[userID] = make(map[int64]chan session.Snapshot)
	}
	b.subscribers[userID][id] = ch

	metrics.PushSubscribers.Inc()
	b.logger.Debug().Str("user_id", userID).Int64("subscriber", id).Msg("Subscriber attached")

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs, ok := b.subscribers[userID]
		if !ok {
			return
		}
		if _, ok := subs[id]; !ok {
			return
		}

		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subscribers, userID)
		}
		close(ch)

		metrics.PushSubscribers.Dec()
		b.logger.Debug().Str("user_id", userID).Int64("subscriber", id).Msg("Subscriber detached")
	}

	return ch, cancel
}

// Publish broadcasts a snapshot to all of the user's subscribers without
// blocking. Full buffers drop the event; the subscriber catches up on its
// next reconciliation.
func (b *Broadcaster) Publish(userID string, snap session.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[userID] {
		select {
		case ch <- snap:
			metrics.PushEvents.WithLabelValues("delivered").Inc()
		default:
			metrics.PushEvents.WithLabelValues("dropped").Inc()
			b.logger.Warn().
				Str("user_id", userID).
				Int64("subscriber", id).
				Str("provider", snap.ProviderID).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of observers attached for a user.
func (b *Broadcaster) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userID])
}
