// Package eventbus provides the typed, in-process publish/subscribe bus
// described in §4.12: one buffered channel per subscriber, FIFO delivery
// per emitter, best-effort (a slow subscriber drops events rather than
// blocking the publisher).
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

// subscriberBufferSize bounds how far a subscriber may lag before events
// to it are dropped. Sized generously since subscribers are expected to be
// fast, in-process consumers (metrics updaters, the forensics recorder).
const subscriberBufferSize = 256

// Bus is a typed pub/sub bus keyed by models.EventTopic. Publish never
// blocks on a subscriber; delivery order is preserved per-emitter but not
// globally across emitters, per §4.12's FIFO-per-emitter guarantee.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[models.EventTopic][]chan models.Event
	logger      *zerolog.Logger

	dropped atomic.Uint64
}

// New constructs an empty Bus.
func New(logger *zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[models.EventTopic][]chan models.Event),
		logger:      logger,
	}
}

// Subscribe returns a receive-only channel that will carry every Event
// published on topic from this point forward. The channel is never closed
// by the bus; callers should stop reading when their context ends.
func (b *Bus) Subscribe(topic models.EventTopic) <-chan models.Event {
	ch := make(chan models.Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	return ch
}

// Publish delivers event to every subscriber of event.Topic. A full
// subscriber channel is skipped (event dropped for that subscriber only)
// rather than blocking the emitter, matching the "best-effort" delivery
// invariant in §4.12.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			if b.logger != nil {
				b.logger.Warn().
					Str("topic", string(event.Topic)).
					Str("emitter", event.Emitter).
					Msg("eventbus: subscriber channel full, event dropped")
			}
		}
	}
}

// DroppedCount reports how many deliveries were dropped due to a full
// subscriber channel, for diagnostics/metrics.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}
