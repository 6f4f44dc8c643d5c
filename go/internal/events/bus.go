package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Bus decouples emitters from a possibly slow Publisher with a bounded buffer.
// Events are dropped, with a warning, when the buffer is full.
type Bus struct {
	publisher Publisher
	ch        chan Event
	timeout   time.Duration
	done      chan struct{}
}

// NewBus creates a bus with the given buffer size.
func NewBus(publisher Publisher, buffer int) *Bus {
	return &Bus{
		publisher: publisher,
		ch:        make(chan Event, buffer),
		timeout:   5 * time.Second,
		done:      make(chan struct{}),
	}
}

// Emit enqueues event without blocking.
func (b *Bus) Emit(event Event) {
	select {
	case b.ch <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("event buffer full, dropping event")
	}
}

// Run publishes queued events until ctx is cancelled, then drains what is left.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.ch:
					b.publish(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-b.ch:
			b.publish(ctx, ev)
		}
	}
}

// Done is closed once Run has returned.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) publish(ctx context.Context, ev Event) {
	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.publisher.Publish(pctx, ev); err != nil {
		log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to publish event")
	}
}
