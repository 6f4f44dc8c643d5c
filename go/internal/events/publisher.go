package events

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// LogPublisher writes events to the global zerolog logger.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	entry := log.Info().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("session_id", event.SessionID)
	if len(event.Data) > 0 {
		entry = entry.RawJSON("data", event.Data)
	}
	entry.Msg("session event")
	return nil
}

// MultiPublisher fans an event out to several publishers.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
