// Package events carries session lifecycle and round outcomes out of the
// engine, to the log and optionally to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType represents the type of session event
type EventType string

const (
	EventTypeSessionActivated   EventType = "SessionActivated"
	EventTypeSessionDeactivated EventType = "SessionDeactivated"
	EventTypeSessionGone        EventType = "SessionGone"
	EventTypeSessionsRefreshed  EventType = "SessionsRefreshed"
	EventTypeRoundResolved      EventType = "RoundResolved"
	EventTypeCommandFailed      EventType = "CommandFailed"
)

// Event is the envelope for everything the engine emits.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an event; data is marshalled to JSON and dropped if it can't be.
func New(t EventType, sessionID string, at time.Time, data any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Timestamp: at.UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Warn().Err(err).Str("event_type", string(t)).Msg("failed to marshal event data")
		} else {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher delivers an event somewhere.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Emitter is what the engine components hold; it must never block them.
type Emitter interface {
	Emit(event Event)
}

// RoundResolvedPayload is the data of a RoundResolved event.
type RoundResolvedPayload struct {
	Average   int     `json:"average"`
	Consensus float64 `json:"consensus"`
	Players   int     `json:"players"`
	Round     int     `json:"round"`
}

// CommandFailedPayload is the data of a CommandFailed event.
type CommandFailedPayload struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
