package registry

import (
	"time"

	"github.com/Jorewin/planning-poker/go/internal/consensus"
	"github.com/Jorewin/planning-poker/go/internal/models"
)

// Entry is the active session plus the bookkeeping the poller and the
// dispatcher share to order local writes against poll responses. It is only
// reachable under the registry lock, through Update.
type Entry struct {
	Session *models.Session
	Epoch   uint64

	// WriteSeq counts local selection writes issued for this session.
	WriteSeq uint64
	// ConfirmedWrites is lastConfirmedWrite: bumped on every successful command.
	ConfirmedWrites uint64
	// InFlightWrites counts selection writes waiting for the store.
	InFlightWrites int
	// LastConfirmedAt is when the last selection write was confirmed.
	LastConfirmedAt time.Time

	// PendingCreates holds story and task ids created locally but not yet confirmed.
	PendingCreates map[string]bool
	// PendingDeletes holds story and task ids whose deletion is in flight.
	PendingDeletes map[string]bool
}

func newEntry(s *models.Session, epoch uint64) *Entry {
	return &Entry{
		Session:        s,
		Epoch:          epoch,
		PendingCreates: make(map[string]bool),
		PendingDeletes: make(map[string]bool),
	}
}

// BeginWrite marks a local selection write as issued and in flight.
func (e *Entry) BeginWrite() uint64 {
	e.WriteSeq++
	e.InFlightWrites++
	return e.WriteSeq
}

// EndWrite marks a selection write as answered. Confirmed writes open the
// grace window during which polls do not touch the local player's selection.
func (e *Entry) EndWrite(confirmed bool, at time.Time) {
	if e.InFlightWrites > 0 {
		e.InFlightWrites--
	}
	if confirmed {
		e.ConfirmedWrites++
		e.LastConfirmedAt = at
	}
}

// Confirm records a successful command that is not a selection write.
func (e *Entry) Confirm() {
	e.ConfirmedWrites++
}

// recompute refreshes the round result from the current selections and
// reports whether a round has just resolved.
func (e *Entry) recompute() (models.RoundResult, bool) {
	had := e.Session.Result != nil
	result, ok := consensus.Calculate(e.Session.Players)
	if !ok {
		e.Session.Result = nil
		return models.RoundResult{}, false
	}
	e.Session.Result = &result
	if had {
		return result, false
	}
	e.Session.History = append(e.Session.History, result)
	return result, true
}
