// Package registry tracks every session the local identity belongs to and
// which one of them is active.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Jorewin/planning-poker/go/internal/events"
	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/pointer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrStale is returned by Update when the caller's epoch no longer matches
// the active session, i.e. the user switched or left in the meantime.
var ErrStale = errors.New("session context changed")

// State is the lifecycle position of a session in the registry.
type State int

const (
	StateUnknown State = iota
	StateTracked
	StateActive
	StateGone
)

func (s State) String() string {
	switch s {
	case StateTracked:
		return "tracked"
	case StateActive:
		return "active"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Fetcher is what the registry needs from the session gateway.
type Fetcher interface {
	GetSession(ctx context.Context, ident models.Identity, sessionID string) (models.Snapshot, error)
	GetSessions(ctx context.Context, ident models.Identity) ([]models.SessionSummary, error)
}

// Listener is told when a session starts or stops being active.
type Listener interface {
	SessionActivated(sessionID string, epoch uint64)
	SessionDeactivated(sessionID string)
}

// NotFoundFunc classifies fetch errors that mean "the store no longer has it".
type NotFoundFunc func(error) bool

type Registry struct {
	fetcher  Fetcher
	pointer  pointer.Store
	clock    clockwork.Clock
	emitter  events.Emitter
	notFound NotFoundFunc

	mu       sync.Mutex
	listener Listener
	tracked  []models.SessionSummary
	states   map[string]State
	parked   map[string]rounds
	active   *Entry
	epoch    uint64
}

// rounds is what a session keeps of its results while it is not active.
type rounds struct {
	history []models.RoundResult
	last    *models.RoundResult
}

// Option configures a Registry.
type Option func(*Registry)

func WithClock(c clockwork.Clock) Option  { return func(r *Registry) { r.clock = c } }
func WithEmitter(e events.Emitter) Option { return func(r *Registry) { r.emitter = e } }
func WithNotFound(f NotFoundFunc) Option  { return func(r *Registry) { r.notFound = f } }
func WithListener(l Listener) Option      { return func(r *Registry) { r.listener = l } }

// New creates an empty registry.
func New(fetcher Fetcher, store pointer.Store, opts ...Option) *Registry {
	r := &Registry{
		fetcher:  fetcher,
		pointer:  store,
		clock:    clockwork.NewRealClock(),
		emitter:  events.Discard,
		notFound: func(error) bool { return false },
		states:   make(map[string]State),
		parked:   make(map[string]rounds),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetListener replaces the activation listener.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Activate fetches a snapshot of sessionID and makes it the active session.
// The previously active session, if any, goes back to tracked. On failure
// nothing changes and the error is returned.
func (r *Registry) Activate(ctx context.Context, ident models.Identity, sessionID string) error {
	r.mu.Lock()
	if r.active != nil && r.active.Session.ID == sessionID {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	snap, err := r.fetcher.GetSession(ctx, ident, sessionID)
	if err != nil {
		return fmt.Errorf("failed to activate session %s: %w", sessionID, err)
	}

	session := models.SessionFromSnapshot(snap)
	if session.ID == "" {
		session.ID = sessionID
	}

	r.mu.Lock()
	var previous string
	if r.active != nil {
		previous = r.active.Session.ID
		r.states[previous] = StateTracked
		r.park(r.active)
	}
	if saved, ok := r.parked[session.ID]; ok {
		// A still-resolved round was already recorded before the switch.
		session.History = saved.history
		session.Result = saved.last
		delete(r.parked, session.ID)
	}
	r.epoch++
	entry := newEntry(session, r.epoch)
	entry.recompute()
	r.active = entry
	r.states[session.ID] = StateActive
	r.upsertTracked(session.Summary())
	epoch := r.epoch
	listener := r.listener
	r.mu.Unlock()

	if err := r.pointer.Save(session.ID); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("failed to persist active session")
	}

	if listener != nil {
		if previous != "" {
			listener.SessionDeactivated(previous)
		}
		listener.SessionActivated(session.ID, epoch)
	}

	log.Info().
		Str("session_id", session.ID).
		Str("previous", previous).
		Uint64("epoch", epoch).
		Int("players", len(session.Players)).
		Msg("session activated")
	r.emitter.Emit(events.New(events.EventTypeSessionActivated, session.ID, r.clock.Now(), session.Summary()))
	return nil
}

// Forget marks sessionID as gone: the user left it or the store no longer has it.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	r.removeTracked(sessionID)
	r.states[sessionID] = StateGone
	delete(r.parked, sessionID)
	wasActive := r.active != nil && r.active.Session.ID == sessionID
	if wasActive {
		r.active = nil
		r.epoch++
	}
	listener := r.listener
	r.mu.Unlock()

	if wasActive {
		r.clearPointer()
		if listener != nil {
			listener.SessionDeactivated(sessionID)
		}
	}

	log.Info().Str("session_id", sessionID).Bool("was_active", wasActive).Msg("session forgotten")
	r.emitter.Emit(events.New(events.EventTypeSessionGone, sessionID, r.clock.Now(), nil))
}

// Deactivate drops the active session back to tracked without leaving it.
func (r *Registry) Deactivate() {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return
	}
	id := r.active.Session.ID
	r.states[id] = StateTracked
	r.park(r.active)
	r.active = nil
	r.epoch++
	listener := r.listener
	r.mu.Unlock()

	r.clearPointer()
	if listener != nil {
		listener.SessionDeactivated(id)
	}

	log.Info().Str("session_id", id).Msg("session deactivated")
	r.emitter.Emit(events.New(events.EventTypeSessionDeactivated, id, r.clock.Now(), nil))
}

// Restore reconnects to the persisted session, once, at startup. Only
// authenticated identities are restored. Failures are not fatal: the store
// may have expired the session.
func (r *Registry) Restore(ctx context.Context, ident models.Identity) {
	id, ok, err := r.pointer.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted session")
		return
	}
	if !ok || !ident.Authenticated() {
		return
	}

	if err := r.Activate(ctx, ident, id); err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("could not restore persisted session")
		if r.notFound(err) {
			r.mu.Lock()
			r.states[id] = StateGone
			r.mu.Unlock()
			r.clearPointer()
		}
		return
	}
	log.Info().Str("session_id", id).Msg("restored persisted session")
}

// Refresh replaces the tracked list with what the store reports for ident.
// Ownership flags are store-authoritative, so this is never a merge.
func (r *Registry) Refresh(ctx context.Context, ident models.Identity) error {
	list, err := r.fetcher.GetSessions(ctx, ident)
	if err != nil {
		return fmt.Errorf("failed to refresh sessions: %w", err)
	}

	r.mu.Lock()
	for id, st := range r.states {
		if st == StateTracked {
			delete(r.states, id)
		}
	}
	r.tracked = make([]models.SessionSummary, 0, len(list))
	for _, s := range list {
		r.tracked = append(r.tracked, s)
		if r.active != nil && r.active.Session.ID == s.ID {
			r.active.Session.IsOwner = s.IsOwner
			continue
		}
		r.states[s.ID] = StateTracked
	}
	r.mu.Unlock()

	log.Debug().Int("sessions", len(list)).Str("player", ident.PlayerID()).Msg("tracked sessions refreshed")
	r.emitter.Emit(events.New(events.EventTypeSessionsRefreshed, "", r.clock.Now(), list))
	return nil
}

// Update runs fn on the active entry under the registry lock. epoch must be
// the one observed when the caller started its work; a mismatch returns
// ErrStale without calling fn. The round result is recomputed afterwards.
func (r *Registry) Update(epoch uint64, fn func(e *Entry) error) error {
	r.mu.Lock()
	if r.active == nil || r.active.Epoch != epoch {
		r.mu.Unlock()
		return ErrStale
	}
	e := r.active
	if err := fn(e); err != nil {
		e.recompute()
		r.mu.Unlock()
		return err
	}
	result, resolved := e.recompute()
	sessionID := e.Session.ID
	players := len(e.Session.Players)
	round := len(e.Session.History)
	r.mu.Unlock()

	if resolved {
		log.Info().
			Str("session_id", sessionID).
			Int("average", int(result.Average)).
			Float64("consensus", result.Consensus).
			Msg("round resolved")
		r.emitter.Emit(events.New(events.EventTypeRoundResolved, sessionID, r.clock.Now(), events.RoundResolvedPayload{
			Average:   int(result.Average),
			Consensus: result.Consensus,
			Players:   players,
			Round:     round,
		}))
	}
	return nil
}

// Inspect runs fn on the active entry under the registry lock without
// recomputing anything. fn must not modify the entry.
func (r *Registry) Inspect(epoch uint64, fn func(e *Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.Epoch != epoch {
		return ErrStale
	}
	fn(r.active)
	return nil
}

// Handle returns the active session id and epoch.
func (r *Registry) Handle() (sessionID string, epoch uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", 0, false
	}
	return r.active.Session.ID, r.active.Epoch, true
}

// Active returns a copy of the active session, or nil.
func (r *Registry) Active() *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.Session.Clone()
}

// Tracked returns every known session, active one included.
func (r *Registry) Tracked() []models.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SessionSummary(nil), r.tracked...)
}

// Lookup finds a tracked session by id or display code. Codes match
// case-insensitively.
func (r *Registry) Lookup(codeOrID string) (models.SessionSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.tracked {
		if s.ID == codeOrID || (s.Code != "" && strings.EqualFold(s.Code, codeOrID)) {
			return s, true
		}
	}
	return models.SessionSummary{}, false
}

// Track adds a session summary to the tracked list without activating it.
func (r *Registry) Track(s models.SessionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertTracked(s)
	if r.states[s.ID] != StateActive {
		r.states[s.ID] = StateTracked
	}
}

// State reports where sessionID is in its lifecycle.
func (r *Registry) State(sessionID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[sessionID]
}

func (r *Registry) upsertTracked(s models.SessionSummary) {
	for i := range r.tracked {
		if r.tracked[i].ID == s.ID {
			r.tracked[i] = s
			return
		}
	}
	r.tracked = append(r.tracked, s)
}

func (r *Registry) removeTracked(id string) {
	out := r.tracked[:0]
	for _, s := range r.tracked {
		if s.ID != id {
			out = append(out, s)
		}
	}
	r.tracked = out
}

// park keeps e's round history until its session is activated again.
func (r *Registry) park(e *Entry) {
	s := e.Session.Clone()
	if len(s.History) == 0 && s.Result == nil {
		return
	}
	r.parked[s.ID] = rounds{history: s.History, last: s.Result}
}

func (r *Registry) clearPointer() {
	if err := r.pointer.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear persisted session")
	}
}
