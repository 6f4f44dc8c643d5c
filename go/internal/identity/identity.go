// Package identity owns the local user's identity: a per-process token and
// an optional username set by login.
package identity

import (
	"strings"
	"sync"

	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChangeKind tells subscribers what happened to the identity.
type ChangeKind int

const (
	Login ChangeKind = iota
	Logout
	Rename
)

func (k ChangeKind) String() string {
	switch k {
	case Login:
		return "login"
	case Logout:
		return "logout"
	default:
		return "rename"
	}
}

// Change is delivered to subscribers after the identity changed.
type Change struct {
	Kind     ChangeKind
	Previous models.Identity
	Current  models.Identity
}

// Holder is safe for concurrent use. Subscribers run synchronously on the
// goroutine that changed the identity, after the lock is released.
type Holder struct {
	mu          sync.RWMutex
	ident       models.Identity
	subscribers []func(Change)
}

// NewHolder creates an anonymous identity with a fresh token.
func NewHolder() *Holder {
	return &Holder{ident: models.Identity{Token: uuid.NewString()}}
}

// Current returns the identity in effect now.
func (h *Holder) Current() models.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ident
}

// Subscribe registers fn for every future change.
func (h *Holder) Subscribe(fn func(Change)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// Set attaches username, logging in or renaming. An empty username logs out.
func (h *Holder) Set(username string) {
	username = strings.TrimSpace(username)
	if username == "" {
		h.Clear()
		return
	}

	h.mu.Lock()
	prev := h.ident
	if prev.Username == username {
		h.mu.Unlock()
		return
	}
	h.ident.Username = username
	change := Change{Kind: Login, Previous: prev, Current: h.ident}
	if prev.Authenticated() {
		change.Kind = Rename
	}
	subs := h.snapshotSubscribers()
	h.mu.Unlock()

	h.notify(subs, change)
}

// Clear logs out. The token stays the same.
func (h *Holder) Clear() {
	h.mu.Lock()
	prev := h.ident
	if !prev.Authenticated() {
		h.mu.Unlock()
		return
	}
	h.ident.Username = ""
	change := Change{Kind: Logout, Previous: prev, Current: h.ident}
	subs := h.snapshotSubscribers()
	h.mu.Unlock()

	h.notify(subs, change)
}

// snapshotSubscribers must be called with h.mu held.
func (h *Holder) snapshotSubscribers() []func(Change) {
	subs := make([]func(Change), len(h.subscribers))
	copy(subs, h.subscribers)
	return subs
}

func (h *Holder) notify(subs []func(Change), change Change) {
	log.Info().
		Str("change", change.Kind.String()).
		Str("previous", change.Previous.Username).
		Str("current", change.Current.Username).
		Msg("identity changed")
	for _, fn := range subs {
		fn(change)
	}
}
