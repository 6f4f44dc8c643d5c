// Package engine wires the session registry, the poller and the command
// dispatcher around one identity, and owns their lifecycle.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Jorewin/planning-poker/go/internal/dispatch"
	"github.com/Jorewin/planning-poker/go/internal/events"
	"github.com/Jorewin/planning-poker/go/internal/identity"
	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/pointer"
	"github.com/Jorewin/planning-poker/go/internal/poller"
	"github.com/Jorewin/planning-poker/go/internal/registry"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Gateway is everything the engine calls on the store.
type Gateway interface {
	dispatch.Gateway
	registry.Fetcher
}

type Options struct {
	Clock          clockwork.Clock
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Emitter        events.Emitter
	// NotFound classifies errors meaning the store no longer has a session.
	NotFound func(error) bool
}

type Engine struct {
	identity   *identity.Holder
	registry   *registry.Registry
	poller     *poller.Poller
	dispatcher *dispatch.Dispatcher
	timeout    time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New builds an engine; nothing runs until Start.
func New(gw Gateway, store pointer.Store, holder *identity.Holder, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = poller.DefaultInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Discard
	}
	if opts.NotFound == nil {
		opts.NotFound = func(error) bool { return false }
	}

	reg := registry.New(gw, store,
		registry.WithClock(opts.Clock),
		registry.WithEmitter(opts.Emitter),
		registry.WithNotFound(opts.NotFound),
	)
	p := poller.New(gw, reg, holder.Current,
		poller.WithClock(opts.Clock),
		poller.WithInterval(opts.PollInterval),
		poller.WithNotFound(opts.NotFound),
	)
	reg.SetListener(p)

	return &Engine{
		identity: holder,
		registry: reg,
		poller:   p,
		dispatcher: dispatch.New(gw, reg,
			dispatch.WithClock(opts.Clock),
			dispatch.WithEmitter(opts.Emitter),
		),
		timeout: opts.RequestTimeout,
		ctx:     context.Background(),
	}
}

// Start restores the persisted session, loads the tracked list and starts
// reacting to identity changes. Polling lives until ctx ends or Close.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	e.poller.Bind(runCtx)
	e.identity.Subscribe(e.onIdentityChange)

	ident := e.identity.Current()
	rctx, cancel := context.WithTimeout(runCtx, e.timeout)
	defer cancel()
	e.registry.Restore(rctx, ident)
	if err := e.registry.Refresh(rctx, ident); err != nil {
		log.Warn().Err(err).Msg("failed to load sessions")
	}

	log.Info().Str("player", ident.PlayerID()).Bool("authenticated", ident.Authenticated()).Msg("engine started")
}

// Close stops polling. The persisted session pointer is left as is so the
// next start can reconnect.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.poller.Stop()
	log.Info().Msg("engine stopped")
}

// Execute runs cmd as the current identity.
func (e *Engine) Execute(ctx context.Context, cmd dispatch.Command) (dispatch.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.dispatcher.Execute(ctx, e.identity.Current(), cmd)
}

// Identity returns the current identity.
func (e *Engine) Identity() models.Identity {
	return e.identity.Current()
}

// Active returns a copy of the active session, or nil.
func (e *Engine) Active() *models.Session {
	return e.registry.Active()
}

// Tracked returns every known session.
func (e *Engine) Tracked() []models.SessionSummary {
	return e.registry.Tracked()
}

// VotingDisabled reports whether the current identity may not vote now.
func (e *Engine) VotingDisabled() bool {
	return dispatch.IsGameActionDisabled(e.registry.Active(), e.identity.Current())
}

// onIdentityChange drops the active session, which belongs to the previous
// player id, and replaces the tracked list with the new identity's.
func (e *Engine) onIdentityChange(c identity.Change) {
	e.registry.Deactivate()

	e.mu.Lock()
	base := e.ctx
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, e.timeout)
	defer cancel()
	if err := e.registry.Refresh(ctx, c.Current); err != nil {
		log.Warn().Err(err).Str("change", c.Kind.String()).Msg("failed to refresh sessions after identity change")
	}
}
