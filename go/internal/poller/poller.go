// Package poller keeps the active session in sync with the store by polling
// it on a fixed interval and merging each snapshot into the registry.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/registry"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is how often the active session is polled.
const DefaultInterval = 1500 * time.Millisecond

// Fetcher reads a session snapshot from the store.
type Fetcher interface {
	GetSession(ctx context.Context, ident models.Identity, sessionID string) (models.Snapshot, error)
}

// Target is the part of the registry the poller writes to.
type Target interface {
	Inspect(epoch uint64, fn func(e *registry.Entry)) error
	Update(epoch uint64, fn func(e *registry.Entry) error) error
	Forget(sessionID string)
}

type Poller struct {
	fetcher  Fetcher
	target   Target
	identity func() models.Identity
	clock    clockwork.Clock
	interval time.Duration
	notFound func(error) bool

	mu        sync.Mutex
	parent    context.Context
	cancel    context.CancelFunc
	sessionID string
	epoch     uint64
	wg        sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

func WithClock(c clockwork.Clock) Option     { return func(p *Poller) { p.clock = c } }
func WithInterval(d time.Duration) Option    { return func(p *Poller) { p.interval = d } }
func WithNotFound(f func(error) bool) Option { return func(p *Poller) { p.notFound = f } }

// New creates a poller. identity is read at the start of every poll.
func New(fetcher Fetcher, target Target, identity func() models.Identity, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		target:   target,
		identity: identity,
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		notFound: func(error) bool { return false },
		parent:   context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind sets the context every poll loop derives from. Cancelling it stops
// polling for good.
func (p *Poller) Bind(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parent = ctx
}

// SessionActivated starts polling sessionID, replacing any running loop.
// Notifications for an older epoch than the running loop are ignored.
func (p *Poller) SessionActivated(sessionID string, epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil && epoch < p.epoch {
		return
	}
	p.stopLocked()

	ctx, cancel := context.WithCancel(p.parent)
	p.cancel = cancel
	p.sessionID = sessionID
	p.epoch = epoch
	p.wg.Add(1)
	go p.run(ctx, sessionID, epoch)
}

// SessionDeactivated stops polling sessionID if it is the one being polled.
func (p *Poller) SessionDeactivated(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionID == sessionID {
		p.stopLocked()
	}
}

// Stop cancels the running loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.sessionID = ""
}

// poll is one get_session request and what was true when it started.
type poll struct {
	seq       uint64
	sessionID string
	epoch     uint64
	ident     models.Identity
	startedAt time.Time
	writeSeq  uint64
	cancel    context.CancelFunc
}

type result struct {
	poll
	snap models.Snapshot
	err  error
}

func (p *Poller) run(ctx context.Context, sessionID string, epoch uint64) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	log.Debug().Str("session_id", sessionID).Uint64("epoch", epoch).Dur("interval", p.interval).Msg("poller started")

	results := make(chan result, 2)
	var (
		seq     uint64
		applied uint64
		// inflight blocks new ticks; abandoned outlived one interval and no
		// longer does, but its answer is still merged if nothing newer was.
		inflight  *poll
		abandoned *poll
	)

	for {
		select {
		case <-ctx.Done():
			if inflight != nil {
				inflight.cancel()
			}
			if abandoned != nil {
				abandoned.cancel()
			}
			log.Debug().Str("session_id", sessionID).Msg("poller stopped")
			return

		case <-ticker.Chan():
			if inflight != nil {
				age := p.clock.Since(inflight.startedAt)
				if age <= p.interval {
					log.Debug().Str("session_id", sessionID).Uint64("seq", inflight.seq).Msg("poll still in flight, skipping tick")
					continue
				}
				log.Debug().Str("session_id", sessionID).Uint64("seq", inflight.seq).Dur("age", age).Msg("poll outlived one interval, no longer waiting for it")
				if abandoned != nil {
					abandoned.cancel()
				}
				abandoned, inflight = inflight, nil
			}
			seq++
			pl, ok := p.begin(sessionID, epoch, seq)
			if !ok {
				continue
			}
			pctx, cancel := context.WithCancel(ctx)
			pl.cancel = cancel
			inflight = &pl
			go func(pl poll) {
				snap, err := p.fetcher.GetSession(pctx, pl.ident, pl.sessionID)
				select {
				case results <- result{poll: pl, snap: snap, err: err}:
				case <-ctx.Done():
				}
			}(pl)

		case res := <-results:
			switch {
			case inflight != nil && inflight.seq == res.seq:
				inflight.cancel()
				inflight = nil
			case abandoned != nil && abandoned.seq == res.seq:
				abandoned.cancel()
				abandoned = nil
			}
			if p.apply(res, applied) {
				applied = res.seq
			}
		}
	}
}

// begin captures the state a poll response will be judged against.
func (p *Poller) begin(sessionID string, epoch, seq uint64) (poll, bool) {
	pl := poll{
		seq:       seq,
		sessionID: sessionID,
		epoch:     epoch,
		ident:     p.identity(),
		startedAt: p.clock.Now(),
		cancel:    func() {},
	}
	err := p.target.Inspect(epoch, func(e *registry.Entry) {
		pl.writeSeq = e.WriteSeq
	})
	return pl, err == nil
}

// apply merges a poll response and reports whether it did. A response is
// dropped when a later poll has already been merged or when the session it
// was issued for is no longer active. Lateness alone is not a reason to drop.
func (p *Poller) apply(res result, lastApplied uint64) bool {
	logger := log.With().Str("session_id", res.sessionID).Uint64("seq", res.seq).Logger()

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return false
		}
		if p.notFound(res.err) {
			logger.Info().Msg("session no longer exists in the store")
			p.target.Forget(res.sessionID)
			return false
		}
		logger.Debug().Err(res.err).Msg("poll failed, will retry")
		return false
	}

	if res.seq <= lastApplied {
		logger.Debug().Uint64("applied", lastApplied).Msg("discarding superseded poll")
		return false
	}

	now := p.clock.Now()
	if age := now.Sub(res.startedAt); age > p.interval {
		logger.Debug().Dur("age", age).Msg("merging late poll")
	}

	ownID := res.ident.PlayerID()
	err := p.target.Update(res.epoch, func(e *registry.Entry) error {
		protectOwn := e.InFlightWrites > 0 ||
			e.WriteSeq != res.writeSeq ||
			(!e.LastConfirmedAt.IsZero() && now.Sub(e.LastConfirmedAt) < p.interval)
		Reconcile(e, res.snap, ownID, protectOwn)
		return nil
	})
	if errors.Is(err, registry.ErrStale) {
		logger.Debug().Msg("discarding poll for inactive session")
		return false
	}
	return err == nil
}
