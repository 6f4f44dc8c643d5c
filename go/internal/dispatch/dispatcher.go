// Package dispatch executes user commands against the active session with
// optimistic local updates that are rolled back when the store rejects them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/Jorewin/planning-poker/go/internal/events"
	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/registry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Gateway is the set of remote operations commands are built from.
type Gateway interface {
	CreateSession(ctx context.Context, ident models.Identity) (models.SessionSummary, error)
	JoinSession(ctx context.Context, ident models.Identity, code string) (models.SessionSummary, error)
	LeaveSession(ctx context.Context, ident models.Identity, sessionID string) error
	MakeSelection(ctx context.Context, ident models.Identity, sessionID string, value models.CardValue) error
	ResetSelection(ctx context.Context, ident models.Identity, sessionID string) error
	CreateStory(ctx context.Context, ident models.Identity, sessionID string, story models.Story) error
	DeleteStory(ctx context.Context, ident models.Identity, sessionID, storyID string) error
	CreateTask(ctx context.Context, ident models.Identity, sessionID, storyID string, task models.Task) error
	DeleteTask(ctx context.Context, ident models.Identity, sessionID, storyID, taskID string) error
	ForceSelections(ctx context.Context, ident models.Identity, sessionID string) error
	ResetRound(ctx context.Context, ident models.Identity, sessionID string) error
}

// Sessions is the registry surface the dispatcher drives.
type Sessions interface {
	Handle() (sessionID string, epoch uint64, ok bool)
	Update(epoch uint64, fn func(e *registry.Entry) error) error
	Activate(ctx context.Context, ident models.Identity, sessionID string) error
	Forget(sessionID string)
	Refresh(ctx context.Context, ident models.Identity) error
	Track(s models.SessionSummary)
	Lookup(codeOrID string) (models.SessionSummary, bool)
}

type Dispatcher struct {
	gateway  Gateway
	sessions Sessions
	clock    clockwork.Clock
	emitter  events.Emitter
	newID    func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithClock(c clockwork.Clock) Option  { return func(d *Dispatcher) { d.clock = c } }
func WithEmitter(e events.Emitter) Option { return func(d *Dispatcher) { d.emitter = e } }
func WithIDs(fn func() string) Option     { return func(d *Dispatcher) { d.newID = fn } }

func New(gateway Gateway, sessions Sessions, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gateway:  gateway,
		sessions: sessions,
		clock:    clockwork.NewRealClock(),
		emitter:  events.Discard,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs cmd on behalf of ident.
func (d *Dispatcher) Execute(ctx context.Context, ident models.Identity, cmd Command) (Result, error) {
	res, err := d.execute(ctx, ident, cmd)
	if err != nil {
		sessionID, _, _ := d.sessions.Handle()
		log.Error().
			Err(err).
			Str("command", cmd.Name()).
			Str("session_id", sessionID).
			Str("player", ident.PlayerID()).
			Msg("command failed")
		d.emitter.Emit(events.New(events.EventTypeCommandFailed, sessionID, d.clock.Now(), events.CommandFailedPayload{
			Command: cmd.Name(),
			Error:   err.Error(),
		}))
		return res, err
	}
	log.Debug().Str("command", cmd.Name()).Str("player", ident.PlayerID()).Msg("command confirmed")
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, ident models.Identity, cmd Command) (Result, error) {
	switch c := cmd.(type) {
	case Vote:
		return Result{}, d.vote(ctx, ident, c)
	case ClearVote:
		return Result{}, d.clearVote(ctx, ident)
	case CreateSession:
		return d.createSession(ctx, ident)
	case JoinSession:
		return d.joinSession(ctx, ident, c)
	case LeaveSession:
		return Result{}, d.leaveSession(ctx, ident)
	case ActivateSession:
		return d.activateSession(ctx, ident, c)
	case RefreshSessions:
		return Result{}, d.sessions.Refresh(ctx, ident)
	case AddStory:
		return d.addStory(ctx, ident, c)
	case DeleteStory:
		return Result{StoryID: c.StoryID}, d.deleteStory(ctx, ident, c)
	case AddTask:
		return d.addTask(ctx, ident, c)
	case DeleteTask:
		return Result{StoryID: c.StoryID, TaskID: c.TaskID}, d.deleteTask(ctx, ident, c)
	case ForceSelections:
		return Result{}, d.forceSelections(ctx, ident)
	case ResetRound:
		return Result{}, d.resetRound(ctx, ident)
	default:
		return Result{}, connect.NewError(connect.CodeUnimplemented, fmt.Errorf("unknown command %T", cmd))
	}
}

func invalid(err error) error {
	return connect.NewError(connect.CodeInvalidArgument, err)
}

func precondition(err error) error {
	return connect.NewError(connect.CodeFailedPrecondition, err)
}

func forbidden(err error) error {
	return connect.NewError(connect.CodePermissionDenied, err)
}

// active returns the handle of the active session or a precondition error.
func (d *Dispatcher) active() (string, uint64, error) {
	id, epoch, ok := d.sessions.Handle()
	if !ok {
		return "", 0, precondition(models.ErrNoActiveSession)
	}
	return id, epoch, nil
}

// commit applies fn to the entry the command started on. A changed epoch
// means the user moved on; the entry is gone and there is nothing to update.
func (d *Dispatcher) commit(epoch uint64, fn func(e *registry.Entry) error) error {
	err := d.sessions.Update(epoch, fn)
	if errors.Is(err, registry.ErrStale) {
		return nil
	}
	return err
}

// IsGameActionDisabled reports whether voting is closed for ident on the
// given session: nothing active, anonymous, or a selection already cast.
func IsGameActionDisabled(s *models.Session, ident models.Identity) bool {
	if s == nil || !ident.Authenticated() {
		return true
	}
	p, ok := s.Player(ident.PlayerID())
	return ok && p.HasSelection()
}

func (d *Dispatcher) vote(ctx context.Context, ident models.Identity, c Vote) error {
	if !c.Value.Valid() {
		return invalid(fmt.Errorf("%w: %d", models.ErrInvalidCard, c.Value))
	}
	if !ident.Authenticated() {
		return precondition(models.ErrNotAuthenticated)
	}
	sessionID, epoch, err := d.active()
	if err != nil {
		return err
	}

	ownID := ident.PlayerID()
	err = d.sessions.Update(epoch, func(e *registry.Entry) error {
		p, ok := e.Session.Player(ownID)
		if !ok {
			return precondition(models.ErrNotPlayer)
		}
		if IsGameActionDisabled(e.Session, ident) {
			return precondition(models.ErrActionDisabled)
		}
		e.BeginWrite()
		p.Selection = models.Card(c.Value)
		return nil
	})
	if err != nil {
		return err
	}

	callErr := d.gateway.MakeSelection(ctx, ident, sessionID, c.Value)
	if err := d.commit(epoch, func(e *registry.Entry) error {
		e.EndWrite(callErr == nil, d.clock.Now())
		if callErr != nil {
			if p, ok := e.Session.Player(ownID); ok {
				p.Selection = nil
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("failed to vote: %w", callErr)
	}
	return nil
}

func (d *Dispatcher) clearVote(ctx context.Context, ident models.Identity) error {
	if !ident.Authenticated() {
		return precondition(models.ErrNotAuthenticated)
	}
	sessionID, epoch, err := d.active()
	if err != nil {
		return err
	}

	ownID := ident.PlayerID()
	var previous *models.CardValue
	err = d.sessions.Update(epoch, func(e *registry.Entry) error {
		p, ok := e.Session.Player(ownID)
		if !ok {
			return precondition(models.ErrNotPlayer)
		}
		e.BeginWrite()
		previous = p.Selection
		p.Selection = nil
		return nil
	})
	if err != nil {
		return err
	}

	callErr := d.gateway.ResetSelection(ctx, ident, sessionID)
	if err := d.commit(epoch, func(e *registry.Entry) error {
		e.EndWrite(callErr == nil, d.clock.Now())
		if callErr != nil {
			if p, ok := e.Session.Player(ownID); ok && p.Selection == nil {
				p.Selection = previous
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("failed to clear vote: %w", callErr)
	}
	return nil
}

func (d *Dispatcher) createSession(ctx context.Context, ident models.Identity) (Result, error) {
	summary, err := d.gateway.CreateSession(ctx, ident)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create session: %w", err)
	}
	summary.IsOwner = true
	d.sessions.Track(summary)
	if err := d.sessions.Activate(ctx, ident, summary.ID); err != nil {
		return Result{Session: summary}, err
	}
	return Result{Session: summary}, nil
}

func (d *Dispatcher) joinSession(ctx context.Context, ident models.Identity, c JoinSession) (Result, error) {
	code := strings.TrimSpace(c.Code)
	if code == "" {
		return Result{}, invalid(models.ErrEmptyCode)
	}

	if known, ok := d.sessions.Lookup(code); ok {
		log.Debug().Str("session_id", known.ID).Str("code", code).Msg("already tracking session, activating instead of joining")
		return Result{Session: known}, d.sessions.Activate(ctx, ident, known.ID)
	}

	summary, err := d.gateway.JoinSession(ctx, ident, code)
	if err != nil {
		return Result{}, fmt.Errorf("failed to join session %s: %w", code, err)
	}
	d.sessions.Track(summary)
	if err := d.sessions.Activate(ctx, ident, summary.ID); err != nil {
		return Result{Session: summary}, err
	}
	return Result{Session: summary}, nil
}

func (d *Dispatcher) leaveSession(ctx context.Context, ident models.Identity) error {
	sessionID, _, err := d.active()
	if err != nil {
		return err
	}
	if err := d.gateway.LeaveSession(ctx, ident, sessionID); err != nil {
		if connect.CodeOf(err) != connect.CodeNotFound {
			return fmt.Errorf("failed to leave session: %w", err)
		}
	}
	d.sessions.Forget(sessionID)
	return nil
}

func (d *Dispatcher) activateSession(ctx context.Context, ident models.Identity, c ActivateSession) (Result, error) {
	id := strings.TrimSpace(c.ID)
	if known, ok := d.sessions.Lookup(id); ok {
		id = known.ID
	}
	if id == "" {
		return Result{}, invalid(models.ErrEmptyCode)
	}
	if err := d.sessions.Activate(ctx, ident, id); err != nil {
		if connect.CodeOf(err) == connect.CodeNotFound {
			d.sessions.Forget(id)
		}
		return Result{}, err
	}
	s, _ := d.sessions.Lookup(id)
	return Result{Session: s}, nil
}

func (d *Dispatcher) addStory(ctx context.Context, ident models.Identity, c AddStory) (Result, error) {
	summary := strings.TrimSpace(c.Summary)
	if summary == "" {
		return Result{}, invalid(models.ErrEmptySummary)
	}
	sessionID, epoch, err := d.active()
	if err != nil {
		return Result{}, err
	}

	story := models.Story{ID: d.newID(), Summary: summary, Description: strings.TrimSpace(c.Description), Tasks: []models.Task{}}
	if err := d.sessions.Update(epoch, func(e *registry.Entry) error {
		e.Session.Stories = append(e.Session.Stories, story.Clone())
		e.PendingCreates[story.ID] = true
		return nil
	}); err != nil {
		return Result{}, err
	}

	callErr := d.gateway.CreateStory(ctx, ident, sessionID, story)
	if err := d.commit(epoch, func(e *registry.Entry) error {
		delete(e.PendingCreates, story.ID)
		if callErr == nil {
			e.Confirm()
			return nil
		}
		e.Session.Stories = removeStory(e.Session.Stories, story.ID)
		return nil
	}); err != nil {
		return Result{}, err
	}
	if callErr != nil {
		return Result{}, fmt.Errorf("failed to add story: %w", callErr)
	}
	return Result{StoryID: story.ID}, nil
}

func (d *Dispatcher) deleteStory(ctx context.Context, ident models.Identity, c DeleteStory) error {
	sessionID, epoch, err := d.active()
	if err != nil {
		return err
	}

	var (
		removed models.Story
		index   int
	)
	if err := d.sessions.Update(epoch, func(e *registry.Entry) error {
		index = -1
		for i, st := range e.Session.Stories {
			if st.ID == c.StoryID {
				index, removed = i, st
				break
			}
		}
		if index < 0 {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %s", models.ErrStoryNotFound, c.StoryID))
		}
		e.Session.Stories = removeStory(e.Session.Stories, c.StoryID)
		e.PendingDeletes[c.StoryID] = true
		return nil
	}); err != nil {
		return err
	}

	callErr := d.gateway.DeleteStory(ctx, ident, sessionID, c.StoryID)
	if connect.CodeOf(callErr) == connect.CodeNotFound {
		callErr = nil
	}
	if err := d.commit(epoch, func(e *registry.Entry) error {
		delete(e.PendingDeletes, c.StoryID)
		if callErr == nil {
			e.Confirm()
			return nil
		}
		if _, ok := e.Session.Story(c.StoryID); !ok {
			e.Session.Stories = insertStory(e.Session.Stories, index, removed)
		}
		return nil
	}); err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("failed to delete story: %w", callErr)
	}
	return nil
}

func (d *Dispatcher) addTask(ctx context.Context, ident models.Identity, c AddTask) (Result, error) {
	summary := strings.TrimSpace(c.Summary)
	if summary == "" {
		return Result{}, invalid(models.ErrEmptySummary)
	}
	if !c.Estimation.Valid() {
		return Result{}, invalid(fmt.Errorf("%w: %d", models.ErrInvalidCard, c.Estimation))
	}
	sessionID, epoch, err := d.active()
	if err != nil {
		return Result{}, err
	}

	task := models.Task{ID: d.newID(), Summary: summary, Estimation: c.Estimation}
	if err := d.sessions.Update(epoch, func(e *registry.Entry) error {
		st, ok := e.Session.Story(c.StoryID)
		if !ok {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %s", models.ErrStoryNotFound, c.StoryID))
		}
		st.Tasks = append(st.Tasks, task)
		e.PendingCreates[task.ID] = true
		return nil
	}); err != nil {
		return Result{}, err
	}

	callErr := d.gateway.CreateTask(ctx, ident, sessionID, c.StoryID, task)
	if err := d.commit(epoch, func(e *registry.Entry) error {
		delete(e.PendingCreates, task.ID)
		if callErr == nil {
			e.Confirm()
			return nil
		}
		if st, ok := e.Session.Story(c.StoryID); ok {
			st.Tasks = removeTask(st.Tasks, task.ID)
		}
		return nil
	}); err != nil {
		return Result{}, err
	}
	if callErr != nil {
		return Result{}, fmt.Errorf("failed to add task: %w", callErr)
	}
	return Result{StoryID: c.StoryID, TaskID: task.ID}, nil
}

func (d *Dispatcher) deleteTask(ctx context.Context, ident models.Identity, c DeleteTask) error {
	sessionID, epoch, err := d.active()
	if err != nil {
		return err
	}

	var (
		removed models.Task
		index   int
	)
	if err := d.sessions.Update(epoch, func(e *registry.Entry) error {
		st, ok := e.Session.Story(c.StoryID)
		if !ok {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %s", models.ErrStoryNotFound, c.StoryID))
		}
		index = -1
		for i, t := range st.Tasks {
			if t.ID == c.TaskID {
				index, removed = i, t
				break
			}
		}
		if index < 0 {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %s", models.ErrTaskNotFound, c.TaskID))
		}
		st.Tasks = removeTask(st.Tasks, c.TaskID)
		e.PendingDeletes[c.TaskID] = true
		return nil
	}); err != nil {
		return err
	}

	callErr := d.gateway.DeleteTask(ctx, ident, sessionID, c.StoryID, c.TaskID)
	if connect.CodeOf(callErr) == connect.CodeNotFound {
		callErr = nil
	}
	if err := d.commit(epoch, func(e *registry.Entry) error {
		delete(e.PendingDeletes, c.TaskID)
		if callErr == nil {
			e.Confirm()
			return nil
		}
		if st, ok := e.Session.Story(c.StoryID); ok {
			st.Tasks = insertTask(st.Tasks, index, removed)
		}
		return nil
	}); err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("failed to delete task: %w", callErr)
	}
	return nil
}

// forceSelections removes every player who has not voted, which resolves
// the round with the votes cast so far. The owner must have voted.
func (d *Dispatcher) forceSelections(ctx context.Context, ident models.Identity) error {
	sessionID, epoch, err := d.active()
	if err != nil {
		return err
	}

	var before []models.Player
	if err := d.sessions.Update(epoch, func(e *registry.Entry) error {
		if !e.Session.IsOwner {
			return forbidden(models.ErrNotOwner)
		}
		if own, ok := e.Session.Player(ident.PlayerID()); !ok || !own.HasSelection() {
			return precondition(models.ErrOwnerNotVoted)
		}
		before = clonePlayers(e.Session.Players)
		kept := e.Session.Players[:0]
		for _, p := range e.Session.Players {
			if p.HasSelection() {
				kept = append(kept, p)
			}
		}
		e.Session.Players = kept
		return nil
	}); err != nil {
		return err
	}

	callErr := d.gateway.ForceSelections(ctx, ident, sessionID)
	if err := d.commit(epoch, func(e *registry.Entry) error {
		if callErr == nil {
			e.Confirm()
			return nil
		}
		e.Session.Players = before
		return nil
	}); err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("failed to force selections: %w", callErr)
	}
	return nil
}

// resetRound clears every selection, the caller's included, so it is
// tracked as a selection write.
func (d *Dispatcher) resetRound(ctx context.Context, ident models.Identity) error {
	sessionID, epoch, err := d.active()
	if err != nil {
		return err
	}

	var before []models.Player
	if err := d.sessions.Update(epoch, func(e *registry.Entry) error {
		if !e.Session.IsOwner {
			return forbidden(models.ErrNotOwner)
		}
		before = clonePlayers(e.Session.Players)
		e.BeginWrite()
		for i := range e.Session.Players {
			e.Session.Players[i].Selection = nil
		}
		return nil
	}); err != nil {
		return err
	}

	callErr := d.gateway.ResetRound(ctx, ident, sessionID)
	if err := d.commit(epoch, func(e *registry.Entry) error {
		e.EndWrite(callErr == nil, d.clock.Now())
		if callErr != nil {
			e.Session.Players = before
		}
		return nil
	}); err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("failed to reset round: %w", callErr)
	}
	return nil
}

func clonePlayers(in []models.Player) []models.Player {
	out := make([]models.Player, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

func removeStory(stories []models.Story, id string) []models.Story {
	out := make([]models.Story, 0, len(stories))
	for _, st := range stories {
		if st.ID != id {
			out = append(out, st)
		}
	}
	return out
}

func insertStory(stories []models.Story, i int, st models.Story) []models.Story {
	if i < 0 || i > len(stories) {
		i = len(stories)
	}
	out := make([]models.Story, 0, len(stories)+1)
	out = append(out, stories[:i]...)
	out = append(out, st)
	return append(out, stories[i:]...)
}

func removeTask(tasks []models.Task, id string) []models.Task {
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func insertTask(tasks []models.Task, i int, t models.Task) []models.Task {
	if i < 0 || i > len(tasks) {
		i = len(tasks)
	}
	out := make([]models.Task, 0, len(tasks)+1)
	out = append(out, tasks[:i]...)
	out = append(out, t)
	return append(out, tasks[i:]...)
}
