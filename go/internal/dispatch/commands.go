package dispatch

import "github.com/Jorewin/planning-poker/go/internal/models"

// Command is a user-initiated mutation. Every command goes through Execute.
type Command interface {
	Name() string
}

type (
	// Vote picks a card for the current round.
	Vote struct{ Value models.CardValue }
	// ClearVote withdraws the current selection.
	ClearVote struct{}
	// CreateSession mints a new session owned by the caller and activates it.
	CreateSession struct{}
	// JoinSession joins by display code, or activates if already tracked.
	JoinSession struct{ Code string }
	// LeaveSession leaves the active session.
	LeaveSession struct{}
	// ActivateSession switches to a tracked session by id or code.
	ActivateSession struct{ ID string }
	// RefreshSessions reloads the tracked list from the store.
	RefreshSessions struct{}
	AddStory        struct{ Summary, Description string }
	DeleteStory     struct{ StoryID string }
	AddTask         struct {
		StoryID    string
		Summary    string
		Estimation models.CardValue
	}
	DeleteTask struct{ StoryID, TaskID string }
	// ForceSelections ends the round with the votes cast so far. Owner only.
	ForceSelections struct{}
	// ResetRound clears every selection to start a new round. Owner only.
	ResetRound struct{}
)

func (Vote) Name() string            { return "vote" }
func (ClearVote) Name() string       { return "clear_vote" }
func (CreateSession) Name() string   { return "create_session" }
func (JoinSession) Name() string     { return "join_session" }
func (LeaveSession) Name() string    { return "leave_session" }
func (ActivateSession) Name() string { return "activate_session" }
func (RefreshSessions) Name() string { return "refresh_sessions" }
func (AddStory) Name() string        { return "add_story" }
func (DeleteStory) Name() string     { return "delete_story" }
func (AddTask) Name() string         { return "add_task" }
func (DeleteTask) Name() string      { return "delete_task" }
func (ForceSelections) Name() string { return "force_selections" }
func (ResetRound) Name() string      { return "reset_round" }

// Result carries whatever a command produced that the caller may need.
type Result struct {
	Session models.SessionSummary
	StoryID string
	TaskID  string
}
