// Package gateway issues exactly one remote call per session operation and
// returns either the parsed payload or a classified error.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/Jorewin/planning-poker/go/clients/jsonrpc"
	"github.com/Jorewin/planning-poker/go/internal/models"
)

// Caller is the transport the gateway needs.
type Caller interface {
	Call(ctx context.Context, caller jsonrpc.Caller, method string, out any, params ...any) error
}

// Client is the typed session-store gateway.
type Client struct {
	rpc Caller
}

// NewClient creates a gateway over rpc.
func NewClient(rpc Caller) *Client {
	return &Client{rpc: rpc}
}

func (c *Client) call(ctx context.Context, ident models.Identity, method string, out any, params ...any) error {
	caller := jsonrpc.Caller{Token: ident.Token, User: ident.Username}
	return classify(c.rpc.Call(ctx, caller, method, out, params...))
}

func invalid(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf(format, args...))
}

// CreateSession mints a new session owned by ident. Not idempotent.
func (c *Client) CreateSession(ctx context.Context, ident models.Identity) (models.SessionSummary, error) {
	var out models.SessionSummary
	if err := c.call(ctx, ident, jsonrpc.MethodCreateSession, &out); err != nil {
		return models.SessionSummary{}, err
	}
	return out, nil
}

// JoinSession adds ident to the session identified by code (or id).
func (c *Client) JoinSession(ctx context.Context, ident models.Identity, code string) (models.SessionSummary, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.SessionSummary{}, invalid("session code is required")
	}
	var out models.SessionSummary
	if err := c.call(ctx, ident, jsonrpc.MethodJoinSession, &out, code); err != nil {
		return models.SessionSummary{}, err
	}
	return out, nil
}

// LeaveSession removes ident from the session and wipes its selection.
func (c *Client) LeaveSession(ctx context.Context, ident models.Identity, sessionID string) error {
	return c.call(ctx, ident, jsonrpc.MethodLeaveSession, nil, sessionID)
}

// GetSession fetches the full snapshot of a session.
func (c *Client) GetSession(ctx context.Context, ident models.Identity, sessionID string) (models.Snapshot, error) {
	var out models.Snapshot
	if err := c.call(ctx, ident, jsonrpc.MethodGetSession, &out, sessionID); err != nil {
		return models.Snapshot{}, err
	}
	return out, nil
}

// GetSessions lists every session ident belongs to.
func (c *Client) GetSessions(ctx context.Context, ident models.Identity) ([]models.SessionSummary, error) {
	var out []models.SessionSummary
	if err := c.call(ctx, ident, jsonrpc.MethodGetSessions, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MakeSelection submits ident's card for the current round.
func (c *Client) MakeSelection(ctx context.Context, ident models.Identity, sessionID string, value models.CardValue) error {
	if !value.Valid() {
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%w: %d", models.ErrInvalidCard, value))
	}
	return c.call(ctx, ident, jsonrpc.MethodMakeSelection, nil, sessionID, int(value))
}

// ResetSelection clears ident's card. Repeating it is harmless.
func (c *Client) ResetSelection(ctx context.Context, ident models.Identity, sessionID string) error {
	return c.call(ctx, ident, jsonrpc.MethodResetSelection, nil, sessionID)
}

// CreateStory stores story under its client-minted id.
func (c *Client) CreateStory(ctx context.Context, ident models.Identity, sessionID string, story models.Story) error {
	if strings.TrimSpace(story.Summary) == "" {
		return connect.NewError(connect.CodeInvalidArgument, models.ErrEmptySummary)
	}
	return c.call(ctx, ident, jsonrpc.MethodCreateStory, nil, sessionID, story.ID, story.Summary, story.Description)
}

// DeleteStory removes a story and its tasks.
func (c *Client) DeleteStory(ctx context.Context, ident models.Identity, sessionID, storyID string) error {
	return c.call(ctx, ident, jsonrpc.MethodDeleteStory, nil, sessionID, storyID)
}

// CreateTask stores task under storyID.
func (c *Client) CreateTask(ctx context.Context, ident models.Identity, sessionID, storyID string, task models.Task) error {
	if strings.TrimSpace(task.Summary) == "" {
		return connect.NewError(connect.CodeInvalidArgument, models.ErrEmptySummary)
	}
	if !task.Estimation.Valid() {
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%w: %d", models.ErrInvalidCard, task.Estimation))
	}
	return c.call(ctx, ident, jsonrpc.MethodCreateTask, nil, sessionID, storyID, task.ID, task.Summary, int(task.Estimation))
}

// DeleteTask removes a single task.
func (c *Client) DeleteTask(ctx context.Context, ident models.Identity, sessionID, storyID, taskID string) error {
	return c.call(ctx, ident, jsonrpc.MethodDeleteTask, nil, sessionID, storyID, taskID)
}

// ForceSelections closes the round: players that have not picked a card are
// dropped from the session. Owner only.
func (c *Client) ForceSelections(ctx context.Context, ident models.Identity, sessionID string) error {
	return c.call(ctx, ident, jsonrpc.MethodForceSelections, nil, sessionID)
}

// ResetRound clears every selection to start a new round. Owner only.
func (c *Client) ResetRound(ctx context.Context, ident models.Identity, sessionID string) error {
	return c.call(ctx, ident, jsonrpc.MethodResetRound, nil, sessionID)
}
