// Package store is the authoritative session store behind the JSON-RPC
// endpoint. Every mutation is safe to retry except CreateSession.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/Jorewin/planning-poker/go/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid input")
	ErrConflict  = errors.New("conflict")
)

// Player is the caller of a store operation. ID is the username when
// authenticated, otherwise the client token.
type Player struct {
	ID   string
	Name string
}

type Store interface {
	CreateSession(ctx context.Context, p Player) (models.SessionSummary, error)
	JoinSession(ctx context.Context, p Player, code string) (models.SessionSummary, error)
	LeaveSession(ctx context.Context, p Player, sessionID string) error
	GetSession(ctx context.Context, p Player, sessionID string) (models.Snapshot, error)
	GetSessions(ctx context.Context, p Player) ([]models.SessionSummary, error)
	MakeSelection(ctx context.Context, p Player, sessionID string, value models.CardValue) error
	ResetSelection(ctx context.Context, p Player, sessionID string) error
	CreateStory(ctx context.Context, p Player, sessionID string, story models.Story) error
	DeleteStory(ctx context.Context, p Player, sessionID, storyID string) error
	CreateTask(ctx context.Context, p Player, sessionID, storyID string, task models.Task) error
	DeleteTask(ctx context.Context, p Player, sessionID, storyID, taskID string) error
	ForceSelections(ctx context.Context, p Player, sessionID string) error
	ResetRound(ctx context.Context, p Player, sessionID string) error
}

const (
	codeLength   = 5
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// newCode returns a short display code for a session.
func newCode() string {
	var b strings.Builder
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}

// normalizeCode makes user-typed codes comparable to stored ones.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateStory(story models.Story) error {
	if story.ID == "" {
		return fmt.Errorf("%w: story id is required", ErrInvalid)
	}
	if strings.TrimSpace(story.Summary) == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, models.ErrEmptySummary)
	}
	return nil
}

func validateTask(task models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalid)
	}
	if strings.TrimSpace(task.Summary) == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, models.ErrEmptySummary)
	}
	if !task.Estimation.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalid, models.ErrInvalidCard)
	}
	return nil
}
