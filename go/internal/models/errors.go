package models

import "errors"

// Common errors
var (
	ErrInvalidCard      = errors.New("card value outside the permissible set")
	ErrEmptySummary     = errors.New("summary is required")
	ErrNoActiveSession  = errors.New("no active session")
	ErrNotAuthenticated = errors.New("identity is not authenticated")
	ErrActionDisabled   = errors.New("game action disabled: clear the current selection first")
	ErrNotOwner         = errors.New("only the session owner can perform this action")
	ErrNotPlayer        = errors.New("identity is not a player of the session")
	ErrOwnerNotVoted    = errors.New("the owner must vote before forcing selections")
	ErrStoryNotFound    = errors.New("story not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrEmptyCode        = errors.New("session code is required")
)
