// Package rpcserver exposes a store.Store as JSON-RPC 2.0 over HTTP POST.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Jorewin/planning-poker/go/clients/jsonrpc"
	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/Jorewin/planning-poker/go/internal/store"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

type method func(ctx context.Context, p store.Player, params []json.RawMessage) (any, error)

type Handler struct {
	store   store.Store
	methods map[string]method
}

func NewHandler(s store.Store) *Handler {
	h := &Handler{store: s}
	h.methods = map[string]method{
		jsonrpc.MethodCreateSession:   h.createSession,
		jsonrpc.MethodJoinSession:     h.joinSession,
		jsonrpc.MethodLeaveSession:    h.leaveSession,
		jsonrpc.MethodGetSession:      h.getSession,
		jsonrpc.MethodGetSessions:     h.getSessions,
		jsonrpc.MethodMakeSelection:   h.makeSelection,
		jsonrpc.MethodResetSelection:  h.resetSelection,
		jsonrpc.MethodCreateStory:     h.createStory,
		jsonrpc.MethodDeleteStory:     h.deleteStory,
		jsonrpc.MethodCreateTask:      h.createTask,
		jsonrpc.MethodDeleteTask:      h.deleteTask,
		jsonrpc.MethodForceSelections: h.forceSelections,
		jsonrpc.MethodResetRound:      h.resetRound,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonrpc.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeResponse(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: jsonrpc.NewError(jsonrpc.CodeParseError, "parse error: %v", err)})
		return
	}
	resp := jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID}

	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		resp.Error = jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "invalid request")
		writeResponse(w, resp)
		return
	}

	player, ok := playerFrom(r, req)
	if !ok {
		resp.Error = jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "caller identity is required")
		writeResponse(w, resp)
		return
	}

	fn, ok := h.methods[req.Method]
	if !ok {
		resp.Error = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %s not found", req.Method)
		writeResponse(w, resp)
		return
	}

	start := time.Now()
	result, err := fn(r.Context(), player, req.Params)
	logger := log.With().
		Str("method", req.Method).
		Str("player", player.ID).
		Dur("duration", time.Since(start)).
		Logger()

	if err != nil {
		resp.Error = toRPCError(err)
		if resp.Error.Code == jsonrpc.CodeInternalError {
			logger.Error().Err(err).Msg("rpc call failed")
		} else {
			logger.Debug().Err(err).Int("code", resp.Error.Code).Msg("rpc call rejected")
		}
		writeResponse(w, resp)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal result")
		resp.Error = jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error")
		writeResponse(w, resp)
		return
	}
	resp.Result = raw
	logger.Debug().Msg("rpc call served")
	writeResponse(w, resp)
}

// playerFrom derives the caller: the username header when present,
// otherwise the correlation token carried as the request id.
func playerFrom(r *http.Request, req jsonrpc.Request) (store.Player, bool) {
	if user := r.Header.Get(jsonrpc.UserHeader); user != "" {
		return store.Player{ID: user, Name: user}, true
	}
	if req.ID == "" {
		return store.Player{}, false
	}
	return store.Player{ID: req.ID, Name: "guest"}, true
}

func toRPCError(err error) *jsonrpc.Error {
	var badParams *paramsError
	switch {
	case errors.As(err, &badParams):
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%s", err.Error())
	case errors.Is(err, store.ErrNotFound):
		return jsonrpc.NewError(jsonrpc.CodeNotFound, "%s", err.Error())
	case errors.Is(err, store.ErrForbidden):
		return jsonrpc.NewError(jsonrpc.CodeForbidden, "%s", err.Error())
	case errors.Is(err, store.ErrInvalid), errors.Is(err, store.ErrConflict):
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%s", err.Error())
	default:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error")
	}
}

func writeResponse(w http.ResponseWriter, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write rpc response")
	}
}

type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

// bind decodes positional params into dst, which must match in count.
func bind(params []json.RawMessage, dst ...any) error {
	if len(params) != len(dst) {
		return &paramsError{msg: fmt.Sprintf("expected %d params, got %d", len(dst), len(params))}
	}
	for i, raw := range params {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return &paramsError{msg: fmt.Sprintf("param %d: %v", i, err)}
		}
	}
	return nil
}

func (h *Handler) createSession(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	if err := bind(params); err != nil {
		return nil, err
	}
	return h.store.CreateSession(ctx, p)
}

func (h *Handler) joinSession(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var code string
	if err := bind(params, &code); err != nil {
		return nil, err
	}
	return h.store.JoinSession(ctx, p, code)
}

func (h *Handler) leaveSession(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID string
	if err := bind(params, &sessionID); err != nil {
		return nil, err
	}
	return nil, h.store.LeaveSession(ctx, p, sessionID)
}

func (h *Handler) getSession(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID string
	if err := bind(params, &sessionID); err != nil {
		return nil, err
	}
	return h.store.GetSession(ctx, p, sessionID)
}

func (h *Handler) getSessions(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	if err := bind(params); err != nil {
		return nil, err
	}
	return h.store.GetSessions(ctx, p)
}

func (h *Handler) makeSelection(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var (
		sessionID string
		value     int
	)
	if err := bind(params, &sessionID, &value); err != nil {
		return nil, err
	}
	return nil, h.store.MakeSelection(ctx, p, sessionID, models.CardValue(value))
}

func (h *Handler) resetSelection(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID string
	if err := bind(params, &sessionID); err != nil {
		return nil, err
	}
	return nil, h.store.ResetSelection(ctx, p, sessionID)
}

func (h *Handler) createStory(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID string
	var story models.Story
	if err := bind(params, &sessionID, &story.ID, &story.Summary, &story.Description); err != nil {
		return nil, err
	}
	return nil, h.store.CreateStory(ctx, p, sessionID, story)
}

func (h *Handler) deleteStory(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID, storyID string
	if err := bind(params, &sessionID, &storyID); err != nil {
		return nil, err
	}
	return nil, h.store.DeleteStory(ctx, p, sessionID, storyID)
}

func (h *Handler) createTask(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var (
		sessionID, storyID string
		task               models.Task
		estimation         int
	)
	if err := bind(params, &sessionID, &storyID, &task.ID, &task.Summary, &estimation); err != nil {
		return nil, err
	}
	task.Estimation = models.CardValue(estimation)
	return nil, h.store.CreateTask(ctx, p, sessionID, storyID, task)
}

func (h *Handler) deleteTask(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID, storyID, taskID string
	if err := bind(params, &sessionID, &storyID, &taskID); err != nil {
		return nil, err
	}
	return nil, h.store.DeleteTask(ctx, p, sessionID, storyID, taskID)
}

func (h *Handler) forceSelections(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID string
	if err := bind(params, &sessionID); err != nil {
		return nil, err
	}
	return nil, h.store.ForceSelections(ctx, p, sessionID)
}

func (h *Handler) resetRound(ctx context.Context, p store.Player, params []json.RawMessage) (any, error) {
	var sessionID string
	if err := bind(params, &sessionID); err != nil {
		return nil, err
	}
	return nil, h.store.ResetRound(ctx, p, sessionID)
}
