package gateway

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/Jorewin/planning-poker/go/clients"
	"github.com/Jorewin/planning-poker/go/clients/jsonrpc"
)

// classify maps whatever came back from the transport onto the connect code
// vocabulary, so callers can branch on NotFound, PermissionDenied,
// InvalidArgument and the transient codes without knowing the wire format.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}

	if rpcErr, ok := jsonrpc.AsError(err); ok {
		switch rpcErr.Code {
		case jsonrpc.CodeNotFound:
			return connect.NewError(connect.CodeNotFound, err)
		case jsonrpc.CodeForbidden:
			return connect.NewError(connect.CodePermissionDenied, err)
		case jsonrpc.CodeInvalidParams, jsonrpc.CodeInvalidRequest:
			return connect.NewError(connect.CodeInvalidArgument, err)
		case jsonrpc.CodeMethodNotFound:
			return connect.NewError(connect.CodeUnimplemented, err)
		default:
			return connect.NewError(connect.CodeInternal, err)
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}

	// An HTTP-level 404 or 405 means the endpoint is misconfigured, not that
	// a session is missing.
	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusNotFound, statusErr.StatusCode == http.StatusMethodNotAllowed:
			return connect.NewError(connect.CodeUnimplemented, err)
		case statusErr.StatusCode < http.StatusInternalServerError:
			return connect.NewError(connect.CodeInternal, err)
		}
	}
	return connect.NewError(connect.CodeUnavailable, err)
}

// IsNotFound reports whether the session, story or task is absent remotely.
func IsNotFound(err error) bool {
	return connect.CodeOf(err) == connect.CodeNotFound
}

// IsForbidden reports an owner-only operation attempted by a non-owner.
func IsForbidden(err error) bool {
	return connect.CodeOf(err) == connect.CodePermissionDenied
}

// IsInvalidInput reports input rejected before or by the store.
func IsInvalidInput(err error) bool {
	return connect.CodeOf(err) == connect.CodeInvalidArgument
}

// IsTransient reports network trouble; the operation may be retried.
func IsTransient(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeCanceled:
		return true
	}
	return false
}
