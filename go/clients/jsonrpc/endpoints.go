package jsonrpc

const (
	// Version is the only protocol version spoken on the wire.
	Version = "2.0"

	// DefaultPath is the single endpoint every method is posted to.
	DefaultPath = "/rpc"

	// UserHeader carries the authenticated username of the caller.
	UserHeader = "X-Poker-User"
)

// Method names consumed by the session engine.
const (
	MethodCreateSession   = "create_session"
	MethodJoinSession     = "join_session"
	MethodLeaveSession    = "leave_session"
	MethodGetSession      = "get_session"
	MethodGetSessions     = "get_sessions"
	MethodMakeSelection   = "make_selection"
	MethodResetSelection  = "reset_selection"
	MethodCreateStory     = "create_story"
	MethodDeleteStory     = "delete_story"
	MethodCreateTask      = "create_task"
	MethodDeleteTask      = "delete_task"
	MethodForceSelections = "force_selections"
	MethodResetRound      = "reset_round"
)

// Error codes. The -32000 range is reserved for application errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32001
	CodeForbidden      = -32003
)
