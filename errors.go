package realtime

import "errors"

// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for coordinator configuration and start
var (
	ErrInvalidSessionKey = errors.New("session key contains disallowed characters")
	ErrInvalidCollection = errors.New("collection name contains disallowed characters")
	ErrAlreadyStarted    = errors.New("coordinator already started")
	ErrFeedRequired      = errors.New("change feed is required")
	ErrPlatformUrl       = errors.New("platform url required when socket enabled")
	ErrSessionSecret     = errors.New("session secret or token verifier required for high security")
)

// used for optimistic updates
var (
	ErrOptimisticIdentity = errors.New("optimistic update requires an identity")
	ErrOptimisticCategory = errors.New("optimistic update requires a category")
	ErrOptimisticAction   = errors.New("optimistic update requires a valid action")
)

// used for the socket connection
var (
	ErrConnectThrottled   = errors.New("connection attempts throttled")
	ErrMaxAttemptsReached = errors.New("max reconnect attempts reached")
	ErrAuthRejected       = errors.New("authentication rejected by platform")
	ErrAuthTimeout        = errors.New("authentication handshake timed out")
	ErrStaleConnection    = errors.New("connection stale, no server messages")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrNotConnected       = errors.New("not connected")
)

// used for fan-in validation
var (
	ErrMissingCategory     = errors.New("update requires a category")
	ErrInvalidAction       = errors.New("update requires a valid action")
	ErrInvalidChangeRecord = errors.New("malformed change record")
	ErrInvalidSocketFrame  = errors.New("malformed socket frame")
)

// used for message authentication
var (
	ErrTokenMissing = errors.New("auth token required but missing")
	ErrTokenInvalid = errors.New("auth token failed verification")
)
