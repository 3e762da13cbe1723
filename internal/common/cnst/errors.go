package cnst

import "errors"

var (
	// ErrCapacityExceeded is returned when the registry is full. Existing connections are never evicted.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	// ErrUnknownConnection is returned for ids that are not (or no longer) registered
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnauthenticated is returned when a handshake carries no principal
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidTransition is returned for connection state changes the state machine forbids
	ErrInvalidTransition = errors.New("invalid connection state transition")
	// ErrShuttingDown is returned for registrations attempted during shutdown
	ErrShuttingDown = errors.New("hub is shutting down")
	// ErrQueueFull is returned when an outbound queue rejects a message
	ErrQueueFull = errors.New("outbound queue is full")

	// ErrMessageTooLarge is returned when a serialized message exceeds max_message_size
	ErrMessageTooLarge = errors.New("message too large")
	// ErrEventExpired is returned when an event is already past its expiry
	ErrEventExpired = errors.New("event expired")
	// ErrInvalidEvent is returned for events without a type or tenant
	ErrInvalidEvent = errors.New("invalid event")
	// ErrUnknownSubscription is returned for stale subscription ids
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrDenied is returned when a room join is refused by policy
	ErrDenied = errors.New("denied")
	// ErrInsufficientRole is returned when a moderation action lacks authority
	ErrInsufficientRole = errors.New("insufficient role")
	// ErrNotAMember is returned when a non-member acts on a room
	ErrNotAMember = errors.New("not a member")
	// ErrInvalidHierarchy is returned when a parent room belongs to another tenant
	ErrInvalidHierarchy = errors.New("invalid room hierarchy")
	// ErrRoomNotFound is returned for unknown room ids
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidRoom is returned for room definitions that cannot be created
	ErrInvalidRoom = errors.New("invalid room")
	// ErrForbidden is returned when a principal lacks a required permission
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited is returned when a broadcast exceeds its token bucket
	ErrRateLimited = errors.New("rate limited")

	// ErrClusterUnavailable is returned when the coordination store cannot be reached
	ErrClusterUnavailable = errors.New("cluster backend unavailable")
)
