package chat

import "errors"

var (
	ErrAlreadyLoggedIn  = errors.New("user is already connected from another client")
	ErrSessionNotFound  = errors.New("session not found")
	ErrUserNotOnline    = errors.New("user is not online")
	ErrSelfTarget       = errors.New("cannot target yourself")
	ErrStoreUnavailable = errors.New("presence store unavailable")
	ErrRouterStopped    = errors.New("router stopped")
)
