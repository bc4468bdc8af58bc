package bridge

import "errors"

// Sentinel errors crossing the command boundary. The HTTP layer maps them
// to status codes.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrRemoteTransient  = errors.New("remote operation failed")
	ErrRemoteConflict   = errors.New("remote conflict")
)
