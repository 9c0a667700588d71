package lifecycle

import "github.com/pkg/errors"

var (
	// ErrRequestNotFound indicates the referenced request does not exist.
	ErrRequestNotFound = errors.New("request not found")
	// ErrInvalidTransition indicates the request is not in a state the transition may leave.
	ErrInvalidTransition = errors.New("invalid status transition")
)
