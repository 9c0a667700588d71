package coffee

import "github.com/pkg/errors"

var (
	ErrOrderNotFound  = errors.New("coffee order not found")
	ErrNoQueuedOrders = errors.New("no queued orders")
	// ErrInvalidTransition means the order is not in a state the reported
	// status may follow.
	ErrInvalidTransition = errors.New("invalid coffee order status transition")
	// ErrExecutionWindow means the daily cap is reached or the batch window
	// has not opened yet.
	ErrExecutionWindow = errors.New("daily execution limit reached or batch window not reached")
)
