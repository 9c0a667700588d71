package payment

import "github.com/pkg/errors"

var (
	// ErrSecretNotConfigured is returned when no webhook secret is set; every
	// webhook is rejected in that case.
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
	ErrNotConfigured       = errors.New("payment provider not configured")
)
