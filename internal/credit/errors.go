package credit

import "github.com/pkg/errors"

var (
	ErrWalletNotConfigured  = errors.New("agent wallet not configured")
	ErrChargerNotConfigured = errors.New("openrouter api key not configured")
	ErrInsufficientFunds    = errors.New("insufficient usdc balance")
)
