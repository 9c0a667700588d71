package webserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/coffee"
	"github.com/tejzpr/agentmart/internal/lifecycle"
	"github.com/tejzpr/agentmart/internal/payment"
)

const maxBodyBytes = 1 << 20

// errPaymentLink means the checkout provider could not mint a link; the
// request has been failed.
var errPaymentLink = errors.New("payment link creation failed")

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{OK: false, Error: msg})
}

// rawError is the bare error document used by routes outside the envelope.
func rawError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var invalid badRequest
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrRequestNotFound),
		errors.Is(err, coffee.ErrOrderNotFound),
		errors.Is(err, coffee.ErrNoQueuedOrders):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, coffee.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, coffee.ErrExecutionWindow):
		return http.StatusTooManyRequests
	case errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrSecretNotConfigured):
		return http.StatusUnauthorized
	case errors.Is(err, errPaymentLink):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// failErr answers with the mapped status. Server-side failures are logged
// and the caller gets generic text.
func (s *Server) failErr(w http.ResponseWriter, r *http.Request, err error, generic string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		fail(w, status, generic)
		return
	}
	fail(w, status, errors.Cause(err).Error())
}
