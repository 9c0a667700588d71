package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/db"
)

// Outcome is what a caller-supplied callback URL receives once a request
// settles.
type Outcome struct {
	RequestID      string    `json:"requestId"`
	Status         db.Status `json:"status"`
	Classification string    `json:"classification,omitempty"`
	Answer         *string   `json:"answer,omitempty"`
	Reason         *string   `json:"reason,omitempty"`
}

func OutcomeFor(req *db.Request) Outcome {
	out := Outcome{
		RequestID:      req.ID,
		Status:         req.Status,
		Classification: string(req.Tier()),
		Reason:         req.FailureReason,
	}
	switch {
	case req.JSONAnswer != nil:
		out.Answer = req.JSONAnswer
	case req.Deliverable != nil:
		out.Answer = req.Deliverable
	}
	return out
}

// Relayer posts outcomes to caller callback URLs.
type Relayer struct {
	http   *http.Client
	logger *zap.Logger
}

func NewRelayer(timeout time.Duration, logger *zap.Logger) *Relayer {
	return &Relayer{
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("relay"),
	}
}

// Relay delivers the outcome once. The error is returned for the caller to
// log; nothing is retried.
func (r *Relayer) Relay(ctx context.Context, callbackURL string, out Outcome) error {
	body, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "marshal outcome")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build callback request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "post callback")
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("callback returned status %d", resp.StatusCode)
	}
	r.logger.Debug("outcome relayed",
		zap.String("request_id", out.RequestID),
		zap.String("status", string(out.Status)),
	)
	return nil
}
