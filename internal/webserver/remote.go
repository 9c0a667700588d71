package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/oracle"
)

// RemoteClient submits prompts to a running backend over HTTP and polls
// their status. The MCP tool uses it.
type RemoteClient struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
}

// NewRemoteClient builds a client. A non-positive pollInterval defaults to
// two seconds.
func NewRemoteClient(baseURL string, timeout, pollInterval time.Duration) *RemoteClient {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &RemoteClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		pollInterval: pollInterval,
	}
}

// Submission is the backend's answer to a submitted prompt: either the
// answer itself or a checkout link to pay first.
type Submission struct {
	RequestID      string
	Classification oracle.Classification
	Price          string
	Status         db.Status
	Answer         string
	PaymentLink    string
	StatusURL      string
}

func (s *Submission) PaymentRequired() bool {
	return s.PaymentLink != "" && s.Status != db.StatusFulfilled
}

// RemoteStatus mirrors GET /status/{id}.
type RemoteStatus struct {
	ID            string    `json:"id"`
	Status        db.Status `json:"status"`
	Deliverable   *string   `json:"deliverable"`
	PaymentLink   *string   `json:"payment_link"`
	DeliveryURL   string    `json:"delivery_url"`
	FailureReason *string   `json:"failure_reason"`
}

type remoteEnvelope[T any] struct {
	OK    bool   `json:"ok"`
	Data  T      `json:"data"`
	Error string `json:"error"`
}

// Submit posts a prompt to /agent/request.
func (c *RemoteClient) Submit(ctx context.Context, prompt, callbackURL string) (*Submission, error) {
	payload, err := json.Marshal(intakeBody{Prompt: prompt, CallbackURL: callbackURL})
	if err != nil {
		return nil, errors.Wrap(err, "marshal prompt")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/request", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build submit request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach backend")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read submit response")
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var env remoteEnvelope[requestView]
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, errors.Wrap(err, "decode submit response")
		}
		v := env.Data
		sub := &Submission{
			RequestID:      v.ID,
			Classification: v.Classification,
			Price:          v.PriceUSDC.String(),
			Status:         v.Status,
			StatusURL:      v.StatusURL,
		}
		if v.Deliverable != nil {
			sub.Answer = *v.Deliverable
		}
		if v.PaymentLink != nil {
			sub.PaymentLink = *v.PaymentLink
		}
		return sub, nil
	case http.StatusPaymentRequired:
		var body oracle.PaymentRequiredBody
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, errors.Wrap(err, "decode payment required body")
		}
		return &Submission{
			RequestID:      body.RequestID,
			Classification: body.Classification,
			Price:          body.Price,
			Status:         db.StatusLinkCreated,
			PaymentLink:    body.PaymentLink,
			StatusURL:      body.StatusURL,
		}, nil
	}
	return nil, remoteError(resp.StatusCode, raw)
}

// Status fetches the current projection of a request.
func (c *RemoteClient) Status(ctx context.Context, id string) (*RemoteStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+id, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build status request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach backend")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read status response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp.StatusCode, raw)
	}
	var env remoteEnvelope[RemoteStatus]
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decode status response")
	}
	return &env.Data, nil
}

// WaitForResult polls until the request is FULFILLED or FAILED, or ctx ends.
// Transient poll errors are retried.
func (c *RemoteClient) WaitForResult(ctx context.Context, id string) (*RemoteStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			st, err := c.Status(ctx, id)
			if err != nil {
				continue
			}
			if st.Status.Terminal() {
				return st, nil
			}
		}
	}
}

func remoteError(status int, raw []byte) error {
	var env remoteEnvelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != "" {
		return errors.Errorf("backend returned status %d: %s", status, env.Error)
	}
	return errors.Errorf("backend returned status %d", status)
}
