// Package agent reaches the external reasoning agent: it hands paid requests
// over for fulfillment and relays the agent's outcome to the original caller.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/config"
	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/oracle"
)

var ErrNotConfigured = errors.New("agent hook not configured")

type Client struct {
	hookURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg config.AgentConfig, logger *zap.Logger) *Client {
	return &Client{
		hookURL: cfg.HookURL,
		token:   cfg.HookToken,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("agent"),
	}
}

type hookBody struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
}

// DispatchFulfill sends the FULFILL instruction for a paid request.
func (c *Client) DispatchFulfill(ctx context.Context, req *db.Request) error {
	if c.hookURL == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(hookBody{
		Message:    FulfillMessage(req, c.token),
		SessionKey: "hook:agent:" + req.ID,
	})
	if err != nil {
		return errors.Wrap(err, "marshal hook body")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build hook request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "call agent hook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("agent hook rejected fulfill instruction",
			zap.String("request_id", req.ID),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(snippet)),
		)
		return errors.Errorf("agent hook returned status %d", resp.StatusCode)
	}

	c.logger.Info("fulfill instruction sent", zap.String("request_id", req.ID))
	return nil
}

// FulfillMessage renders the natural-language instruction the agent acts on.
func FulfillMessage(req *db.Request, token string) string {
	coffee := req.Tier() == oracle.CoffeeOrder
	classification := string(req.Tier())
	if classification == "" {
		classification = "PAID"
	}

	task := "comprehensive JSON answer for this PAID request"
	answerHint := "detailed response"
	if coffee {
		task = "a thank you message for the coffee tip"
		answerHint = "grateful coffee thank you"
	}

	var b strings.Builder
	b.WriteString("FULFILL REQUEST\n\n")
	fmt.Fprintf(&b, "requestId: %s\n", req.ID)
	fmt.Fprintf(&b, "prompt: %s\n", req.Prompt)
	fmt.Fprintf(&b, "classification: %s\n", classification)
	fmt.Fprintf(&b, "deliveryUrl: %s\n\n", req.DeliveryURL)
	b.WriteString("INSTRUCTIONS:\n")
	fmt.Fprintf(&b, "1. Generate %s\n", task)
	b.WriteString("2. POST the JSON to deliveryUrl with Authorization header:\n\n")
	fmt.Fprintf(&b, "curl -X POST %s \\\n", req.DeliveryURL)
	fmt.Fprintf(&b, "  -H \"Authorization: Bearer %s\" \\\n", token)
	b.WriteString("  -H \"Content-Type: application/json\" \\\n")
	fmt.Fprintf(&b, "  -d '{\"answer\": \"your %s here\"}'\n\n", answerHint)
	if coffee {
		b.WriteString("NOTE: Coffee order has been queued! Thank the user for the tip and let them know the coffee is being processed.\n")
	}
	b.WriteString("REQUIRED: You MUST post the answer to deliveryUrl. User has already paid!")
	return b.String()
}
