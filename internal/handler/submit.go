// Package handler exposes the backend to MCP clients.
package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/webserver"
)

const ToolName = "submit_prompt"

type Submitter struct {
	client *webserver.RemoteClient
	wait   time.Duration
	logger *zap.Logger
}

// NewSubmitter returns the submit_prompt tool. wait bounds how long a call
// with wait_for_payment blocks before handing back the status URL.
func NewSubmitter(client *webserver.RemoteClient, wait time.Duration, logger *zap.Logger) *Submitter {
	return &Submitter{
		client: client,
		wait:   wait,
		logger: logger.Named("mcp"),
	}
}

func (s *Submitter) Tool() mcp.Tool {
	return mcp.NewTool(ToolName,
		mcp.WithDescription("Send a prompt to the merchant agent. Simple prompts are answered for free; "+
			"substantive ones return a USDC payment link, and the answer is delivered once payment confirms."),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The question or task for the agent"),
		),
		mcp.WithString("callback_url",
			mcp.Description("Optional http(s) URL that receives the final outcome"),
		),
		mcp.WithBoolean("wait_for_payment",
			mcp.Description("Block until the paid request is fulfilled or fails"),
		),
	)
}

func (s *Submitter) Handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	callbackURL := request.GetString("callback_url", "")
	wait := request.GetBool("wait_for_payment", false)

	sub, err := s.client.Submit(ctx, prompt, callbackURL)
	if err != nil {
		s.logger.Warn("submit failed", zap.Error(err))
		return mcp.NewToolResultError("failed to submit prompt: " + err.Error()), nil
	}
	if !sub.PaymentRequired() {
		return mcp.NewToolResultText(sub.Answer), nil
	}
	if !wait {
		return mcp.NewToolResultText(quote(sub)), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()

	st, err := s.client.WaitForResult(waitCtx, sub.RequestID)
	if err != nil {
		// caller cancelled, not our deadline
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return mcp.NewToolResultText(quote(sub) + "\n\nStill waiting for payment. Check the status URL later."), nil
	}
	if st.Status == db.StatusFailed {
		reason := "unknown"
		if st.FailureReason != nil {
			reason = *st.FailureReason
		}
		return mcp.NewToolResultError("request failed: " + reason), nil
	}
	if st.Deliverable != nil {
		return mcp.NewToolResultText(*st.Deliverable), nil
	}
	return mcp.NewToolResultText("Request fulfilled. Fetch the answer from " + st.DeliveryURL), nil
}

func quote(sub *webserver.Submission) string {
	var b strings.Builder
	b.WriteString("Payment required.\n\n")
	fmt.Fprintf(&b, "requestId: %s\n", sub.RequestID)
	fmt.Fprintf(&b, "classification: %s\n", sub.Classification)
	fmt.Fprintf(&b, "price: %s\n", sub.Price)
	fmt.Fprintf(&b, "paymentLink: %s\n", sub.PaymentLink)
	fmt.Fprintf(&b, "statusUrl: %s", sub.StatusURL)
	return b.String()
}
