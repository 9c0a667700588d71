package webserver

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/activity"
	"github.com/tejzpr/agentmart/internal/coffee"
	"github.com/tejzpr/agentmart/internal/credit"
	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/lifecycle"
	"github.com/tejzpr/agentmart/internal/notify"
	"github.com/tejzpr/agentmart/internal/oracle"
	"github.com/tejzpr/agentmart/internal/payment"
)

// handlePaymentWebhook settles a confirmed purchase. Replays are safe: the
// request is not moved again, side queue entries are keyed by request id
// and the agent is only invoked while no hand-off has succeeded.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		rawError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	if err := payment.VerifySignature(s.cfg.Payment.WebhookSecret, raw, r.Header.Get(payment.SignatureHeader)); err != nil {
		s.metrics.webhook("unauthorized")
		s.logger.Warn("webhook rejected", zap.String("remote", clientIP(r)), zap.Error(err))
		rawError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	ev, err := payment.ParseEvent(raw, r.Header.Get(payment.EventHeader))
	if err != nil {
		s.metrics.webhook("invalid")
		rawError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	if !ev.Confirmed() {
		s.metrics.webhook("ignored")
		writeJSON(w, http.StatusOK, map[string]string{"message": "Event ignored"})
		return
	}
	if ev.LinkSlug == "" {
		s.metrics.webhook("invalid")
		rawError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	req, err := s.lifecycle.FindBySlug(ctx, ev.LinkSlug)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRequestNotFound) {
			s.metrics.webhook("unknown_link")
			rawError(w, http.StatusNotFound, "Request not found for this link")
			return
		}
		s.logger.Error("webhook lookup failed", zap.Error(err))
		rawError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	id := req.ID
	req, changed, err := s.lifecycle.MarkPaid(ctx, id, ev.Reference())
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			s.metrics.webhook("conflict")
			rawError(w, http.StatusConflict, "Request cannot accept payment")
			return
		}
		s.logger.Error("mark paid failed", zap.String("request_id", id), zap.Error(err))
		rawError(w, http.StatusInternalServerError, "Database update failed")
		return
	}

	log := s.logger.With(zap.String("request_id", req.ID), zap.Bool("replay", !changed))
	if changed {
		log.Info("payment confirmed", zap.String("payment_ref", ev.Reference()))
		s.activity.Record(ctx, activity.KindPayment, fmt.Sprintf("Payment confirmed: $%s USDC for %s",
			req.PriceUSDC.StringFixed(2), req.Tier()), req.ID)
	}

	s.settleSideQueues(ctx, req)

	if req.Status == db.StatusPaid && req.FulfillDispatchedAt == nil {
		if err := s.agent.DispatchFulfill(ctx, req); err != nil {
			s.metrics.webhook("dispatch_failed")
			log.Error("agent hand-off failed", zap.Error(err))
			s.activity.Record(ctx, activity.KindError, "Failed to trigger fulfillment", req.ID)
			rawError(w, http.StatusServiceUnavailable, "Failed to trigger fulfillment")
			return
		}
		if err := s.lifecycle.MarkDispatched(ctx, req.ID); err != nil {
			log.Error("failed to stamp dispatch", zap.Error(err))
		}
		log.Info("fulfillment dispatched")
	}

	if changed {
		s.metrics.webhook("paid")
	} else {
		s.metrics.webhook("replay")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"requestId": req.ID,
		"status":    req.Status,
	})
}

// settleSideQueues records the coffee order or credit sponsorship a paid
// request carries. Each entry is keyed by request id so replays are no-ops.
// Failures are logged and never fail the webhook.
func (s *Server) settleSideQueues(ctx context.Context, req *db.Request) {
	if req.Status != db.StatusPaid && req.Status != db.StatusFulfilled {
		return
	}
	sponsor := coffee.SponsorHuman
	if req.Source == db.SourceExternalAgent {
		sponsor = coffee.SponsorAgent
	}

	switch req.Tier() {
	case oracle.CoffeeOrder:
		order, created, err := s.coffee.Enqueue(ctx, coffee.Order{
			RequestID:     req.ID,
			OrderText:     req.Prompt,
			EstimatedCost: req.PriceUSDC,
			FinalPrice:    req.PriceUSDC,
			SponsorType:   sponsor,
		})
		if err != nil {
			s.logger.Error("coffee enqueue failed", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
		if !created {
			return
		}
		s.activity.Record(ctx, activity.KindCoffee, "Coffee order queued: "+truncate(order.OrderText, 80), req.ID)
		if s.notifier == nil {
			return
		}
		ref := ""
		if req.PaymentRef != nil {
			ref = *req.PaymentRef
		}
		if err := s.notifier.Notify(ctx, notify.CoffeeReady(order.ID, order.OrderText, order.FinalPriceUSDC, ref)); err != nil {
			s.logger.Warn("owner notification failed", zap.String("order_id", order.ID), zap.Error(err))
		}

	case oracle.CreditSponsor:
		if _, err := s.credit.Sponsor(ctx, credit.Sponsorship{
			RequestID:   req.ID,
			Amount:      req.PriceUSDC,
			Message:     req.Prompt,
			SponsorType: sponsor,
		}); err != nil {
			s.logger.Error("credit sponsorship failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
}
