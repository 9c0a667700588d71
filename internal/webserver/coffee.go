package webserver

import (
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/tejzpr/agentmart/internal/activity"
	"github.com/tejzpr/agentmart/internal/coffee"
	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/notify"
)

type coffeeOrderBody struct {
	OrderText         string          `json:"orderText"`
	EstimatedCostUSDC decimal.Decimal `json:"estimatedCostUsdc"`
	FinalPriceUSDC    decimal.Decimal `json:"finalPriceUsdc"`
	SponsorType       string          `json:"sponsorType"`
}

func (b *coffeeOrderBody) validate() error {
	b.OrderText = strings.TrimSpace(b.OrderText)
	switch b.SponsorType {
	case "":
		b.SponsorType = coffee.SponsorHuman
	case coffee.SponsorHuman, coffee.SponsorAgent:
	default:
		return badRequest("sponsorType must be human or agent")
	}
	return firstErr(
		checkLen("orderText", b.OrderText, 3, 2000),
		checkPositive("estimatedCostUsdc", b.EstimatedCostUSDC),
		checkPositive("finalPriceUsdc", b.FinalPriceUSDC),
	)
}

func (s *Server) handleCoffeeQuote(w http.ResponseWriter, r *http.Request) {
	var body coffeeOrderBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := body.validate(); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	ok(w, http.StatusOK, map[string]any{
		"orderText":         body.OrderText,
		"estimatedCostUsdc": body.EstimatedCostUSDC,
		"finalPriceUsdc":    body.FinalPriceUSDC,
		"note":              "Quote only. Queue after payment confirmation.",
	})
}

func (s *Server) handleCoffeeQueue(w http.ResponseWriter, r *http.Request) {
	var body coffeeOrderBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := body.validate(); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	order, _, err := s.coffee.Enqueue(r.Context(), coffee.Order{
		OrderText:     body.OrderText,
		EstimatedCost: body.EstimatedCostUSDC,
		FinalPrice:    body.FinalPriceUSDC,
		SponsorType:   body.SponsorType,
	})
	if err != nil {
		s.failErr(w, r, err, "Queue failed")
		return
	}
	s.activity.Record(r.Context(), activity.KindCoffee, "Coffee order queued: "+truncate(order.OrderText, 80), "")
	ok(w, http.StatusCreated, map[string]any{"id": order.ID, "status": order.Status})
}

type executeBody struct {
	Force         bool   `json:"force"`
	CoffeeOrderID string `json:"coffeeOrderId"`
}

// handleCoffeeExecute checks force before the caller: a non-admin asking to
// force gets 403, not 401. An empty body executes the oldest order.
func (s *Server) handleCoffeeExecute(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.Force && !s.isAdmin(r) {
		fail(w, http.StatusForbidden, "Force execution requires admin")
		return
	}
	if !s.isTrusted(r) {
		fail(w, http.StatusUnauthorized, "Unauthorized caller")
		return
	}
	if body.CoffeeOrderID != "" {
		if err := checkUUID("coffeeOrderId", body.CoffeeOrderID); err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	order, err := s.coffee.Execute(r.Context(), body.CoffeeOrderID, body.Force)
	switch {
	case errors.Is(err, coffee.ErrExecutionWindow):
		fail(w, http.StatusTooManyRequests, "Daily execution limit reached or batch window not reached")
		return
	case errors.Is(err, coffee.ErrNoQueuedOrders):
		fail(w, http.StatusNotFound, "No queued orders")
		return
	case err != nil:
		s.failErr(w, r, err, "Execute failed")
		return
	}
	ok(w, http.StatusOK, map[string]any{
		"coffeeOrderId":  order.ID,
		"status":         order.Status,
		"orderText":      order.OrderText,
		"finalPriceUsdc": order.FinalPriceUSDC,
		"note":           "Run the purchase flow and report progress to /coffee/callback",
	})
}

type coffeeCallbackBody struct {
	CoffeeOrderID    string  `json:"coffeeOrderId"`
	Status           string  `json:"status"`
	ProviderStatus   *string `json:"providerStatus"`
	BitrefillOrderID string  `json:"bitrefillOrderId"`
	SwiggyOrderID    string  `json:"swiggyOrderId"`
	GiftLast4        string  `json:"giftLast4"`
}

func (b *coffeeCallbackBody) validate() error {
	switch db.CoffeeStatus(b.Status) {
	case db.CoffeeFundingAcquired, db.CoffeeOrderPlaced, db.CoffeeDelivered, db.CoffeeFailed:
	default:
		return badRequest("status must be FUNDING_ACQUIRED, ORDER_PLACED, DELIVERED or FAILED")
	}
	errs := []error{
		checkUUID("coffeeOrderId", b.CoffeeOrderID),
		checkLen("bitrefillOrderId", b.BitrefillOrderID, 0, 120),
		checkLen("swiggyOrderId", b.SwiggyOrderID, 0, 120),
		checkLen("giftLast4", b.GiftLast4, 0, 8),
	}
	if b.ProviderStatus != nil {
		errs = append(errs, checkLen("providerStatus", *b.ProviderStatus, 0, 120))
	}
	return firstErr(errs...)
}

func (s *Server) handleCoffeeCallback(w http.ResponseWriter, r *http.Request) {
	var body coffeeCallbackBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := body.validate(); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	status := db.CoffeeStatus(body.Status)
	changed, err := s.coffee.Report(r.Context(), coffee.Progress{
		OrderID:          body.CoffeeOrderID,
		Status:           status,
		ProviderStatus:   body.ProviderStatus,
		BitrefillOrderID: body.BitrefillOrderID,
		SwiggyOrderID:    body.SwiggyOrderID,
		GiftLast4:        body.GiftLast4,
	})
	if err != nil {
		s.failErr(w, r, err, "Callback failed")
		return
	}
	if changed && (status == db.CoffeeDelivered || status == db.CoffeeFailed) {
		s.activity.Record(r.Context(), activity.KindCoffee, "Coffee order "+string(status), "")
	}
	ok(w, http.StatusOK, map[string]any{"coffeeOrderId": body.CoffeeOrderID, "status": status})
}

type trackBody struct {
	CoffeeOrderID  string  `json:"coffeeOrderId"`
	Delivered      bool    `json:"delivered"`
	ProviderStatus *string `json:"providerStatus"`
}

func (s *Server) handleCoffeeTrack(w http.ResponseWriter, r *http.Request) {
	var body trackBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	errs := []error{checkUUID("coffeeOrderId", body.CoffeeOrderID)}
	if body.ProviderStatus != nil {
		errs = append(errs, checkLen("providerStatus", *body.ProviderStatus, 0, 120))
	}
	if err := firstErr(errs...); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.coffee.Track(r.Context(), body.CoffeeOrderID, body.Delivered, body.ProviderStatus)
	if err != nil {
		s.failErr(w, r, err, "Track failed")
		return
	}
	ok(w, http.StatusOK, map[string]any{"coffeeOrderId": body.CoffeeOrderID, "status": status})
}

func (s *Server) handleCoffeeCanExecute(w http.ResponseWriter, r *http.Request) {
	can, err := s.coffee.CanExecute(r.Context())
	if err != nil {
		s.failErr(w, r, err, "Check failed")
		return
	}
	reason := "READY"
	if !can {
		reason = "LIMIT_OR_WINDOW"
	}
	ok(w, http.StatusOK, map[string]any{"canExecute": can, "reason": reason})
}

type notifyBody struct {
	OrderID    string          `json:"orderId"`
	OrderText  string          `json:"orderText"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"paymentRef"`
}

func (s *Server) handleCoffeeNotify(w http.ResponseWriter, r *http.Request) {
	var body notifyBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := firstErr(checkLen("orderId", body.OrderID, 1, 120), checkLen("orderText", body.OrderText, 1, 2000)); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.notifier == nil {
		fail(w, http.StatusInternalServerError, "Telegram not configured")
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	if err := s.notifier.Notify(ctx, notify.CoffeeReady(body.OrderID, body.OrderText, body.Amount, body.PaymentRef)); err != nil {
		s.failErr(w, r, err, "Telegram notification failed")
		return
	}
	ok(w, http.StatusOK, map[string]any{"notified": true, "orderId": body.OrderID})
}
