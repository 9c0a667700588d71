package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/activity"
	"github.com/tejzpr/agentmart/internal/agent"
	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/lifecycle"
	"github.com/tejzpr/agentmart/internal/oracle"
	"github.com/tejzpr/agentmart/internal/payment"
)

type requestView struct {
	ID             string                `json:"id"`
	Classification oracle.Classification `json:"classification"`
	PriceUSDC      decimal.Decimal       `json:"price_usdc"`
	Status         db.Status             `json:"status"`
	PaymentLink    *string               `json:"payment_link,omitempty"`
	Deliverable    *string               `json:"deliverable,omitempty"`
	StatusURL      string                `json:"status_url"`
}

func (s *Server) viewOf(req *db.Request) requestView {
	return requestView{
		ID:             req.ID,
		Classification: req.Tier(),
		PriceUSDC:      req.PriceUSDC,
		Status:         req.Status,
		PaymentLink:    req.PaymentLink,
		Deliverable:    req.Deliverable,
		StatusURL:      s.statusURL(req.ID),
	}
}

func (s *Server) statusURL(id string) string {
	return s.cfg.PublicBaseURL + "/status/" + id
}

// intake creates a request and settles it against the quote: free requests
// are answered inline, paid ones get a checkout link.
func (s *Server) intake(ctx context.Context, prompt string, source db.Source, callbackURL string, res oracle.Result) (*db.Request, error) {
	req, err := s.lifecycle.Create(ctx, lifecycle.NewRequest{
		Prompt:      prompt,
		Source:      source,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.intake.WithLabelValues(string(res.Classification)).Inc()
	s.activity.Record(ctx, activity.KindRequest,
		fmt.Sprintf("New %s request from %s", res.Classification, source), req.ID)

	if !res.ShouldCreateLink {
		return s.lifecycle.ResolveFree(ctx, req.ID, res, oracle.FreeResponse(prompt))
	}

	link, err := s.links.CreateLink(ctx, payment.LinkRequest{
		Slug:        payment.MintSlug(),
		Title:       fmt.Sprintf("%s request", res.Classification),
		Description: truncate(prompt, 200),
		Price:       res.Price,
		URL:         req.DeliveryURL,
		WebhookURL:  s.cfg.WebhookURL(),
	})
	if err != nil {
		s.logger.Error("payment link creation failed", zap.String("request_id", req.ID), zap.Error(err))
		if _, ferr := s.lifecycle.Fail(ctx, req.ID, "payment link creation failed"); ferr != nil {
			s.logger.Error("failed to fail request", zap.String("request_id", req.ID), zap.Error(ferr))
		}
		return nil, errors.Wrap(errPaymentLink, err.Error())
	}
	return s.lifecycle.AttachLink(ctx, req.ID, res, link.URL, link.Slug)
}

type intakeBody struct {
	Prompt      string `json:"prompt"`
	CallbackURL string `json:"callbackUrl"`
}

func (b *intakeBody) validate(allowCallback bool) error {
	b.Prompt = strings.TrimSpace(b.Prompt)
	b.CallbackURL = strings.TrimSpace(b.CallbackURL)
	if err := checkLen("prompt", b.Prompt, 1, 5000); err != nil {
		return err
	}
	if allowCallback && b.CallbackURL != "" {
		return checkCallbackURL(b.CallbackURL)
	}
	return nil
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body intakeBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := body.validate(false); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	req, err := s.intake(ctx, body.Prompt, db.SourceHumanUI, "", oracle.Classify(body.Prompt))
	if err != nil {
		s.failErr(w, r, err, "Request create failed")
		return
	}
	ok(w, http.StatusCreated, s.viewOf(req))
}

// handleAgentRequest answers free prompts inline and quotes paid ones with a
// 402 carrying the checkout link.
func (s *Server) handleAgentRequest(w http.ResponseWriter, r *http.Request) {
	var body intakeBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := body.validate(true); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	res := oracle.Classify(body.Prompt)
	req, err := s.intake(ctx, body.Prompt, db.SourceExternalAgent, body.CallbackURL, res)
	if err != nil {
		s.failErr(w, r, err, "Agent request create failed")
		return
	}
	if req.Status == db.StatusFulfilled {
		ok(w, http.StatusOK, s.viewOf(req))
		return
	}
	writeJSON(w, http.StatusPaymentRequired,
		oracle.PaymentRequired(req.ID, res, *req.PaymentLink, s.statusURL(req.ID), req.Prompt))
}

type statusView struct {
	ID             string                 `json:"id"`
	Classification *oracle.Classification `json:"classification"`
	PriceUSDC      decimal.Decimal        `json:"price_usdc"`
	Status         db.Status              `json:"status"`
	PaymentLink    *string                `json:"payment_link"`
	PaymentRef     *string                `json:"payment_ref"`
	Deliverable    *string                `json:"deliverable"`
	DeliveryURL    string                 `json:"delivery_url"`
	FailureReason  *string                `json:"failure_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrRequestNotFound) {
			fail(w, http.StatusNotFound, "Not found")
			return
		}
		s.failErr(w, r, err, "Status failed")
		return
	}
	ok(w, http.StatusOK, statusView{
		ID:             req.ID,
		Classification: req.Classification,
		PriceUSDC:      req.PriceUSDC,
		Status:         req.Status,
		PaymentLink:    req.PaymentLink,
		PaymentRef:     req.PaymentRef,
		Deliverable:    req.Deliverable,
		DeliveryURL:    req.DeliveryURL,
		FailureReason:  req.FailureReason,
		CreatedAt:      req.CreatedAt,
	})
}

type callbackBody struct {
	RequestID string  `json:"requestId"`
	Status    string  `json:"status"`
	Answer    *string `json:"answer"`
	Reason    string  `json:"reason"`
}

// handleAgentCallback takes the agent's completion report and relays the
// outcome to the caller's callback url.
func (s *Server) handleAgentCallback(w http.ResponseWriter, r *http.Request) {
	var body callbackBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.RequestID == "" {
		fail(w, http.StatusBadRequest, "requestId is required")
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	var (
		req     *db.Request
		changed bool
		err     error
	)
	switch db.Status(body.Status) {
	case db.StatusFulfilled:
		if body.Answer == nil {
			fail(w, http.StatusBadRequest, "answer is required")
			return
		}
		if err := checkLen("answer", *body.Answer, 1, 20000); err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		req, changed, err = s.lifecycle.Fulfill(ctx, body.RequestID, lifecycle.Delivery{Deliverable: body.Answer})
	case db.StatusFailed:
		reason := strings.TrimSpace(body.Reason)
		if reason == "" {
			reason = "agent reported failure"
		}
		prev, gerr := s.lifecycle.Get(ctx, body.RequestID)
		if gerr != nil {
			s.failErr(w, r, gerr, "Callback failed")
			return
		}
		req, err = s.lifecycle.Fail(ctx, body.RequestID, reason)
		changed = err == nil && prev.Status != db.StatusFailed
	default:
		fail(w, http.StatusBadRequest, "status must be FULFILLED or FAILED")
		return
	}
	if err != nil {
		s.failErr(w, r, err, "Callback failed")
		return
	}

	if changed {
		s.relayOutcome(ctx, req)
	}
	ok(w, http.StatusOK, map[string]any{"requestId": req.ID, "status": req.Status})
}

// relayOutcome notifies the caller's callback url. Failures are logged only.
func (s *Server) relayOutcome(ctx context.Context, req *db.Request) {
	if req.CallbackURL == nil || s.relay == nil {
		return
	}
	if err := s.relay.Relay(ctx, *req.CallbackURL, agent.OutcomeFor(req)); err != nil {
		s.logger.Warn("callback relay failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}

// handleGetJSON serves the stored structured answer as a raw document.
func (s *Server) handleGetJSON(w http.ResponseWriter, r *http.Request) {
	req, err := s.lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrRequestNotFound) {
			rawError(w, http.StatusNotFound, "Request not found")
			return
		}
		s.logger.Error("load json answer", zap.Error(err))
		rawError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if req.JSONAnswer == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "Answer not ready yet",
			"status":  req.Status,
			"message": "Please wait, answer is being generated...",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, *req.JSONAnswer)
}

// handleStoreJSON stores the agent's structured answer and fulfills the request.
func (s *Server) handleStoreJSON(w http.ResponseWriter, r *http.Request) {
	if !s.isAgentBearer(r) {
		rawError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(raw) {
		rawError(w, http.StatusBadRequest, "Body must be valid JSON")
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	answer := string(raw)
	req, changed, err := s.lifecycle.Fulfill(ctx, r.PathValue("id"), lifecycle.Delivery{JSONAnswer: &answer})
	switch {
	case errors.Is(err, lifecycle.ErrRequestNotFound):
		rawError(w, http.StatusNotFound, "Request not found")
		return
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		rawError(w, http.StatusConflict, "Request is not awaiting an answer")
		return
	case err != nil:
		s.logger.Error("store json answer", zap.Error(err))
		rawError(w, http.StatusInternalServerError, "Failed to store answer")
		return
	}

	message := "Answer already stored"
	if changed {
		message = "Answer stored successfully"
		s.activity.Record(ctx, activity.KindFulfill, "JSON answer stored", req.ID)
		s.relayOutcome(ctx, req)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

type fulfillBody struct {
	Deliverable    string  `json:"deliverable"`
	PaymentRef     *string `json:"paymentRef"`
	Classification *string `json:"classification"`
}

func (b *fulfillBody) validate() error {
	if err := checkLen("deliverable", b.Deliverable, 1, 20000); err != nil {
		return err
	}
	if b.PaymentRef != nil {
		if err := checkLen("paymentRef", *b.PaymentRef, 0, 300); err != nil {
			return err
		}
	}
	if b.Classification != nil && !oracle.Classification(*b.Classification).Valid() {
		return badRequest("classification is not a known tier")
	}
	return nil
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	var body fulfillBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := body.validate(); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	d := lifecycle.Delivery{Deliverable: &body.Deliverable, PaymentRef: body.PaymentRef}
	if body.Classification != nil {
		c := oracle.Classification(*body.Classification)
		d.Classification = &c
	}
	req, changed, err := s.lifecycle.Fulfill(ctx, r.PathValue("id"), d)
	if err != nil {
		s.failErr(w, r, err, "Fulfillment failed")
		return
	}
	if changed {
		s.activity.Record(ctx, activity.KindFulfill, "Deliverable stored", req.ID)
		s.relayOutcome(ctx, req)
	}
	ok(w, http.StatusOK, map[string]any{"requestId": req.ID, "status": req.Status})
}

func (s *Server) handleListByStatus(status db.Status, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqs, err := s.lifecycle.ListByStatus(r.Context(), status, limit)
		if err != nil {
			s.failErr(w, r, err, "Failed to fetch requests")
			return
		}
		ok(w, http.StatusOK, map[string]any{"requests": reqs})
	}
}

type storeBody struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (s *Server) handleAgentStore(w http.ResponseWriter, r *http.Request) {
	var body storeBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.ID, body.Username = strings.TrimSpace(body.ID), strings.TrimSpace(body.Username)
	if err := firstErr(checkLen("id", body.ID, 1, 120), checkLen("username", body.Username, 1, 120)); err != nil {
		fail(w, http.StatusBadRequest, "Store ID and username required")
		return
	}
	if _, err := db.SaveAgentStore(r.Context(), s.db, body.ID, body.Username); err != nil {
		s.failErr(w, r, err, "Failed to save store info")
		return
	}
	ok(w, http.StatusOK, map[string]string{"status": "Store info saved", "storeId": body.ID})
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
