package webserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/activity"
	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/giftcard"
	"github.com/tejzpr/agentmart/internal/oracle"
)

func (s *Server) handleCreditState(w http.ResponseWriter, r *http.Request) {
	st, err := s.credit.State(r.Context())
	if err != nil {
		s.failErr(w, r, err, "Failed to load credit state")
		return
	}
	ok(w, http.StatusOK, st)
}

type usageBody struct {
	Tokens int64 `json:"tokens"`
}

func (s *Server) handleCreditUsage(w http.ResponseWriter, r *http.Request) {
	var body usageBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.Tokens <= 0 {
		fail(w, http.StatusBadRequest, "tokens must be positive")
		return
	}
	st, err := s.credit.RecordUsage(r.Context(), body.Tokens)
	if err != nil {
		s.failErr(w, r, err, "Failed to record usage")
		return
	}
	ok(w, http.StatusOK, st)
}

func (s *Server) handleAutoBuyCheck(w http.ResponseWriter, r *http.Request) {
	e, err := s.credit.Eligibility(r.Context())
	if err != nil {
		s.failErr(w, r, err, "Failed to check auto-buy")
		return
	}
	ok(w, http.StatusOK, e)
}

// handleAutoBuy answers 200 with purchased=false when the claim is refused.
func (s *Server) handleAutoBuy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.handlerContext(r)
	defer cancel()

	p, err := s.credit.AutoBuy(ctx)
	if err != nil {
		s.failErr(w, r, err, "Auto-buy failed")
		return
	}
	ok(w, http.StatusOK, p)
}

type sponsorBody struct {
	Message string `json:"message"`
}

// handleCreditSponsor opens a CREDIT_SPONSOR request with a checkout link for
// the configured sponsorship amount. The webhook credits the balance.
func (s *Server) handleCreditSponsor(w http.ResponseWriter, r *http.Request) {
	var body sponsorBody
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	body.Message = strings.TrimSpace(body.Message)
	if err := checkLen("message", body.Message, 0, 500); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Message == "" {
		body.Message = "Credit sponsorship"
	}
	amount := s.cfg.Credit.SponsorAmount
	if !amount.IsPositive() {
		fail(w, http.StatusServiceUnavailable, "Credit sponsorship is disabled")
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	req, err := s.intake(ctx, body.Message, db.SourceHumanUI, "", oracle.Result{
		Classification:   oracle.CreditSponsor,
		Price:            amount,
		ShouldCreateLink: true,
		Reasoning:        fmt.Sprintf("Sponsor $%s of model credits", amount.StringFixed(2)),
	})
	if err != nil {
		s.failErr(w, r, err, "Sponsorship failed")
		return
	}
	ok(w, http.StatusCreated, s.viewOf(req))
}

// handleWallet returns a raw document, outside the envelope.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if s.wallet == nil {
		rawError(w, http.StatusServiceUnavailable, "Wallet not configured")
		return
	}
	ctx, cancel := s.handlerContext(r)
	defer cancel()

	info, err := s.wallet.Info(ctx)
	if err != nil {
		s.logger.Error("wallet info failed", zap.Error(err))
		rawError(w, http.StatusInternalServerError, "Failed to get wallet info")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGiftCardCatalog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.handlerContext(r)
	defer cancel()
	ok(w, http.StatusOK, s.giftcards.Catalog(ctx))
}

func (s *Server) handleGiftCardPurchase(w http.ResponseWriter, r *http.Request) {
	if !s.isAgentSecret(r) {
		fail(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var body giftcard.PurchaseRequest
	if err := decodeJSON(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctx, cancel := s.handlerContext(r)
	defer cancel()

	receipt, err := s.giftcards.Purchase(ctx, body)
	if err != nil {
		var invalid giftcard.ValidationError
		if errors.As(err, &invalid) {
			fail(w, http.StatusBadRequest, invalid.Error())
			return
		}
		s.activity.Record(ctx, activity.KindError, "Gift card purchase failed", "")
		s.failErr(w, r, err, "Gift card purchase failed")
		return
	}
	s.activity.Record(ctx, activity.KindGiftCard, receipt.Message, "")
	ok(w, http.StatusOK, receipt)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.activity.Recent(r.Context(), 50)
	if err != nil {
		s.failErr(w, r, err, "Failed to load activity")
		return
	}
	ok(w, http.StatusOK, entries)
}
