// Package credit tracks the agent's model-credit ledger: token usage,
// sponsorships paid by users, and automatic top-ups paid from the agent wallet.
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tejzpr/agentmart/internal/activity"
	"github.com/tejzpr/agentmart/internal/config"
	"github.com/tejzpr/agentmart/internal/db"
)

type Wallet interface {
	Address() common.Address
	Balance(ctx context.Context) (decimal.Decimal, error)
	Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) (string, error)
}

type Charger interface {
	CreateCharge(ctx context.Context, amount decimal.Decimal, sender common.Address) (common.Address, error)
}

const (
	autoBuyStatusSuccess = "success"
	autoBuyStatusFailed  = "failed"
)

type Service struct {
	db       *gorm.DB
	cfg      config.CreditConfig
	activity *activity.Log
	wallet   Wallet
	charger  Charger
	logger   *zap.Logger
	now      func() time.Time
}

// NewService wires the ledger. wallet and charger may be nil when not
// configured; auto-buy then fails after its claim is compensated.
func NewService(d *gorm.DB, cfg config.CreditConfig, act *activity.Log, wallet Wallet, charger Charger, logger *zap.Logger) *Service {
	return &Service{
		db:       d,
		cfg:      cfg,
		activity: act,
		wallet:   wallet,
		charger:  charger,
		logger:   logger.Named("credit"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) State(ctx context.Context) (*db.CreditState, error) {
	var st db.CreditState
	if err := s.db.WithContext(ctx).First(&st, "id = ?", db.CreditStateID).Error; err != nil {
		return nil, errors.Wrap(err, "query credit state")
	}
	return &st, nil
}

// RecordUsage adds consumed model tokens to the counter.
func (s *Service) RecordUsage(ctx context.Context, tokens int64) (*db.CreditState, error) {
	err := s.db.WithContext(ctx).Model(&db.CreditState{}).
		Where("id = ?", db.CreditStateID).
		Updates(map[string]any{
			"tokens_since_last_purchase": gorm.Expr("tokens_since_last_purchase + ?", tokens),
			"updated_at":                 s.now(),
		}).Error
	if err != nil {
		return nil, errors.Wrap(err, "record token usage")
	}
	return s.State(ctx)
}

type Sponsorship struct {
	RequestID   string
	Amount      decimal.Decimal
	Message     string
	SponsorType string
}

// Sponsor records a paid sponsorship and credits the balance. A sponsorship
// already recorded for the request is not credited twice.
func (s *Service) Sponsor(ctx context.Context, in Sponsorship) (created bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		purchase := &db.CreditPurchase{
			SponsorMessage: in.Message,
			AmountUSDC:     in.Amount,
			PaidUSDC:       in.Amount,
			SponsorType:    in.SponsorType,
			Status:         db.CreditSponsored,
		}
		if in.RequestID != "" {
			rid := in.RequestID
			purchase.RequestID = &rid
		}
		result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
			Create(purchase)
		if result.Error != nil {
			return errors.Wrap(result.Error, "insert sponsorship")
		}
		if result.RowsAffected == 0 {
			return nil
		}
		created = true
		return errors.Wrap(tx.Model(&db.CreditState{}).
			Where("id = ?", db.CreditStateID).
			Updates(map[string]any{
				"credit_balance_usdc": gorm.Expr("credit_balance_usdc + ?", in.Amount),
				"updated_at":          s.now(),
			}).Error, "credit sponsorship")
	})
	if err != nil {
		return false, err
	}
	if created {
		s.activity.Record(ctx, activity.KindCredit,
			fmt.Sprintf("Credit sponsored: $%s USDC", in.Amount.StringFixed(2)), in.RequestID)
	}
	return created, nil
}

type Eligibility struct {
	ShouldAutoBuy    bool            `json:"should_auto_buy"`
	Reason           string          `json:"reason,omitempty"`
	TokensUsed       int64           `json:"tokens_used"`
	Balance          decimal.Decimal `json:"balance"`
	ThresholdTokens  int64           `json:"threshold_tokens"`
	ThresholdBalance decimal.Decimal `json:"threshold_balance"`
	InProgress       bool            `json:"in_progress"`
}

// Eligibility reports whether an auto-buy would claim right now.
func (s *Service) Eligibility(ctx context.Context) (*Eligibility, error) {
	st, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	el := &Eligibility{
		TokensUsed:       st.TokensSinceLastPurchase,
		Balance:          st.CreditBalanceUSDC,
		ThresholdTokens:  s.cfg.TokenThreshold,
		ThresholdBalance: s.cfg.MinBalance,
		InProgress:       st.AutoBuyInProgress,
	}
	el.Reason = s.blockedReason(st)
	el.ShouldAutoBuy = el.Reason == ""
	return el, nil
}

func (s *Service) minBalance() decimal.Decimal {
	return decimal.Max(s.cfg.MinBalance, s.cfg.PurchaseAmount)
}

func (s *Service) blockedReason(st *db.CreditState) string {
	switch {
	case st.AutoBuyInProgress:
		return "Auto-buy already in progress"
	case st.TokensSinceLastPurchase < s.cfg.TokenThreshold:
		return fmt.Sprintf("Only %d tokens used (need %d)", st.TokensSinceLastPurchase, s.cfg.TokenThreshold)
	case st.CreditBalanceUSDC.LessThan(s.minBalance()):
		return fmt.Sprintf("Balance $%s < $%s (insufficient)", st.CreditBalanceUSDC.StringFixed(2), s.minBalance().StringFixed(2))
	}
	return ""
}

type Purchase struct {
	Purchased       bool            `json:"purchased"`
	Reason          string          `json:"reason,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	TokensReset     int64           `json:"tokens_reset"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	PurchaseID      string          `json:"purchase_id,omitempty"`
	WalletAddress   string          `json:"wallet_address,omitempty"`
}

// AutoBuy tops up model credits when enough tokens were used and the ledger
// can afford it. The claim is one conditional update: of two concurrent
// callers only one proceeds, the other gets Purchased=false. Failures after
// the claim restore the balance.
func (s *Service) AutoBuy(ctx context.Context) (*Purchase, error) {
	amount := s.cfg.PurchaseAmount
	message := fmt.Sprintf("Purchasing $%s credits from OpenRouter...", amount.StringFixed(2))

	// Only the tokens seen here are claimed; usage recorded after this read
	// survives the purchase.
	before, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	claimedTokens := before.TokensSinceLastPurchase

	result := s.db.WithContext(ctx).Model(&db.CreditState{}).
		Where("id = ? AND tokens_since_last_purchase >= ? AND tokens_since_last_purchase >= ? AND credit_balance_usdc >= ? AND auto_buy_in_progress = ?",
			db.CreditStateID, s.cfg.TokenThreshold, claimedTokens, s.minBalance(), false).
		Updates(map[string]any{
			"credit_balance_usdc":   gorm.Expr("credit_balance_usdc - ?", amount),
			"auto_buy_in_progress":  true,
			"last_auto_buy_status":  nil,
			"last_auto_buy_message": message,
			"updated_at":            s.now(),
		})
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "claim auto-buy")
	}

	st, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		reason := s.blockedReason(st)
		if reason == "" {
			reason = "Auto-buy conditions changed"
		}
		return &Purchase{
			Purchased:       false,
			Reason:          reason,
			PreviousBalance: st.CreditBalanceUSDC,
			NewBalance:      st.CreditBalanceUSDC,
		}, nil
	}

	newBalance := st.CreditBalanceUSDC
	previous := newBalance.Add(amount)

	purchase := &db.CreditPurchase{
		SponsorMessage: "Auto-purchase by agent",
		AmountUSDC:     amount,
		PaidUSDC:       amount,
		SponsorType:    "agent",
		Status:         db.CreditAutoBuying,
	}
	if err := s.db.WithContext(ctx).Create(purchase).Error; err != nil {
		return nil, s.abort(ctx, nil, amount, errors.Wrap(err, "insert auto-buy purchase"))
	}

	txHash, err := s.pay(ctx, amount)
	if err != nil {
		return nil, s.abort(ctx, purchase, amount, err)
	}

	now := s.now()
	day := now.Format(time.DateOnly)
	if err := s.db.WithContext(ctx).Model(purchase).Updates(map[string]any{
		"status":       db.CreditPurchased,
		"tx_hash":      txHash,
		"purchase_day": day,
		"updated_at":   now,
	}).Error; err != nil {
		s.logger.Error("failed to mark purchase complete", zap.String("purchase_id", purchase.ID), zap.Error(err))
	}

	done := fmt.Sprintf("Auto-bought $%s! Balance: $%s -> $%s", amount.StringFixed(2), previous.StringFixed(2), newBalance.StringFixed(2))
	if err := s.db.WithContext(ctx).Model(&db.CreditState{}).
		Where("id = ?", db.CreditStateID).
		Updates(map[string]any{
			"tokens_since_last_purchase": gorm.Expr("tokens_since_last_purchase - ?", claimedTokens),
			"daily_purchase_count":       gorm.Expr("daily_purchase_count + 1"),
			"last_auto_purchase_at":      now,
			"auto_buy_in_progress":       false,
			"last_auto_buy_status":       autoBuyStatusSuccess,
			"last_auto_buy_message":      done,
			"last_auto_buy_error":        nil,
			"updated_at":                 now,
		}).Error; err != nil {
		return nil, errors.Wrap(err, "settle auto-buy state")
	}

	address := s.wallet.Address().Hex()
	s.activity.Record(ctx, activity.KindCreditAutoPurchase, fmt.Sprintf(
		"Auto-bought $%s credits with Base USDC | Wallet: %s | Tx: %s | Balance: $%s -> $%s | Tokens reset: %d -> 0",
		amount.StringFixed(2), address, txHash, previous.StringFixed(2), newBalance.StringFixed(2), claimedTokens), "")
	s.logger.Info("auto-buy complete",
		zap.String("purchase_id", purchase.ID),
		zap.String("tx_hash", txHash),
		zap.String("new_balance", newBalance.String()),
	)

	return &Purchase{
		Purchased:       true,
		Amount:          amount,
		PreviousBalance: previous,
		NewBalance:      newBalance,
		TokensReset:     claimedTokens,
		TransactionHash: txHash,
		PurchaseID:      purchase.ID,
		WalletAddress:   address,
	}, nil
}

// ResetDaily zeroes the daily purchase counter. The scheduler calls it at
// midnight UTC.
func (s *Service) ResetDaily(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&db.CreditState{}).
		Where("id = ?", db.CreditStateID).
		Updates(map[string]any{"daily_purchase_count": 0, "updated_at": s.now()}).Error
	return errors.Wrap(err, "reset credit purchase counter")
}

func (s *Service) pay(ctx context.Context, amount decimal.Decimal) (string, error) {
	if s.wallet == nil {
		return "", ErrWalletNotConfigured
	}
	if s.charger == nil {
		return "", ErrChargerNotConfigured
	}
	balance, err := s.wallet.Balance(ctx)
	if err != nil {
		return "", errors.Wrap(err, "read wallet balance")
	}
	if balance.LessThan(amount) {
		return "", errors.Wrapf(ErrInsufficientFunds, "have $%s, need $%s, fund wallet %s",
			balance.StringFixed(2), amount.StringFixed(2), s.wallet.Address().Hex())
	}
	recipient, err := s.charger.CreateCharge(ctx, amount, s.wallet.Address())
	if err != nil {
		return "", err
	}
	return s.wallet.Transfer(ctx, recipient, amount)
}

// abort compensates a claimed auto-buy and returns cause.
func (s *Service) abort(ctx context.Context, purchase *db.CreditPurchase, amount decimal.Decimal, cause error) error {
	now := s.now()
	if purchase != nil {
		msg := cause.Error()
		if err := s.db.WithContext(ctx).Model(purchase).Updates(map[string]any{
			"status":          db.CreditFailed,
			"provider_status": msg,
			"updated_at":      now,
		}).Error; err != nil {
			s.logger.Error("failed to mark purchase failed", zap.String("purchase_id", purchase.ID), zap.Error(err))
		}
	}

	if err := s.db.WithContext(ctx).Model(&db.CreditState{}).
		Where("id = ?", db.CreditStateID).
		Updates(map[string]any{
			"credit_balance_usdc":   gorm.Expr("credit_balance_usdc + ?", amount),
			"auto_buy_in_progress":  false,
			"last_auto_buy_status":  autoBuyStatusFailed,
			"last_auto_buy_message": "Purchase failed: " + cause.Error(),
			"last_auto_buy_error":   fmt.Sprintf("%+v", cause),
			"updated_at":            now,
		}).Error; err != nil {
		s.logger.Error("failed to restore credit state after auto-buy failure", zap.Error(err))
	}

	s.activity.Record(ctx, activity.KindError, "Auto-buy failed: "+cause.Error(), "")
	s.logger.Warn("auto-buy failed", zap.Error(cause))
	return cause
}
