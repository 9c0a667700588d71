package giftcard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/config"
	"github.com/tejzpr/agentmart/internal/db"
)

// ValidationError is a rejected purchase request; its text is safe to show
// to the caller.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// Recorder keeps the audit row of a completed purchase.
type Recorder interface {
	RecordDelivered(ctx context.Context, orderText string, amount decimal.Decimal, providerOrderID string) (*db.CoffeeOrder, error)
}

type Service struct {
	client    *Client
	recorder  Recorder
	recipient string
	sandbox   bool
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(client *Client, recorder Recorder, cfg config.GiftCardConfig, logger *zap.Logger) *Service {
	return &Service{
		client:    client,
		recorder:  recorder,
		recipient: cfg.RecipientEmail,
		sandbox:   cfg.Sandbox,
		logger:    logger.Named("giftcard"),
		now:       time.Now,
	}
}

// MinimumAmount is 1 USDC in sandbox and 50 USDC in production.
func (s *Service) MinimumAmount() decimal.Decimal {
	if s.sandbox {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(50)
}

type ProductSummary struct {
	ProductID     int64  `json:"productId"`
	Name          string `json:"name"`
	Country       string `json:"country"`
	Denominations any    `json:"denominations"`
}

type Catalog struct {
	Service           string           `json:"service"`
	Provider          string           `json:"provider"`
	Sandbox           bool             `json:"sandbox"`
	MinimumAmount     decimal.Decimal  `json:"minimumAmount"`
	AvailableProducts []ProductSummary `json:"availableProducts,omitempty"`
	Note              string           `json:"note,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// Catalog lists a few Amazon products. Provider errors are reported inside
// the catalog rather than returned.
func (s *Service) Catalog(ctx context.Context) *Catalog {
	cat := &Catalog{
		Service:       "agentmart Gift Card Rewards",
		Provider:      "reloadly",
		Sandbox:       s.sandbox,
		MinimumAmount: s.MinimumAmount(),
	}
	token, err := s.client.Token(ctx)
	if err == nil {
		var products []Product
		products, err = s.client.SearchProducts(ctx, token, "amazon")
		if err == nil {
			if len(products) > 5 {
				products = products[:5]
			}
			for _, p := range products {
				var denominations any = fmt.Sprintf("%g-%g", p.MinRecipientDenomination, p.MaxRecipientDenomination)
				if len(p.FixedRecipientDenominations) > 0 {
					denominations = p.FixedRecipientDenominations
				}
				cat.AvailableProducts = append(cat.AvailableProducts, ProductSummary{
					ProductID:     p.ProductID,
					Name:          p.ProductName,
					Country:       p.CountryCode,
					Denominations: denominations,
				})
			}
			return cat
		}
	}
	cat.Note = "Configure RELOADLY_CLIENT_ID and RELOADLY_CLIENT_SECRET to enable"
	cat.Error = err.Error()
	return cat
}

type PurchaseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Provider    string          `json:"provider"`
	ProductType string          `json:"productType"`
	Reason      string          `json:"reason,omitempty"`
}

type Receipt struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   struct {
		TransactionID  int64           `json:"transactionId"`
		Product        string          `json:"product"`
		Amount         decimal.Decimal `json:"amount"`
		Status         string          `json:"status"`
		RecipientEmail string          `json:"recipientEmail"`
	} `json:"order"`
	Reason string `json:"reason"`
}

// Purchase buys a gift card of productType for amount and records it.
func (s *Service) Purchase(ctx context.Context, in PurchaseRequest) (*Receipt, error) {
	minimum := s.MinimumAmount()
	if in.Amount.LessThan(minimum) {
		return nil, ValidationError(fmt.Sprintf("Minimum amount is $%s USDC", minimum.String()))
	}
	if in.Provider != "reloadly" {
		return nil, ValidationError("Only 'reloadly' provider is supported")
	}
	if strings.TrimSpace(in.ProductType) == "" {
		return nil, ValidationError("productType required (e.g., amazon_us, steam)")
	}

	token, err := s.client.Token(ctx)
	if err != nil {
		return nil, err
	}
	products, err := s.client.SearchProducts(ctx, token, strings.Replace(in.ProductType, "_", " ", 1))
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, ValidationError("No gift card products found for: " + in.ProductType)
	}

	var product *Product
	for i := range products {
		if products[i].Supports(in.Amount) {
			product = &products[i]
			break
		}
	}
	if product == nil {
		return nil, ValidationError(fmt.Sprintf("No product found supporting $%s denomination", in.Amount.String()))
	}

	customID := "agentmart-" + strconv.FormatInt(s.now().UnixMilli(), 10)
	order, err := s.client.PlaceOrder(ctx, token, product.ProductID, in.Amount, s.recipient, customID)
	if err != nil {
		return nil, err
	}

	txID := strconv.FormatInt(order.TransactionID, 10)
	orderText := fmt.Sprintf("Gift Card: %s $%s", product.ProductName, in.Amount.String())
	if _, err := s.recorder.RecordDelivered(ctx, orderText, in.Amount, txID); err != nil {
		return nil, errors.Wrap(err, "record gift card order")
	}
	s.logger.Info("gift card purchased",
		zap.String("product", product.ProductName),
		zap.String("amount", in.Amount.String()),
		zap.String("transaction_id", txID),
	)

	r := &Receipt{
		Success: true,
		Message: fmt.Sprintf("Gift card purchased: %s $%s", product.ProductName, in.Amount.String()),
		Reason:  in.Reason,
	}
	if r.Reason == "" {
		r.Reason = "Self-reward for reaching earnings threshold"
	}
	r.Order.TransactionID = order.TransactionID
	r.Order.Product = product.ProductName
	r.Order.Amount = in.Amount
	r.Order.Status = order.Status
	r.Order.RecipientEmail = s.recipient
	return r, nil
}
