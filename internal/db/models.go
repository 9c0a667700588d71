package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tejzpr/agentmart/internal/oracle"
)

type Status string

const (
	StatusNew         Status = "NEW"
	StatusLinkCreated Status = "LINK_CREATED"
	StatusPaid        Status = "PAID"
	StatusFulfilled   Status = "FULFILLED"
	StatusFailed      Status = "FAILED"
)

// ParseStatus accepts the persisted values plus the legacy PENDING alias of NEW.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusNew, StatusLinkCreated, StatusPaid, StatusFulfilled, StatusFailed:
		return Status(s), true
	case "PENDING":
		return StatusNew, true
	}
	return "", false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusFailed
}

type Source string

const (
	SourceHumanUI       Source = "human_ui"
	SourceExternalAgent Source = "external_agent"
)

type Request struct {
	ID                  string                 `json:"id" gorm:"type:varchar(36);primaryKey"`
	Prompt              string                 `json:"prompt" gorm:"type:text;not null"`
	Source              Source                 `json:"source" gorm:"type:varchar(32);not null"`
	Classification      *oracle.Classification `json:"classification" gorm:"type:varchar(32)"`
	PriceUSDC           decimal.Decimal        `json:"price_usdc" gorm:"column:price_usdc;type:decimal(18,6);not null;default:0"`
	Reasoning           string                 `json:"reasoning,omitempty" gorm:"type:text"`
	Status              Status                 `json:"status" gorm:"type:varchar(16);not null;default:NEW;index"`
	PaymentLink         *string                `json:"payment_link" gorm:"type:text"`
	PaymentSlug         *string                `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	PaymentRef          *string                `json:"payment_ref" gorm:"type:varchar(300)"`
	Deliverable         *string                `json:"deliverable" gorm:"type:text"`
	JSONAnswer          *string                `json:"json_answer,omitempty" gorm:"column:json_answer;type:text"`
	DeliveryURL         string                 `json:"delivery_url" gorm:"type:text"`
	CallbackURL         *string                `json:"-" gorm:"type:text"`
	FailureReason       *string                `json:"failure_reason,omitempty" gorm:"type:text"`
	FulfillDispatchedAt *time.Time             `json:"-"`
	PaidAt              *time.Time             `json:"paid_at,omitempty"`
	FulfilledAt         *time.Time             `json:"fulfilled_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at" gorm:"index"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

func (r *Request) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Tier returns the classification or the empty string when unclassified.
func (r *Request) Tier() oracle.Classification {
	if r.Classification == nil {
		return ""
	}
	return *r.Classification
}

type CoffeeStatus string

const (
	CoffeeQueued          CoffeeStatus = "QUEUED"
	CoffeeExecuting       CoffeeStatus = "EXECUTING"
	CoffeeFundingAcquired CoffeeStatus = "FUNDING_ACQUIRED"
	CoffeeOrderPlaced     CoffeeStatus = "ORDER_PLACED"
	CoffeeDelivered       CoffeeStatus = "DELIVERED"
	CoffeeFailed          CoffeeStatus = "FAILED"
)

type CoffeeOrder struct {
	ID                string          `json:"id" gorm:"type:varchar(36);primaryKey"`
	RequestID         *string         `json:"request_id,omitempty" gorm:"type:varchar(36);uniqueIndex"`
	OrderText         string          `json:"order_text" gorm:"type:text;not null"`
	EstimatedCostUSDC decimal.Decimal `json:"estimated_cost_usdc" gorm:"column:estimated_cost_usdc;type:decimal(18,6);not null"`
	FinalPriceUSDC    decimal.Decimal `json:"final_price_usdc" gorm:"column:final_price_usdc;type:decimal(18,6);not null"`
	SponsorType       string          `json:"sponsor_type" gorm:"type:varchar(16);not null"`
	Status            CoffeeStatus    `json:"status" gorm:"type:varchar(20);not null;index"`
	ProviderStatus    *string         `json:"provider_status,omitempty" gorm:"type:varchar(120)"`
	BitrefillOrderID  *string         `json:"bitrefill_order_id,omitempty" gorm:"type:varchar(120)"`
	SwiggyOrderID     *string         `json:"swiggy_order_id,omitempty" gorm:"type:varchar(120)"`
	GiftLast4         *string         `json:"gift_last4,omitempty" gorm:"type:varchar(8)"`
	ExecutionDay      *string         `json:"execution_day,omitempty" gorm:"type:varchar(10)"`
	CreatedAt         time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (o *CoffeeOrder) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// CoffeeState is a single-row table tracking the execution window.
type CoffeeState struct {
	ID             uint      `gorm:"primaryKey"`
	DailyExecCount int       `gorm:"not null;default:0"`
	NextBatchAt    time.Time `gorm:"not null"`
	UpdatedAt      time.Time
}

type CreditPurchaseStatus string

const (
	CreditSponsored  CreditPurchaseStatus = "SPONSORED"
	CreditAutoBuying CreditPurchaseStatus = "AUTO_BUYING"
	CreditPurchased  CreditPurchaseStatus = "PURCHASED"
	CreditFailed     CreditPurchaseStatus = "FAILED"
)

type CreditPurchase struct {
	ID             string               `json:"id" gorm:"type:varchar(36);primaryKey"`
	RequestID      *string              `json:"request_id,omitempty" gorm:"type:varchar(36);uniqueIndex"`
	SponsorMessage string               `json:"sponsor_message" gorm:"type:text"`
	AmountUSDC     decimal.Decimal      `json:"amount_usdc" gorm:"column:amount_usdc;type:decimal(18,6);not null"`
	PaidUSDC       decimal.Decimal      `json:"paid_usdc" gorm:"column:paid_usdc;type:decimal(18,6);not null"`
	SponsorType    string               `json:"sponsor_type" gorm:"type:varchar(16);not null"`
	Status         CreditPurchaseStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	ProviderStatus *string              `json:"provider_status,omitempty" gorm:"type:text"`
	TxHash         *string              `json:"tx_hash,omitempty" gorm:"type:varchar(80)"`
	PurchaseDay    *string              `json:"purchase_day,omitempty" gorm:"type:varchar(10)"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func (p *CreditPurchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// CreditState is a single-row table with the agent's model credit ledger.
type CreditState struct {
	ID                      uint            `json:"-" gorm:"primaryKey"`
	CreditBalanceUSDC       decimal.Decimal `json:"credit_balance_usdc" gorm:"column:credit_balance_usdc;type:decimal(18,6);not null;default:0"`
	TokensSinceLastPurchase int64           `json:"tokens_since_last_purchase" gorm:"not null;default:0"`
	DailyPurchaseCount      int             `json:"daily_purchase_count" gorm:"not null;default:0"`
	LastAutoPurchaseAt      *time.Time      `json:"last_auto_purchase_at"`
	AutoBuyInProgress       bool            `json:"auto_buy_in_progress" gorm:"not null;default:false"`
	LastAutoBuyStatus       *string         `json:"last_auto_buy_status" gorm:"type:varchar(16)"`
	LastAutoBuyMessage      *string         `json:"last_auto_buy_message" gorm:"type:text"`
	LastAutoBuyError        *string         `json:"-" gorm:"type:text"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

type ActivityLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Kind      string    `json:"kind" gorm:"type:varchar(40);not null;index"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	RequestID *string   `json:"request_id,omitempty" gorm:"type:varchar(36);index"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

type AgentState struct {
	ID              string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	StoreID         string     `json:"store_id" gorm:"type:varchar(120)"`
	StoreUsername   string     `json:"store_username" gorm:"type:varchar(120)"`
	BootstrapStatus string     `json:"bootstrap_status" gorm:"type:varchar(32)"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Singleton row ids.
const (
	CoffeeStateID  uint = 1
	CreditStateID  uint = 1
	PrimaryAgentID      = "primary"
)
