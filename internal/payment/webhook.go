package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	SignatureHeader = "X-1LY-Signature"
	EventHeader     = "X-1LY-Event"

	EventPurchaseConfirmed = "purchase.confirmed"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the exact raw body bytes.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return ErrSecretNotConfigured
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// Event is a provider purchase notification.
type Event struct {
	Type        string
	PurchaseID  string
	LinkSlug    string
	Amount      string
	Currency    string
	BuyerWallet string
	TxHash      string
}

// ParseEvent reads a webhook body. The event type comes from the header when
// present, otherwise from the payload. Amount may arrive as number or string.
func ParseEvent(body []byte, headerEvent string) (*Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.Wrap(ErrInvalidPayload, "malformed json")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, errors.Wrap(ErrInvalidPayload, "expected a json object")
	}
	ev := &Event{
		Type:        strings.TrimSpace(headerEvent),
		PurchaseID:  doc.Get("purchaseId").String(),
		LinkSlug:    doc.Get("linkSlug").String(),
		Amount:      doc.Get("amount").String(),
		Currency:    doc.Get("currency").String(),
		BuyerWallet: doc.Get("buyerWallet").String(),
		TxHash:      doc.Get("txHash").String(),
	}
	if ev.Type == "" {
		ev.Type = doc.Get("event").String()
	}
	return ev, nil
}

// Confirmed reports whether the event settles a purchase.
func (e *Event) Confirmed() bool {
	return e.Type == EventPurchaseConfirmed
}

// Reference is the payment reference stored on the request.
func (e *Event) Reference() string {
	if e.TxHash != "" {
		return e.TxHash
	}
	return e.PurchaseID
}
