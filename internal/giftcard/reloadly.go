// Package giftcard buys gift cards from Reloadly as agent self-rewards.
package giftcard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/tejzpr/agentmart/internal/config"
)

const (
	authURL        = "https://auth.reloadly.com/oauth/token"
	productionBase = "https://giftcards.reloadly.com"
	sandboxBase    = "https://giftcards-sandbox.reloadly.com"
)

var ErrNotConfigured = errors.New("reloadly credentials not configured")

type Product struct {
	ProductID                   int64     `json:"productId"`
	ProductName                 string    `json:"productName"`
	CountryCode                 string    `json:"countryCode"`
	DenominationType            string    `json:"denominationType"`
	FixedRecipientDenominations []float64 `json:"fixedRecipientDenominations"`
	MinRecipientDenomination    float64   `json:"minRecipientDenomination"`
	MaxRecipientDenomination    float64   `json:"maxRecipientDenomination"`
}

// Supports reports whether the product can be bought for amount.
func (p Product) Supports(amount decimal.Decimal) bool {
	if p.DenominationType == "FIXED" {
		for _, d := range p.FixedRecipientDenominations {
			if decimal.NewFromFloat(d).Equal(amount) {
				return true
			}
		}
		return false
	}
	return !amount.LessThan(decimal.NewFromFloat(p.MinRecipientDenomination)) &&
		!amount.GreaterThan(decimal.NewFromFloat(p.MaxRecipientDenomination))
}

type Order struct {
	TransactionID int64  `json:"transactionId"`
	Status        string `json:"status"`
}

// Client is a minimal Reloadly gift card API client. The audience of the
// OAuth token is the API base URL.
type Client struct {
	clientID     string
	clientSecret string
	authURL      string
	apiBase      string
	http         *http.Client
}

func NewClient(cfg config.GiftCardConfig, timeout time.Duration) *Client {
	base := productionBase
	if cfg.Sandbox {
		base = sandboxBase
	}
	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		authURL:      authURL,
		apiBase:      base,
		http:         &http.Client{Timeout: timeout},
	}
}

func (c *Client) Token(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" {
		return "", ErrNotConfigured
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	err := c.do(ctx, http.MethodPost, c.authURL, "", map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"grant_type":    "client_credentials",
		"audience":      c.apiBase,
	}, &out)
	if err != nil {
		return "", errors.Wrap(err, "reloadly auth")
	}
	if out.AccessToken == "" {
		return "", errors.New("reloadly auth returned no access token")
	}
	return out.AccessToken, nil
}

func (c *Client) SearchProducts(ctx context.Context, token, name string) ([]Product, error) {
	q := url.Values{}
	q.Set("productName", name)
	q.Set("size", "10")

	var out struct {
		Content []Product `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, c.apiBase+"/products?"+q.Encode(), token, nil, &out); err != nil {
		return nil, errors.Wrap(err, "product search")
	}
	return out.Content, nil
}

type orderBody struct {
	ProductID        int64   `json:"productId"`
	Quantity         int     `json:"quantity"`
	UnitPrice        float64 `json:"unitPrice"`
	CustomIdentifier string  `json:"customIdentifier"`
	RecipientEmail   string  `json:"recipientEmail"`
	SenderName       string  `json:"senderName"`
}

func (c *Client) PlaceOrder(ctx context.Context, token string, productID int64, amount decimal.Decimal, recipientEmail, customID string) (*Order, error) {
	var out Order
	err := c.do(ctx, http.MethodPost, c.apiBase+"/orders", token, orderBody{
		ProductID:        productID,
		Quantity:         1,
		UnitPrice:        amount.InexactFloat64(),
		CustomIdentifier: customID,
		RecipientEmail:   recipientEmail,
		SenderName:       "agentmart",
	}, &out)
	if err != nil {
		return nil, errors.Wrap(err, "gift card order")
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, target, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal body")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("status %d: %s", resp.StatusCode, snippet)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
