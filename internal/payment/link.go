// Package payment talks to the hosted checkout provider: it creates payment
// links and authenticates the provider's purchase webhooks.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/config"
)

// MintSlug returns a fresh correlation slug for a payment link.
func MintSlug() string {
	return "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type LinkRequest struct {
	Slug        string
	Title       string
	Description string
	Price       decimal.Decimal
	// URL is the gated resource released to the buyer after payment.
	URL        string
	WebhookURL string
}

type Link struct {
	URL  string
	Slug string
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg config.PaymentConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("payment"),
	}
}

type createLinkBody struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Slug        string `json:"slug"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	URL         string `json:"url"`
	WebhookURL  string `json:"webhookUrl"`
}

// CreateLink registers a paid link with the provider and returns its public URL.
func (c *Client) CreateLink(ctx context.Context, in LinkRequest) (*Link, error) {
	if c.apiKey == "" || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(createLinkBody{
		Title:       in.Title,
		Description: in.Description,
		Slug:        in.Slug,
		Price:       in.Price.StringFixed(2),
		Currency:    "USDC",
		URL:         in.URL,
		WebhookURL:  in.WebhookURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal link request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/links", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build link request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "create payment link")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read link response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("payment link creation rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(raw)),
		)
		return nil, errors.Errorf("payment provider returned status %d", resp.StatusCode)
	}

	doc := gjson.ParseBytes(raw)
	url := firstString(doc, "data.url", "data.link", "url", "link")
	if url == "" {
		return nil, errors.New("payment provider response has no link url")
	}
	slug := firstString(doc, "data.slug", "slug")
	if slug == "" {
		slug = in.Slug
	}
	return &Link{URL: url, Slug: slug}, nil
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p).String(); v != "" {
			return v
		}
	}
	return ""
}
