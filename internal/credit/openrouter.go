package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const recipientPath = "data.web3_data.transfer_intent.call_data.recipient"

// OpenRouter creates Coinbase commerce charges that top up model credits.
type OpenRouter struct {
	baseURL string
	apiKey  string
	chainID int64
	http    *http.Client
}

func NewOpenRouter(baseURL, apiKey string, chainID int64, timeout time.Duration) *OpenRouter {
	return &OpenRouter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		chainID: chainID,
		http:    &http.Client{Timeout: timeout},
	}
}

type chargeBody struct {
	Amount  float64 `json:"amount"`
	Sender  string  `json:"sender"`
	ChainID int64   `json:"chain_id"`
}

// CreateCharge opens a charge for amount paid from sender and returns the
// address the USDC must be sent to.
func (o *OpenRouter) CreateCharge(ctx context.Context, amount decimal.Decimal, sender common.Address) (common.Address, error) {
	if o.apiKey == "" {
		return common.Address{}, ErrChargerNotConfigured
	}
	body, err := json.Marshal(chargeBody{
		Amount:  amount.InexactFloat64(),
		Sender:  sender.Hex(),
		ChainID: o.chainID,
	})
	if err != nil {
		return common.Address{}, errors.Wrap(err, "marshal charge")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/v1/credits/coinbase", bytes.NewReader(body))
	if err != nil {
		return common.Address{}, errors.Wrap(err, "build charge request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "create charge")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return common.Address{}, errors.Wrap(err, "read charge response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return common.Address{}, errors.Errorf("openrouter charge failed with status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	recipient := gjson.GetBytes(raw, recipientPath).String()
	if !common.IsHexAddress(recipient) {
		return common.Address{}, errors.Errorf("no recipient address in charge response at %s", recipientPath)
	}
	return common.HexToAddress(recipient), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
