// Package payout issues bank disbursements.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

type BankAccount struct {
	Number string `json:"account_number"`
	Bank   string `json:"bank"`
	Holder string `json:"account_holder"`
}

func (b BankAccount) String() string {
	return b.Bank + ":" + b.Number
}

type Transfer struct {
	Reference string      `json:"reference"`
	Amount    int64       `json:"amount"`
	Account   BankAccount `json:"beneficiary"`
	Note      string      `json:"note,omitempty"`
}

type Payouts interface {
	Transfer(ctx context.Context, t Transfer) (string, error)
}

// HTTPClient posts disbursements; the reference doubles as the idempotency key.
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewHTTPClient(baseURL, apiKey string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, hc: hc}
}

func (c *HTTPClient) Transfer(ctx context.Context, t Transfer) (string, error) {
	if t.Amount <= 0 {
		return "", domain.Validationf("payout amount must be positive")
	}
	body, err := json.Marshal(t)
	if err != nil {
		return "", errors.Wrap(err, "encode payout")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/disbursements", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build payout request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", t.Reference)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", domain.External(err, "payout transfer")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.External(err, "read payout response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", domain.External(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), "payout transfer")
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", domain.External(err, "decode payout response")
	}
	return out.ID, nil
}
