// Package payment talks to the card/VA processor: it opens hosted-payment sessions and
// authenticates the asynchronous notifications the processor sends back.
package payment

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"first_name,omitempty"`
}

type Charge struct {
	OrderID  uuid.UUID
	Amount   int64
	Method   string
	Customer Customer
	ItemName string
}

type Redirect struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// Notification is an authenticated processor callback.
type Notification struct {
	OrderID           uuid.UUID
	TransactionID     string
	TransactionStatus string
	FraudStatus       string
	GrossAmount       string
	Status            Status
}

type Processor interface {
	CreateTransaction(ctx context.Context, c Charge) (Redirect, error)
	VerifyNotification(ctx context.Context, raw []byte) (Notification, error)
}

type MidtransClient struct {
	baseURL   string
	serverKey string
	hc        *http.Client
}

func NewMidtransClient(baseURL, serverKey string, hc *http.Client) *MidtransClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &MidtransClient{baseURL: strings.TrimRight(baseURL, "/"), serverKey: serverKey, hc: hc}
}

type snapItem struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
}

type snapRequest struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	CustomerDetails Customer `json:"customer_details"`
	ItemDetails     []snapItem `json:"item_details,omitempty"`
	EnabledPayments []string `json:"enabled_payments,omitempty"`
}

func (c *MidtransClient) CreateTransaction(ctx context.Context, ch Charge) (Redirect, error) {
	var req snapRequest
	req.TransactionDetails.OrderID = ch.OrderID.String()
	req.TransactionDetails.GrossAmount = ch.Amount
	req.CustomerDetails = ch.Customer
	if ch.Method != "" {
		req.EnabledPayments = []string{ch.Method}
	}
	if ch.ItemName != "" {
		req.ItemDetails = []snapItem{{ID: ch.OrderID.String(), Price: ch.Amount, Quantity: 1, Name: ch.ItemName}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Redirect{}, errors.Wrap(err, "encode snap request")
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/snap/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return Redirect{}, errors.Wrap(err, "build snap request")
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.serverKey+":")))

	resp, err := c.hc.Do(hr)
	if err != nil {
		return Redirect{}, domain.External(err, "snap create transaction")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Redirect{}, domain.External(err, "read snap response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Redirect{}, domain.External(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), "snap create transaction")
	}

	var out Redirect
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Redirect{}, domain.External(err, "decode snap response")
	}
	if out.Token == "" {
		return Redirect{}, domain.External(errors.New("empty token"), "snap create transaction")
	}
	return out, nil
}

type notificationBody struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
}

// VerifyNotification checks signature_key = sha512(order_id + status_code + gross_amount + server_key).
func (c *MidtransClient) VerifyNotification(_ context.Context, raw []byte) (Notification, error) {
	var n notificationBody
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, domain.Validationf("malformed notification: %v", err)
	}
	if n.OrderID == "" || n.SignatureKey == "" || n.TransactionStatus == "" {
		return Notification{}, domain.Validationf("notification is missing required fields")
	}

	expected := NotificationSignature(n.OrderID, n.StatusCode, n.GrossAmount, c.serverKey)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(n.SignatureKey)), []byte(expected)) != 1 {
		return Notification{}, domain.Validationf("notification signature mismatch")
	}

	orderID, err := uuid.Parse(n.OrderID)
	if err != nil {
		return Notification{}, domain.Validationf("notification order id %q is not an order reference", n.OrderID)
	}
	return Notification{
		OrderID:           orderID,
		TransactionID:     n.TransactionID,
		TransactionStatus: n.TransactionStatus,
		FraudStatus:       n.FraudStatus,
		GrossAmount:       n.GrossAmount,
		Status:            MapStatus(n.TransactionStatus, n.FraudStatus),
	}, nil
}

func NotificationSignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}
