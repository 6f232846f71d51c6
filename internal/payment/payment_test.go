package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		tx, fraud string
		want      Status
	}{
		{"capture", "accept", StatusPaid},
		{"capture", "challenge", StatusPending},
		{"capture", "", StatusPending},
		{"settlement", "", StatusPaid},
		{"SETTLEMENT", "accept", StatusPaid},
		{"cancel", "", StatusFailed},
		{"deny", "", StatusFailed},
		{"expire", "", StatusFailed},
		{"failure", "", StatusFailed},
		{"pending", "", StatusPending},
		{"authorize", "", StatusPending},
		{"refund", "", StatusPending},
		{"", "", StatusPending},
	}
	for _, tt := range tests {
		if got := MapStatus(tt.tx, tt.fraud); got != tt.want {
			t.Errorf("MapStatus(%q, %q) = %s, want %s", tt.tx, tt.fraud, got, tt.want)
		}
	}
}

func notification(t *testing.T, orderID, status, fraud, key string) []byte {
	t.Helper()
	body := map[string]string{
		"order_id":           orderID,
		"status_code":        "200",
		"gross_amount":       "100000.00",
		"transaction_id":     "tx-1",
		"transaction_status": status,
		"fraud_status":       fraud,
		"signature_key":      NotificationSignature(orderID, "200", "100000.00", key),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestVerifyNotification(t *testing.T) {
	c := NewMidtransClient("http://unused", "server-key", nil)
	orderID := uuid.New()

	n, err := c.VerifyNotification(context.Background(), notification(t, orderID.String(), "capture", "accept", "server-key"))
	if err != nil {
		t.Fatalf("expected valid notification, got %v", err)
	}
	if n.OrderID != orderID || n.Status != StatusPaid || n.GrossAmount != "100000.00" {
		t.Errorf("unexpected notification %+v", n)
	}

	bad := [][]byte{
		notification(t, orderID.String(), "settlement", "", "other-key"),
		notification(t, "not-a-uuid", "settlement", "", "server-key"),
		[]byte(`{"order_id":`),
		[]byte(`{"order_id":"x"}`),
	}
	for i, raw := range bad {
		if _, err := c.VerifyNotification(context.Background(), raw); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreateTransaction(t *testing.T) {
	orderID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snap/v1/transactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("server-key:"))
		if r.Header.Get("Authorization") != want {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		raw, _ := io.ReadAll(r.Body)
		var req snapRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatal(err)
		}
		if req.TransactionDetails.OrderID != orderID.String() || req.TransactionDetails.GrossAmount != 100000 {
			t.Errorf("unexpected transaction details %+v", req.TransactionDetails)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"tok","redirect_url":"https://pay/tok"}`))
	}))
	defer srv.Close()

	c := NewMidtransClient(srv.URL, "server-key", srv.Client())
	out, err := c.CreateTransaction(context.Background(), Charge{OrderID: orderID, Amount: 100000, Customer: Customer{Email: "b@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Token != "tok" || out.RedirectURL != "https://pay/tok" {
		t.Errorf("unexpected redirect %+v", out)
	}
}

func TestCreateTransaction_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewMidtransClient(srv.URL, "server-key", srv.Client())
	_, err := c.CreateTransaction(context.Background(), Charge{OrderID: uuid.New(), Amount: 1})
	if !errors.Is(err, domain.ErrExternalService) {
		t.Errorf("expected external service error, got %v", err)
	}
}
