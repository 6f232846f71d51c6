package signature

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestAuthority_SignVerify(t *testing.T) {
	a, err := New("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	ticketID, eventID := uuid.New(), uuid.New()

	sig := a.Sign(ticketID, eventID)
	if sig != a.Sign(ticketID, eventID) {
		t.Fatal("expected deterministic signature")
	}
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if !a.Verify(ticketID, eventID, sig) {
		t.Error("expected signature to verify")
	}

	tests := []struct {
		name     string
		ticketID uuid.UUID
		eventID  uuid.UUID
		sig      string
	}{
		{"other ticket", uuid.New(), eventID, sig},
		{"other event", ticketID, uuid.New(), sig},
		{"flipped char", ticketID, eventID, flip(sig)},
		{"truncated", ticketID, eventID, sig[:32]},
		{"not hex", ticketID, eventID, strings.Repeat("z", 64)},
		{"empty", ticketID, eventID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a.Verify(tt.ticketID, tt.eventID, tt.sig) {
				t.Errorf("expected %s to be rejected", tt.name)
			}
		})
	}
}

func TestAuthority_SecretMatters(t *testing.T) {
	a, _ := New("one")
	b, _ := New("two")
	ticketID, eventID := uuid.New(), uuid.New()
	if b.Verify(ticketID, eventID, a.Sign(ticketID, eventID)) {
		t.Error("signature from another secret must not verify")
	}
}

func TestNew_EmptySecret(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	a, _ := New("test-secret")
	p := a.Payload(uuid.New(), uuid.New())
	raw, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParsePayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Errorf("expected %+v, got %+v", p, got)
	}
	if _, err := ParsePayload([]byte(`{"ticket_id":"` + uuid.NewString() + `"}`)); err == nil {
		t.Error("expected error for incomplete payload")
	}
}

func flip(s string) string {
	b := []byte(s)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}
