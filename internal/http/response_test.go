package http

import (
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", domain.Validationf("price must be positive"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not found", errors.Wrap(domain.NotFoundf("order x"), "get order"), http.StatusNotFound, "NOT_FOUND"},
		{"forbidden", domain.Forbiddenf("not yours"), http.StatusForbidden, "FORBIDDEN"},
		{"sold out", domain.ErrSoldOut, http.StatusConflict, "SOLD_OUT"},
		{"conflict", domain.Conflictf("listing sold"), http.StatusConflict, "CONFLICT"},
		{"serialization", errors.Mark(errors.New("restart transaction"), domain.ErrSerializationFailure), http.StatusConflict, "RETRY"},
		{"external", domain.External(errors.New("timeout"), "mint"), http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR"},
		{"unauthorized", domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := statusFor(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("statusFor(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}
