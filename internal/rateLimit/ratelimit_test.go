package rateLimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiter_BurstThenReject(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !l.Allow(ctx, "ip:10.0.0.1", 5, time.Hour) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow(ctx, "ip:10.0.0.1", 5, time.Hour) {
		t.Error("sixth request within the period should be rejected")
	}
	if !l.Allow(ctx, "ip:10.0.0.2", 5, time.Hour) {
		t.Error("other keys have their own bucket")
	}
}
