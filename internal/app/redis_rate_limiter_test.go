package app

import (
	"context"
	"testing"
	"time"
)

func TestAdminRateLimiter_AdmitsWithoutClient(t *testing.T) {
	var nilLimiter *AdminRateLimiter
	quota, err := nilLimiter.Admit(context.Background(), "admin_settlement", AdminCaller{Subject: "ops"}, 5)
	if err != nil || !quota.Allowed {
		t.Fatalf("expected nil limiter to admit, got %+v %v", quota, err)
	}

	limiter := NewAdminRateLimiter(nil, "")
	quota, err = limiter.Admit(context.Background(), "admin_settlement", AdminCaller{Subject: "ops"}, 5)
	if err != nil || !quota.Allowed {
		t.Fatalf("expected limiter without client to admit, got %+v %v", quota, err)
	}
	if limiter.window != time.Minute {
		t.Fatalf("expected one minute window, got %s", limiter.window)
	}
}

func TestAdminRateLimiter_Key(t *testing.T) {
	limiter := NewAdminRateLimiter(nil, " blink:limits: ")

	tests := []struct {
		name    string
		scope   string
		caller  AdminCaller
		want    string
		wantKey bool
	}{
		{name: "subject", scope: " admin_settlement ", caller: AdminCaller{Subject: "ops@blink", IP: "10.0.0.1"}, want: "blink:limits:admin_settlement:sub:ops@blink", wantKey: true},
		{name: "ip when unauthenticated", scope: "admin_settlement", caller: AdminCaller{IP: "10.0.0.1"}, want: "blink:limits:admin_settlement:ip:10.0.0.1", wantKey: true},
		{name: "anonymous", scope: "admin_settlement", caller: AdminCaller{Subject: " "}},
		{name: "no scope", scope: "", caller: AdminCaller{Subject: "ops@blink"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := limiter.key(tt.scope, tt.caller)
			if ok != tt.wantKey || got != tt.want {
				t.Fatalf("expected %q (%v), got %q (%v)", tt.want, tt.wantKey, got, ok)
			}
		})
	}

	if NewAdminRateLimiter(nil, "").prefix != "blink:rate_limit" {
		t.Fatal("expected default prefix")
	}
}

func TestDecodeAdminQuota(t *testing.T) {
	quota, err := decodeAdminQuota([]interface{}{int64(1), int64(3), int64(0)})
	if err != nil || !quota.Allowed || quota.Remaining != 3 || quota.RetryAfter != 0 {
		t.Fatalf("unexpected admitted quota %+v %v", quota, err)
	}

	quota, err = decodeAdminQuota([]interface{}{int64(0), int64(0), int64(12500)})
	if err != nil || quota.Allowed || quota.RetryAfter != 12500*time.Millisecond {
		t.Fatalf("unexpected rejected quota %+v %v", quota, err)
	}

	quota, err = decodeAdminQuota([]interface{}{int64(0), int64(0), int64(40)})
	if err != nil || quota.RetryAfter != time.Second {
		t.Fatalf("expected retry after to round up to one second, got %+v %v", quota, err)
	}

	if _, err := decodeAdminQuota([]interface{}{int64(1), "3"}); err == nil {
		t.Fatal("expected error for short reply")
	}
	if _, err := decodeAdminQuota([]interface{}{int64(1), "3", int64(0)}); err == nil {
		t.Fatal("expected error for non-integer field")
	}
}
