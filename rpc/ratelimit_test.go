package rpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSourceLimiterPerClient(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newSourceLimiter(2)
	l.now = func() time.Time { return now }

	if !l.allow("a") || !l.allow("a") {
		t.Fatalf("burst should admit two calls")
	}
	if l.allow("a") {
		t.Fatalf("third call within the same instant should be throttled")
	}
	if !l.allow("b") {
		t.Fatalf("other clients have their own budget")
	}
	now = now.Add(time.Second)
	if !l.allow("a") {
		t.Fatalf("budget should refill")
	}
}

func TestSourceLimiterEvictsIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newSourceLimiter(1)
	l.now = func() time.Time { return now }
	l.allow("a")
	now = now.Add(limiterIdleTTL + time.Second)
	l.allow("b")
	if _, ok := l.visitors["a"]; ok {
		t.Fatalf("idle limiter not evicted")
	}
}

func TestSourceLimiterDisabled(t *testing.T) {
	l := newSourceLimiter(0)
	for i := 0; i < 100; i++ {
		if !l.allow("a") {
			t.Fatalf("disabled limiter throttled call %d", i)
		}
	}
}

func TestClientSource(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if got := clientSource(req); got != "10.0.0.5" {
		t.Fatalf("unexpected source %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientSource(req); got != "203.0.113.9" {
		t.Fatalf("unexpected forwarded source %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := clientSource(req); got != "198.51.100.7" {
		t.Fatalf("unexpected real ip %q", got)
	}
}
