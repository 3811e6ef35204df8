// Package middleware provides HTTP middleware for the gateway.
// This file tests the token-bucket rate limiters to ensure they allow
// traffic within budget and reject it once the bucket is exhausted.
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agentrelay/gateway/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c, w
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	for i := 0; i < 3; i++ {
		c, w := newTestContext(req)
		rl.Middleware()(c)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d within burst should not be rate limited", i+1)
		}
	}
}

func TestRateLimiterBlocksBeyondBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.2:1234"

	for i := 0; i < 2; i++ {
		c, w := newTestContext(req)
		rl.Middleware()(c)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d within burst should not be rate limited", i+1)
		}
	}

	c, w := newTestContext(req)
	rl.Middleware()(c)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once burst is exhausted, got %d", w.Code)
	}
}

func TestRateLimiterPerKeyIsolation(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	reqA := httptest.NewRequest(http.MethodGet, "/ws", nil)
	reqA.RemoteAddr = "10.0.0.3:1234"
	cA, wA := newTestContext(reqA)
	rl.Middleware()(cA)
	if wA.Code == http.StatusTooManyRequests {
		t.Fatal("first request from client A should be allowed")
	}

	reqB := httptest.NewRequest(http.MethodGet, "/ws", nil)
	reqB.RemoteAddr = "10.0.0.4:1234"
	cB, wB := newTestContext(reqB)
	rl.Middleware()(cB)
	if wB.Code == http.StatusTooManyRequests {
		t.Fatal("client B has its own bucket and should not be rate limited by client A's usage")
	}
}

func withClaims(c *gin.Context, userID string) {
	c.Set("gateway.claims", &auth.Claims{UserID: userID})
}

func TestEndpointRateLimiterScopesByUserAndEndpoint(t *testing.T) {
	erl := NewEndpointRateLimiter(1, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/reservations", nil)
	c, w := newTestContext(req)
	withClaims(c, "agent-a")
	erl.Middleware("reservations.acquire")(c)
	if w.Code == http.StatusTooManyRequests {
		t.Fatal("first acquire by agent-a should be allowed")
	}

	c2, w2 := newTestContext(req)
	withClaims(c2, "agent-a")
	erl.Middleware("reservations.acquire")(c2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second acquire within the same burst should be rate limited, got %d", w2.Code)
	}

	c3, w3 := newTestContext(req)
	withClaims(c3, "agent-b")
	erl.Middleware("reservations.acquire")(c3)
	if w3.Code == http.StatusTooManyRequests {
		t.Fatal("a different user has its own bucket for the same endpoint")
	}
}

func TestEndpointRateLimiterSkipsUnauthenticatedRequests(t *testing.T) {
	erl := NewEndpointRateLimiter(1, 1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/reservations", nil)

	for i := 0; i < 3; i++ {
		c, w := newTestContext(req)
		erl.Middleware("reservations.acquire")(c)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d without claims should pass through to downstream auth handling", i+1)
		}
	}
}

func TestUserRateLimiterBlocksAfterBurst(t *testing.T) {
	url := NewUserRateLimiter(3600, 1) // 1/sec effective, burst 1
	req := httptest.NewRequest(http.MethodGet, "/api/v1/reservations/conflicts", nil)

	c, w := newTestContext(req)
	withClaims(c, "agent-a")
	url.Middleware()(c)
	if w.Code == http.StatusTooManyRequests {
		t.Fatal("first request should be allowed")
	}

	c2, w2 := newTestContext(req)
	withClaims(c2, "agent-a")
	url.Middleware()(c2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request within the same burst should be rate limited, got %d", w2.Code)
	}
}

func TestRateLimiterTracksLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	for i := 0; i < 5; i++ {
		rl.getLimiter("10.0.0." + string(rune('1'+i)))
	}
	if len(rl.limiters) == 0 {
		t.Fatal("expected per-key limiters to be tracked")
	}
}
