package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghidar/ghidar-backend/internal/auth"
)

func TestAllow_BurstThenThrottle(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d inside burst denied", i+1)
		}
	}
	if l.Allow("k") {
		t.Error("request beyond burst allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("a") {
		t.Fatal("first key denied")
	}
	if !l.Allow("b") {
		t.Error("second key throttled by first key's usage")
	}
}

func TestMiddleware_KeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute}
	l := New(cfg)
	defer l.Stop()

	r := gin.New()
	var userID int64
	r.GET("/x", func(c *gin.Context) {
		auth.SetPrincipal(c, auth.Principal{UserID: userID})
		c.Next()
	}, l.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
		return w.Code
	}

	userID = 1
	if code := do(); code != http.StatusOK {
		t.Fatalf("user 1 first request: %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("user 1 second request: %d, want 429", code)
	}

	// A different user from the same IP is a different bucket.
	userID = 2
	if code := do(); code != http.StatusOK {
		t.Errorf("user 2 first request: %d, want 200", code)
	}
}
