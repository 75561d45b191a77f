package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", mw, func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no principal"})
			return
		}
		c.JSON(http.StatusOK, p)
	})
	return r
}

func TestTelegramMiddleware_MissingInitData(t *testing.T) {
	r := testRouter(TelegramMiddleware("12345:token", 24*time.Hour, false))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestTelegramMiddleware_InvalidInitData(t *testing.T) {
	r := testRouter(TelegramMiddleware("12345:token", 24*time.Hour, false))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(InitDataHeader, "user=%7B%22id%22%3A1%7D&hash=deadbeef")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestTelegramMiddleware_NoTokenOutsideDev(t *testing.T) {
	r := testRouter(TelegramMiddleware("", 0, false))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 (refuse insecure default)", w.Code)
	}
}

func TestTelegramMiddleware_DevModeDebugHeader(t *testing.T) {
	r := testRouter(TelegramMiddleware("", 0, true))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Debug-User-Id", "42")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without debug header = %d, want 401", w.Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	r := testRouter(AdminMiddleware("s3cret"))

	// Wrong secret
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong secret: status = %d, want 403", w.Code)
	}

	// Correct secret
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	req.Header.Set("X-Admin-Id", "ops-7")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("correct secret: status = %d", w.Code)
	}
}

func TestAdminMiddleware_Unconfigured(t *testing.T) {
	r := testRouter(AdminMiddleware(""))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Admin-Secret", "")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
