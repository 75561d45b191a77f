package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	initdata "github.com/telegram-mini-apps/init-data-golang"

	"github.com/ghidar/ghidar-backend/internal/logging"
)

// InitDataHeader carries the raw Telegram Mini App init-data.
const InitDataHeader = "X-Telegram-Init-Data"

// debugUserHeader lets local development impersonate a user when no bot
// token is configured. Ignored whenever a token is set.
const debugUserHeader = "X-Debug-User-Id"

// TelegramMiddleware validates Telegram Mini App init-data and stores the
// resulting Principal in the request context. Init-data is read from the
// X-Telegram-Init-Data header, falling back to the init_data query param.
//
// With an empty botToken the middleware refuses all requests unless
// devMode is set, in which case X-Debug-User-Id is accepted instead.
func TelegramMiddleware(botToken string, expIn time.Duration, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if botToken == "" {
			if !devMode {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "auth_not_configured",
					"message": "init-data validation is not configured",
				})
				return
			}
			debugAuth(c)
			return
		}

		raw := c.GetHeader(InitDataHeader)
		if raw == "" {
			raw = c.Query("init_data")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing init_data",
			})
			return
		}

		if err := initdata.Validate(raw, botToken, expIn); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid init_data",
			})
			return
		}

		parsed, err := initdata.Parse(raw)
		if err != nil || parsed.User.ID == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "invalid init_data format",
			})
			return
		}

		p := Principal{
			UserID:    parsed.User.ID,
			Username:  parsed.User.Username,
			FirstName: parsed.User.FirstName,
			IsPremium: parsed.User.IsPremium,
		}
		SetPrincipal(c, p)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), p.UserID))
		c.Next()
	}
}

// debugAuth authenticates from the debug header in development mode.
func debugAuth(c *gin.Context) {
	id, err := strconv.ParseInt(c.GetHeader(debugUserHeader), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "missing or invalid " + debugUserHeader + " header",
		})
		return
	}
	p := Principal{UserID: id, Username: "dev"}
	SetPrincipal(c, p)
	c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id))
	c.Next()
}

// AdminMiddleware authenticates admin requests with a shared secret in the
// X-Admin-Secret header. The admin identity is taken from X-Admin-Id so
// override audit records name a human, not a credential.
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "auth_not_configured",
				"message": "admin access is not configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin credentials",
			})
			return
		}

		adminID := c.GetHeader("X-Admin-Id")
		if adminID == "" {
			adminID = "admin"
		}
		SetPrincipal(c, Principal{IsAdmin: true, AdminID: adminID})
		c.Next()
	}
}
