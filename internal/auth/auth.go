// Package auth authenticates Telegram Mini App users and platform admins.
//
// Identity is always carried as an explicit Principal set by middleware and
// read back by handlers; nothing in the core reads ambient platform state.
package auth

import (
	"github.com/gin-gonic/gin"
)

// principalKey is the gin context key holding the authenticated principal.
const principalKey = "authPrincipal"

// Principal identifies the authenticated caller of a request.
type Principal struct {
	UserID    int64  `json:"userId"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	IsPremium bool   `json:"isPremium,omitempty"`
	IsAdmin   bool   `json:"isAdmin,omitempty"`
	AdminID   string `json:"adminId,omitempty"` // set only for admin principals
}

// SetPrincipal stores the principal in the gin context.
func SetPrincipal(c *gin.Context, p Principal) {
	c.Set(principalKey, p)
}

// PrincipalFrom retrieves the authenticated principal from the gin context.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
