package auth

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
)

// ContextKey represents keys for context values
type ContextKey string

// PrincipalContextKey holds the authenticated caller on the echo context.
const PrincipalContextKey ContextKey = "principal"

// UserResourcePrefix marks resource ids that belong to signed-in users.
const UserResourcePrefix = "user-"

// Principal is the caller identified by a valid access token.
type Principal struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// ResourceID is the owner id threads created by this user carry.
func (p *Principal) ResourceID() string {
	return fmt.Sprintf("%s%d", UserResourcePrefix, p.UserID)
}

// IsUserResource reports whether id is reserved for a signed-in user.
func IsUserResource(id string) bool {
	return strings.HasPrefix(id, UserResourcePrefix)
}

// GetPrincipal returns the authenticated caller, or nil for anonymous requests.
func GetPrincipal(c echo.Context) *Principal {
	if p, ok := c.Get(string(PrincipalContextKey)).(*Principal); ok {
		return p
	}
	return nil
}
