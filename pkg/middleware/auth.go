package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-talk/pkg/jwt"
	"github.com/weiawesome/wes-io-talk/pkg/response"
)

const (
	UserIDKey     = "user_id"
	RoleKey       = "role"
	NameKey       = "name"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
	TokenParam    = "token"

	codeUnauthorized = "UNAUTHORIZED"
)

// TokenValidator resolves an access token to its claims.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// AuthMiddleware validates access tokens locally.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// TokenFromRequest extracts a token from the Authorization header, the
// token query parameter or the token cookie, in that order. Browsers
// cannot set headers on a WebSocket upgrade, hence the fallbacks.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(AuthHeaderKey); strings.HasPrefix(h, BearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, BearerPrefix))
	}
	if t := r.URL.Query().Get(TokenParam); t != "" {
		return t
	}
	if c, err := r.Cookie(TokenParam); err == nil {
		return c.Value
	}
	return ""
}

// RequireAuth returns a Gin middleware that validates JWT tokens.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			response.Abort(c, codeUnauthorized, "missing credentials")
			return
		}

		claims, err := m.validator.ValidateToken(token)
		if err != nil {
			response.Abort(c, codeUnauthorized, err.Error())
			return
		}

		c.Set(UserIDKey, claims.Participant())
		c.Set(RoleKey, claims.Role)
		c.Set(NameKey, claims.Name)

		c.Next()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetRole extracts the participant role from Gin context.
func GetRole(c *gin.Context) string {
	return c.GetString(RoleKey)
}

// GetName extracts the display name from Gin context.
func GetName(c *gin.Context) string {
	return c.GetString(NameKey)
}
