package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for auth result
	ResultKey ContextKey = "auth_result"
)

// Middleware guards the ingress with static bearer or basic credentials.
type Middleware struct {
	creds Credentials
}

func NewMiddleware(creds Credentials) *Middleware {
	return &Middleware{creds: creds}
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.creds.Enabled() {
			c.Next()
			return
		}

		authResult, err := m.Authenticate(c.Request)
		if err != nil {
			if m.creds.Username != "" {
				c.Header("WWW-Authenticate", `Basic realm="studyhook"`)
			}
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}

		c.Set(string(ResultKey), authResult)
		c.Next()
	}
}

// Authenticate checks the Authorization header against the configured
// credentials. A bearer token is tried first, then HTTP basic.
func (m *Middleware) Authenticate(r *http.Request) (*AuthResult, error) {
	if !m.creds.Enabled() {
		return &AuthResult{Success: true, Method: AuthMethodNone}, nil
	}

	if m.creds.Token != "" {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if equal(strings.TrimSpace(parts[1]), m.creds.Token) {
				return &AuthResult{Success: true, Method: AuthMethodBearer}, nil
			}
			return &AuthResult{Success: false}, ErrInvalidCredentials
		}
	}

	if m.creds.Username != "" && m.creds.Password != "" {
		if username, password, ok := r.BasicAuth(); ok {
			// Evaluate both to keep timing independent of which one differs.
			userOK := equal(username, m.creds.Username)
			passOK := equal(password, m.creds.Password)
			if userOK && passOK {
				return &AuthResult{Success: true, Method: AuthMethodBasic, Username: username}, nil
			}
		}
	}

	return &AuthResult{Success: false}, ErrInvalidCredentials
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
