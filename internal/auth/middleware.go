package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of the caller.
const ResultKey = "auth_result"

// Middleware provides authentication middleware for gin handlers. A nil
// service disables every check.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware {
	return &Middleware{svc: svc}
}

func (m *Middleware) Enabled() bool { return m != nil && m.svc != nil }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		result, err := m.authenticate(c.Request)
		if err != nil || !result.Success {
			c.Header("WWW-Authenticate", `Basic realm="scriptbatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}

		c.Set(ResultKey, result)
		c.Next()
	}
}

// GinRequirePermission returns a Gin middleware that requires specific permissions
func (m *Middleware) GinRequirePermission(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		result, ok := Caller(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}

		if !HasPermission(result.Roles, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}

		c.Next()
	}
}

// Caller returns the authenticated caller stored by GinAuth.
func Caller(c *gin.Context) (*Result, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*Result)
	return r, ok && r.Success
}

// authenticate accepts a bearer token or basic credentials.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		return m.svc.Authenticate(r.Context(), LoginRequest{Method: MethodJWT, Token: token})
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(r.Context(), LoginRequest{Method: MethodBasic, Username: username, Password: password})
	}
	return &Result{Success: false}, ErrInvalidCredentials
}
