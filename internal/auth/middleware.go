package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the verified *Claims.
const ClaimsKey = "auth_claims"

// KindUnauthenticated and KindForbidden are the error kinds written in the
// JSON body of rejected requests.
const (
	KindUnauthenticated = "unauthenticated"
	KindForbidden       = "forbidden"
)

// GinAuth verifies the bearer token. A nil t lets every request through.
func GinAuth(t *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if t == nil {
			c.Next()
			return
		}
		raw, ok := bearer(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required", "kind": KindUnauthenticated})
			return
		}
		claims, err := t.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "kind": KindUnauthenticated})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// GinRequireScope must run after GinAuth.
func GinRequireScope(t *Tokens, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if t == nil {
			c.Next()
			return
		}
		v, _ := c.Get(ClaimsKey)
		claims, ok := v.(*Claims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required", "kind": KindUnauthenticated})
			return
		}
		if !claims.Has(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error() + " " + scope, "kind": KindForbidden})
			return
		}
		c.Next()
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
