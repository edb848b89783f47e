package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/scrape/models"
)

// IdentityKey is the gin context key holding the authenticated API key.
// RateLimit buckets requests by it.
const IdentityKey = "api_key"

// Auth returns API-key authentication middleware. A key is read from
// X-API-Key or from Authorization: Bearer <key>. An empty key list
// leaves the routes open.
func Auth(apiKeys []string) gin.HandlerFunc {
	digests := make(map[[sha256.Size]byte]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			digests[sha256.Sum256([]byte(k))] = struct{}{}
		}
	}
	if len(digests) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := requestKey(c.Request)
		if key == "" {
			unauthorized(c, "missing API key: provide X-API-Key header or Authorization: Bearer <key>")
			return
		}
		// Lookup by digest so the map access does not depend on key bytes.
		if _, ok := digests[sha256.Sum256([]byte(key))]; !ok {
			unauthorized(c, "invalid API key")
			return
		}
		c.Set(IdentityKey, key)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Error: &models.ErrorDetail{Code: models.ErrCodeUnauthorized, Message: msg},
	})
}

func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
