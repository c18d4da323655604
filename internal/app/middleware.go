package app

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// userContextKey is the gin context key holding the caller's user ID.
	userContextKey = "userID"

	userIDHeader         = "X-User-ID"
	dispatchSecretHeader = "X-Dispatch-Secret"
)

// requireUser attributes the request to the user named by the X-User-ID
// header, which an upstream proxy sets after authenticating the caller.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(userIDHeader))
		if userID == "" {
			abortJSONError(c, http.StatusUnauthorized, errorCodeUnauthorized, "missing user identity")
			return
		}
		c.Set(userContextKey, userID)
		c.Next()
	}
}

// getUserID retrieves the user ID set by requireUser.
func getUserID(c *gin.Context) (string, bool) {
	userID := c.GetString(userContextKey)
	return userID, userID != ""
}

// requireDispatchSecret guards the run trigger with the shared secret, sent
// as a bearer token or in X-Dispatch-Secret.
func requireDispatchSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := c.GetHeader(dispatchSecretHeader)
		if got == "" {
			if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				got = bearer
			}
		}
		if got == "" || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			abortJSONError(c, http.StatusUnauthorized, errorCodeUnauthorized, "invalid dispatch secret")
			return
		}
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		if userID, ok := getUserID(c); ok {
			entry = entry.WithField("user_id", userID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request handled")
	}
}
