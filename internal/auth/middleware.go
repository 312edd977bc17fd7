package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mpescrow/internal/ethsig"
	"github.com/mbd888/mpescrow/internal/logging"
)

// ContextKeyAccount is the gin context key holding the verified caller.
const ContextKeyAccount = "authAccount"

// RequireSignature rejects requests that are not signed by the account
// they claim, and records the caller for handlers and logs.
func RequireSignature(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "invalid_request",
					"message": "request body could not be read",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		acct, err := v.Verify(
			c.Request.Method,
			c.Request.URL.RequestURI(),
			c.GetHeader(HeaderAccount),
			c.GetHeader(HeaderTimestamp),
			c.GetHeader(HeaderSignature),
			body,
		)
		if err != nil {
			logging.L(c.Request.Context()).Warn("request authentication failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": message(err),
			})
			return
		}

		c.Set(ContextKeyAccount, acct)
		c.Request = c.Request.WithContext(logging.WithAccount(c.Request.Context(), acct))
		c.Next()
	}
}

func message(err error) string {
	switch {
	case errors.Is(err, ErrMissingHeaders):
		return "X-Account, X-Timestamp and X-Signature headers are required"
	case errors.Is(err, ErrBadTimestamp):
		return "X-Timestamp must be unix seconds close to server time"
	case errors.Is(err, ErrBadAccount):
		return "X-Account must be a valid Ethereum address"
	case errors.Is(err, ErrReplayed):
		return "signature already used"
	case errors.Is(err, ethsig.ErrSignerMismatch), errors.Is(err, ethsig.ErrInvalidSignature):
		return "signature does not match account"
	default:
		return "authentication failed"
	}
}

// Caller returns the verified account, or "" on unauthenticated routes.
func Caller(c *gin.Context) string {
	return c.GetString(ContextKeyAccount)
}
