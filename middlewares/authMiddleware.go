package middlewares

import (
	"context"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/gin-gonic/gin"
)

type authString string

// OperatorAuthMiddleware accepts an operator JWT from the token header or an
// Authorization bearer. An empty secret turns the check off.
func OperatorAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		token := strings.TrimSpace(c.GetHeader("token"))
		if token == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			bearer := "Bearer "
			if len(auth) > len(bearer) && strings.EqualFold(auth[:len(bearer)], bearer) {
				token = strings.TrimSpace(auth[len(bearer):])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := utils.OperatorTokenValidate(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := context.WithValue(c.Request.Context(), authString("auth"), claims)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.OperatorClaims {
	raw, _ := ctx.Value(authString("auth")).(*utils.OperatorClaims)
	return raw
}
