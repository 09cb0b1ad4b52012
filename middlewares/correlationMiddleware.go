package middlewares

import (
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const CorrelationHeader = "x-correlation-id"

// CorrelationMiddleware carries the caller's correlation id, or a fresh one, on the request context
// and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(CorrelationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(CorrelationHeader, cid)
		c.Next()
	}
}
