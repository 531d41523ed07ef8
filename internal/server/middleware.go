package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/memtide/memtide/internal/platform/logger"
)

const correlationHeader = "X-Correlation-ID"

// correlationID accepts an inbound correlation id or mints one, and echoes
// it on the response so callers can stitch logs together.
func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("correlation_id", id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func accessLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := c.Get("correlation_id")
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"correlation_id", cid,
		)
	}
}

func recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panic",
					"path", c.Request.URL.Path,
					"panic", r,
				)
				cid, _ := c.Get("correlation_id")
				cidStr, _ := cid.(string)
				c.AbortWithStatusJSON(500, errorResponse{Error: errorBody{
					Message:       "internal server error",
					Type:          "server_error",
					CorrelationID: cidStr,
				}})
			}
		}()
		c.Next()
	}
}
