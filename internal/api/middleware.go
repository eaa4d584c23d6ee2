package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/logger"
	"github.com/ajitpratap0/legacysync/pkg/observability"
)

// RequestIDHeader carries the request ID in and out
const RequestIDHeader = "X-Request-ID"

// requestID reuses an incoming X-Request-ID or generates one
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey, id))
		c.Next()
	}
}

// tracing wraps every request in a span
func tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := observability.StartSpan(c.Request.Context(), c.Request.Method+" "+route)
		span.SetAttribute("http.method", c.Request.Method)
		span.SetAttribute("http.route", route)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttribute("http.status_code", status)
		var err error
		if status >= http.StatusInternalServerError {
			err = c.Errors.Last()
			if err == nil {
				err = errors.New(http.StatusText(status))
			}
		}
		span.End(err)
	}
}

// accessLog logs one line per request
func accessLog(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := requestLogger(c, base)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request completed", fields...)
			return
		}
		log.Info("request completed", fields...)
	}
}

// recovery turns handler panics into 500 responses
func (h *handlers) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		requestLogger(c, h.logger).Error("handler panic", zap.Any("panic", rec), zap.Stack("stack"))
		h.abort(c, errors.New("panic"))
	})
}

func requestLogger(c *gin.Context, base *zap.Logger) *zap.Logger {
	return logger.WithContext(c.Request.Context(), base)
}
