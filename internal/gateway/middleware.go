package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"school-platform/devicequota/internal/security"
	"school-platform/devicequota/internal/server/interceptors"
)

const contextKeyIdentity = "identity"

// requestLogger logs each request using zap.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// authenticate enforces Bearer token authentication. A nil tokens attaches the development identity.
func authenticate(tokens interceptors.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Set(contextKeyIdentity, interceptors.DevIdentity)
			c.Next()
			return
		}
		id, err := interceptors.Authenticate(tokens, interceptors.BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			abortError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid authorization")
			return
		}
		c.Set(contextKeyIdentity, id)
		c.Next()
	}
}

// requestContext carries the caller identity, client address and user agent the way the gRPC
// transport does, so handlers see the same context on both paths.
func requestContext(c *gin.Context) context.Context {
	md := metadata.Pairs("x-forwarded-for", c.ClientIP(), "user-agent", c.Request.UserAgent())
	ctx := metadata.NewIncomingContext(c.Request.Context(), md)
	if v, ok := c.Get(contextKeyIdentity); ok {
		if id, ok := v.(security.Identity); ok {
			ctx = interceptors.WithIdentity(ctx, id)
		}
	}
	return ctx
}
