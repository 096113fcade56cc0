package handlers

import (
	"log/slog"
	"net/http"

	"evoting-tally/cache"

	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware throttles requests per client IP. A nil limiter lets
// everything through. Limiter failures fail open.
func RateLimitMiddleware(limiter cache.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			slog.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please retry later",
			})
			return
		}
		c.Next()
	}
}
