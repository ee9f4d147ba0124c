// Package middleware carries the HTTP cross-cutting concerns: CORS,
// per-IP rate limiting, request IDs, panic recovery, request logging
// and Prometheus instrumentation.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"webforge/internal/logging"
	"webforge/internal/metrics"
)

// RateLimiter pairs a token bucket with its last use, so idle buckets
// can be reaped.
type RateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out one token bucket per client IP.
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
}

// NewIPRateLimiter builds a limiter allowing rpm requests per minute
// with the given burst per IP, and starts the idle-bucket reaper.
func NewIPRateLimiter(rpm, burst int) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate.Limit(rpm) / 60,
		burst:    burst,
		cleanup:  10 * time.Minute,
	}
	go l.cleanupRoutine()
	return l
}

// GetLimiter returns the bucket for an IP, creating it on first sight.
func (irl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	irl.mu.Lock()
	defer irl.mu.Unlock()

	l, ok := irl.limiters[ip]
	if !ok {
		l = &RateLimiter{
			limiter:  rate.NewLimiter(irl.rate, irl.burst),
			lastSeen: time.Now(),
		}
		irl.limiters[ip] = l
	} else {
		l.lastSeen = time.Now()
	}
	return l.limiter
}

func (irl *IPRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(irl.cleanup)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		irl.mu.Lock()
		for ip, l := range irl.limiters {
			if l.lastSeen.Before(cutoff) {
				delete(irl.limiters, ip)
			}
		}
		irl.mu.Unlock()
	}
}

// RateLimit rejects clients that drain their bucket with a 429.
func RateLimit(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded, retry shortly",
			})
			return
		}
		c.Next()
	}
}

// RequestID tags every request with an ID, minting one when the client
// did not send X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func generateRequestID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

// CORS allows the configured browser origins and answers preflights.
func CORS(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		for _, allowed := range origins {
			if origin == allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				break
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Security sets the standard browser hardening headers. connect-src
// admits ws: and wss: so the event stream works from served pages.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss:")
		c.Next()
	}
}

// Recovery turns panics into 500s and logs the stack.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L().Error("panic recovered",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.Stack("stack"))

		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal server error",
		})
	})
}

// RequestLogger logs one structured line per request. Health and
// metrics probes are skipped to keep the log readable.
func RequestLogger() gin.HandlerFunc {
	logger := logging.L().Named("http")
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("request_id", c.GetString("request_id")),
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// Metrics records request counts, latency and in-flight gauge. The
// route template is used as the endpoint label so path parameters do
// not explode the cardinality.
func Metrics() gin.HandlerFunc {
	m := metrics.Get()
	return func(c *gin.Context) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		c.Next()
		m.HTTPRequestsInFlight.Dec()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
