package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIPRateLimiterGetLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(600, 5)

	t.Run("same IP gets the same bucket", func(t *testing.T) {
		l1 := limiter.GetLimiter("192.168.1.1")
		require.NotNil(t, l1)
		assert.Same(t, l1, limiter.GetLimiter("192.168.1.1"))
	})

	t.Run("different IPs get different buckets", func(t *testing.T) {
		assert.NotSame(t, limiter.GetLimiter("10.0.0.1"), limiter.GetLimiter("10.0.0.2"))
	})

	t.Run("concurrent access is safe", func(t *testing.T) {
		ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}
		var wg sync.WaitGroup
		for i := 0; i < 60; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				assert.NotNil(t, limiter.GetLimiter(ips[idx%len(ips)]))
			}(i)
		}
		wg.Wait()
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit(NewIPRateLimiter(60, 3)))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	blocked := false
	var lastStatus int
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Forwarded-For", "192.168.1.1")
		router.ServeHTTP(w, req)
		lastStatus = w.Code
		if w.Code == http.StatusTooManyRequests {
			blocked = true
			break
		}
	}

	assert.True(t, blocked, "burst of 3 must not admit 10 requests")
	assert.Equal(t, http.StatusTooManyRequests, lastStatus)
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": c.GetString("request_id")})
	})

	t.Run("mints an ID when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("keeps a provided ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Request-ID", "given-id-42")
		router.ServeHTTP(w, req)

		assert.Equal(t, "given-id-42", w.Header().Get("X-Request-ID"))
	})
}

func TestCORSMiddleware(t *testing.T) {
	origins := []string{"http://localhost:5173", "http://localhost:3000"}
	router := gin.New()
	router.Use(CORS(origins))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	t.Run("allows configured origins", func(t *testing.T) {
		for _, origin := range origins {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Origin", origin)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("withholds the header from other origins", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://evil.example.com")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("answers preflight with 204", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	})
}

func TestSecurityMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(Security())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "ws:")
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(Recovery())
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	router.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	t.Run("recovers from panics", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/panic", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "internal server error")
	})

	t.Run("passes normal requests through", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/ok", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestGenerateRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateRequestID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}
