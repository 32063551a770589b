package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/roadpulse/roadpulse/internal/api/models"
)

// RateLimitConfig is a request budget per client IP.
type RateLimitConfig struct {
	RequestLimit int
	WindowLength time.Duration
}

// Default budgets.
var (
	// AnalyticsRateLimit applies to the computed analytics endpoints (30 req/min).
	AnalyticsRateLimit = RateLimitConfig{RequestLimit: 30, WindowLength: time.Minute}

	// StandardRateLimit applies to plain reads (100 req/min).
	StandardRateLimit = RateLimitConfig{RequestLimit: 100, WindowLength: time.Minute}
)

// RateLimitByIP limits requests per client IP. Put chi's RealIP middleware
// in front of it when running behind a proxy.
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(cfg.WindowLength.Seconds())))

	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			// httprate does not expose the reset time; a full window is
			// an upper bound.
			w.Header().Set("Retry-After", retryAfter)

			problem := models.NewTooManyRequests(GetRequestID(r.Context()), "rate limit exceeded, retry later")
			problem.Instance = r.URL.Path
			problem.Write(w)
		}),
	)
}
