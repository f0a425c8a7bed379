// Package gateway provides HTTP admission control for the scanledger API.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Route classes. Imports hold a database transaction for the whole upload, so
// they get a budget of their own.
const (
	ClassImport = "import"
	ClassQuery  = "query"
)

// RateLimitConfig configures the per-client limits. A zero limit disables
// limiting for that class.
type RateLimitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ImportsPerMinute int           `yaml:"imports_per_minute" validate:"gte=0"`
	QueriesPerMinute int           `yaml:"queries_per_minute" validate:"gte=0"`
	Window           time.Duration `yaml:"window"`
	IncludeHeaders   bool          `yaml:"include_headers"`
	KeyPrefix        string        `yaml:"key_prefix"`
}

// DefaultRateLimitConfig returns sensible defaults. Limiting is off until enabled.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		ImportsPerMinute: 30,
		QueriesPerMinute: 600,
		Window:           time.Minute,
		IncludeHeaders:   true,
		KeyPrefix:        "scanledger:ratelimit",
	}
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter counts requests per client and class in fixed Redis windows.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger.With(zap.String("component", "ratelimit")),
		config: cfg,
	}
}

func (rl *RateLimiter) limit(class string) int {
	switch class {
	case ClassImport:
		return rl.config.ImportsPerMinute
	case ClassQuery:
		return rl.config.QueriesPerMinute
	default:
		return 0
	}
}

// Check counts one request. Redis failures fail open.
func (rl *RateLimiter) Check(ctx context.Context, class, clientID string) (*RateLimitResult, error) {
	limit := rl.limit(class)
	if limit <= 0 {
		return &RateLimitResult{Allowed: true}, nil
	}

	key := fmt.Sprintf("%s:%s:%s", rl.config.KeyPrefix, class, clientID)
	vals, err := incrScript.Run(ctx, rl.redis, []string{key}, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit}, nil
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = rl.config.Window
	}

	res := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   time.Now().Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}

// Middleware limits every request passing through it under class.
func (rl *RateLimiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := rl.Check(r.Context(), class, clientIP(r))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders && result.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
