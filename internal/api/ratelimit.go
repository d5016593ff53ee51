package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

const headerClientID = "X-Client-Id"

var rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paystream_ratelimit_rejections_total",
	Help: "Requests rejected by the per-client rate limiter",
}, []string{"backend"})

// Limiter admits up to a fixed number of requests per client per window.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, error)
	Backend() string
}

// LocalLimiter keeps fixed-window counters in process, one lock per client.
// Counters are not shared between API instances.
type LocalLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*clientWindow
}

type clientWindow struct {
	mu    sync.Mutex
	start time.Time
	count int
}

func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*clientWindow),
	}
}

func (l *LocalLimiter) Backend() string { return "local" }

func (l *LocalLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	cw := l.windowFor(clientID)
	cw.mu.Lock()
	defer cw.mu.Unlock()

	now := l.now()
	if cw.start.IsZero() || now.Sub(cw.start) >= l.window {
		cw.start = now
		cw.count = 0
	}
	if cw.count >= l.limit {
		return false, nil
	}
	cw.count++
	return true, nil
}

func (l *LocalLimiter) windowFor(clientID string) *clientWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	cw, ok := l.windows[clientID]
	if !ok {
		cw = &clientWindow{}
		l.windows[clientID] = cw
	}
	return cw
}

// RedisLimiter shares fixed-window counters between instances. The window starts at the
// first INCR of a key and ends when its expiry fires. A key found without an expiry gets
// one on the next request, so a lost PEXPIRE cannot pin a client's counter forever.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
}

func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Backend() string { return "redis" }

// Allow returns true with the error when no count could be read. When only the expiry
// write fails, the decision reflects the count.
func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	key := "ratelimit:" + clientID

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("rate limit incr: %w", err)
	}
	allowed := incr.Val() <= int64(l.limit)

	// PTTL reports -1 for a key with no expiry.
	if ttl.Val() < 0 {
		if err := l.client.PExpire(ctx, key, l.window).Err(); err != nil {
			return allowed, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return allowed, nil
}

// RateLimit rejects requests without X-Client-Id and clients over their budget.
// On a limiter error the request is logged and the limiter's decision stands; the Redis
// limiter admits when it could not count.
func RateLimit(limiter Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := r.Header.Get(headerClientID)
			if client == "" {
				respondWithError(w, r, http.StatusBadRequest, "Missing X-Client-Id header")
				return
			}

			allowed, err := limiter.Allow(r.Context(), client)
			if err != nil {
				loggerFrom(r.Context(), logger).Warn("rate limiter degraded",
					"client_id", client, "backend", limiter.Backend(), "allowed", allowed, "error", err)
			}
			if !allowed {
				rateLimitRejections.WithLabelValues(limiter.Backend()).Inc()
				respondWithError(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
