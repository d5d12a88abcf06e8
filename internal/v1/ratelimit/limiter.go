// Package ratelimit builds the server's rate limiters on ulule/limiter,
// backed by Redis when enabled and by process memory otherwise.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/openmeet-labs/signaling/internal/v1/config"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
)

// Limiters bundles the enforced budgets: websocket upgrades per IP,
// requests per user key, and probe endpoints per IP.
type Limiters struct {
	WsIP   *limiter.Limiter
	WsUser *limiter.Limiter
	Probe  *limiter.Limiter
}

// New parses the configured rates and builds the limiter set. redisClient
// may be nil, in which case counters live in process memory and reset on
// restart.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiters, error) {
	store, err := newStore(redisClient)
	if err != nil {
		return nil, err
	}

	wsIP, err := limiterFor(store, cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_WS_IP: %w", err)
	}
	wsUser, err := limiterFor(store, cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_WS_USER: %w", err)
	}
	probe, err := limiterFor(store, cfg.RateLimitAPIProbe)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_API_PROBE: %w", err)
	}

	return &Limiters{WsIP: wsIP, WsUser: wsUser, Probe: probe}, nil
}

func newStore(redisClient *redis.Client) (limiter.Store, error) {
	if redisClient == nil {
		logging.Warn(context.Background(), "rate limiter using in-memory store")
		return memory.NewStore(), nil
	}
	store, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: "sfu_signaling:ratelimit",
	})
	if err != nil {
		return nil, fmt.Errorf("creating redis rate-limit store: %w", err)
	}
	return store, nil
}

func limiterFor(store limiter.Store, formatted string) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", formatted, err)
	}
	return limiter.New(store, rate), nil
}

// WsIPMiddleware throttles websocket upgrade attempts by client IP.
func (l *Limiters) WsIPMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(l.WsIP)
}

// ProbeMiddleware throttles the health and metrics endpoints by client IP.
func (l *Limiters) ProbeMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(l.Probe)
}
