package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/auth"
	"github.com/openmeet-labs/signaling/internal/v1/config"
	"github.com/openmeet-labs/signaling/internal/v1/health"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/media"
	"github.com/openmeet-labs/signaling/internal/v1/middleware"
	"github.com/openmeet-labs/signaling/internal/v1/policy"
	"github.com/openmeet-labs/signaling/internal/v1/ratelimit"
	"github.com/openmeet-labs/signaling/internal/v1/session"
	"github.com/openmeet-labs/signaling/internal/v1/tracing"
)

const serviceName = "sfu-signaling"

func main() {
	// Load .env for local development. Try multiple paths to handle
	// different ways of running the binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("logger initialization failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()
	if !envLoaded {
		logging.Warn(ctx, "no .env file found, relying on environment variables")
	}
	logging.Info(ctx, "configuration loaded", zap.Any("config", cfg.RedactedSummary()))

	verifier, err := buildVerifier(cfg)
	if err != nil {
		logging.Fatal(ctx, "token verifier initialization failed", zap.Error(err))
	}

	// --- Redis (optional) ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Error(ctx, "redis unreachable, falling back to in-process stores", zap.Error(err))
			redisClient = nil
		} else {
			logging.Info(ctx, "redis connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	limiters, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "rate limiter initialization failed", zap.Error(err))
	}

	policies, err := policy.NewTable(cfg.ClientPoliciesJSON)
	if err != nil {
		logging.Fatal(ctx, "client policy parse failed", zap.Error(err))
	}

	// --- Tracing (optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Fatal(ctx, "tracer initialization failed", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(shutdownCtx, "tracer shutdown failed", zap.Error(err))
			}
		}()
		logging.Info(ctx, "tracing enabled", zap.String("collector", cfg.OTLPEndpoint))
	}

	// --- Media worker ---
	mediaClient := media.NewClient(cfg.MediaWorkerAddr)
	defer mediaClient.Close()

	hub := session.NewHub(cfg, verifier, mediaClient, policies, limiters.WsUser)
	mediaClient.SetObserver(hub)

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go mediaClient.RunEventStream(streamCtx)

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTLPEndpoint != "" {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	wsGroup := router.Group("/ws")
	wsGroup.Use(limiters.WsIPMiddleware())
	{
		wsGroup.GET("/:roomId", hub.ServeWs)
	}

	probes := router.Group("/", limiters.ProbeMiddleware())
	{
		probes.GET("/metrics", gin.WrapH(promhttp.Handler()))

		healthHandler := health.NewHandler(redisClient, health.NewHTTPWorkerChecker(cfg.MediaWorkerAddr))
		probes.GET("/health/live", healthHandler.Liveness)
		probes.GET("/health/ready", healthHandler.Readiness)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Rooms first so every socket gets the restart notice before the
	// listener stops accepting writes.
	hub.Shutdown()
	stopStream()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "server forced to shut down", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logging.Error(shutdownCtx, "redis close failed", zap.Error(err))
		}
	}

	logging.Info(ctx, "server exited")
}

func buildVerifier(cfg *config.Config) (auth.TokenVerifier, error) {
	if cfg.TokenJWKS != "" {
		return auth.NewJWKSVerifier(cfg.TokenJWKS)
	}
	return auth.NewHS256Verifier(cfg.TokenSecret)
}
