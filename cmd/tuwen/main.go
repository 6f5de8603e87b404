package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/accounting"
	"github.com/xiaochefight/tuwenv2/internal/admin"
	"github.com/xiaochefight/tuwenv2/internal/config"
	"github.com/xiaochefight/tuwenv2/internal/db"
	"github.com/xiaochefight/tuwenv2/internal/generation"
	"github.com/xiaochefight/tuwenv2/internal/keymanager"
	"github.com/xiaochefight/tuwenv2/internal/logger"
	"github.com/xiaochefight/tuwenv2/internal/metrics"
	"github.com/xiaochefight/tuwenv2/internal/ratelimit"
	"github.com/xiaochefight/tuwenv2/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"request_id", c.GetString("request_id"),
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// requestID tags every request with an id, reusing a well-formed incoming one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger logs each request at debug level.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString("request_id"),
		)
	}
}

// server bundles the router with the background components that must be closed on shutdown.
type server struct {
	router     *gin.Engine
	accountant *accounting.Accountant
	limiter    ratelimit.Limiter
	scheduler  *scheduler.Scheduler
}

func (s *server) Close() {
	s.scheduler.Stop()
	s.accountant.Close()
	if err := s.limiter.Close(); err != nil {
		slog.Warn("Failed to close rate limiter", "error", err)
	}
}

func newLimiter(cfg config.RateLimitConfig, log *slog.Logger) (ratelimit.Limiter, error) {
	if cfg.RedisURL != "" {
		log.Info("Using redis rate limiter", "requests_per_minute", cfg.RequestsPerMinute)
		return ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.RequestsPerMinute, time.Minute)
	}
	log.Info("Using in-memory rate limiter", "requests_per_minute", cfg.RequestsPerMinute, "burst", cfg.Burst)
	return ratelimit.NewMemoryLimiter(cfg.RequestsPerMinute, cfg.Burst), nil
}

// newServer wires every component behind a gin router.
func newServer(cfg *config.Config, log *slog.Logger, dbService db.Service, generator generation.Generator,
	reg *prometheus.Registry, m *metrics.Metrics) (*server, error) {
	limiter, err := newLimiter(cfg.RateLimit, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	registry := keymanager.NewRegistry(dbService, cfg.Keys, log, m)
	verifier := keymanager.NewVerifier(dbService, log, m)
	accountant := accounting.NewAccountant(dbService, cfg.Accounting.QueueSize, log, m)
	sched := scheduler.NewScheduler(dbService, cfg.Scheduler, log)

	router := gin.New()
	router.Use(customRecovery(log))
	router.Use(requestID())
	router.Use(m.Middleware())
	if cfg.Debug {
		router.Use(requestLogger(log))
	}

	admin.SetupRoutes(router, registry, cfg, log)
	generation.SetupRoutes(router, verifier, generator, accountant, cfg, log, m,
		ratelimit.Middleware(limiter, log, m))

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := dbService.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return &server{
		router:     router,
		accountant: accountant,
		limiter:    limiter,
		scheduler:  sched,
	}, nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so every deferred close happens.
func run() error {
	// A .env file is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	log := logger.New(cfg.Debug, cfg.Log.Format)
	slog.SetDefault(log)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	gemini, err := generation.NewGeminiPool(context.Background(), cfg.Generation.APIKeys(), cfg.Generation.Model,
		time.Duration(cfg.Generation.TimeoutSeconds)*time.Second, log, m)
	if err != nil {
		return fmt.Errorf("error creating card generator: %w", err)
	}
	defer func() {
		if err := gemini.Close(); err != nil {
			log.Warn("Failed to close gemini clients", "error", err)
		}
	}()
	generator := generation.NewBreakerGenerator("gemini", gemini, generation.DefaultBreakerConfig, log, m)

	srv, err := newServer(cfg, log, dbService, generator, reg, m)
	if err != nil {
		return fmt.Errorf("error creating server: %w", err)
	}
	// Pending usage records are flushed after in-flight requests finish.
	defer srv.Close()

	if err := srv.scheduler.Start(); err != nil {
		return fmt.Errorf("error starting scheduler: %w", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server exiting")
	return nil
}
