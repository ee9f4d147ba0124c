package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/cache"
	"webforge/internal/config"
	"webforge/internal/db"
	"webforge/internal/enrich"
	"webforge/internal/gateway"
	"webforge/internal/handlers"
	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/internal/middleware"
	"webforge/internal/pipeline"
	"webforge/internal/project"
	"webforge/internal/supervisor"
)

func main() {
	// Load .env before config reads the environment. Missing files are
	// fine; deployments set real environment variables.
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L().Named("main")

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	m := metrics.Get()

	database, err := db.Open(db.Options{PostgresDSN: cfg.DatabaseURL, DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("opening database", zap.Error(err))
	}

	cacheOpts := []cache.Option{cache.WithCounters(m.CacheHits.Inc, m.CacheMisses.Inc)}
	if cfg.RedisURL != "" {
		redisClient, err := cache.NewGoRedisClient(cfg.RedisURL)
		if err != nil {
			log.Warn("redis unreachable, using in-process cache", zap.Error(err))
		} else {
			cacheOpts = append(cacheOpts, cache.WithRedis(redisClient))
			log.Info("cache backed by redis")
		}
	}
	specCache := cache.New(cacheOpts...)

	store, err := project.NewStore(cfg.ProjectsDir)
	if err != nil {
		log.Fatal("opening project store", zap.Error(err))
	}

	client := ai.NewOllamaClient(cfg.OllamaURL)
	procs := supervisor.New()
	enricher := enrich.New(client, specCache, cfg.RefineModel)

	engine := pipeline.New(pipeline.Config{
		Cfg:     cfg,
		Store:   store,
		Client:  client,
		Models:  client,
		Refiner: enricher,
		Procs:   procs,
		DB:      database,
	})

	gw := gateway.New(gateway.Config{
		Engine:             engine,
		Store:              store,
		DB:                 database,
		Secret:             cfg.SessionSecret,
		Origins:            cfg.Origins(),
		Environment:        cfg.Environment,
		CancelOnDisconnect: cfg.CancelOnDisconnect,
	})
	go gw.Run()

	h := &handlers.Handler{
		Cfg:      cfg,
		Engine:   engine,
		Store:    store,
		DB:       database,
		AI:       client,
		Cache:    specCache,
		Sessions: gw,
	}

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           apiRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gatewayServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.GatewayPort),
		Handler:           gatewayRouter(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 2)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	log.Info("webforge ready",
		zap.Int("api_port", cfg.Port),
		zap.Int("gateway_port", cfg.GatewayPort),
		zap.String("ollama", cfg.OllamaURL),
		zap.String("projects_dir", cfg.ProjectsDir),
		zap.String("environment", cfg.Environment),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("signal received, shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 1. Stop accepting new requests and drain in-flight ones. Websocket
	// connections are hijacked, so they survive this and close in step 3.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown", zap.Error(err))
	}
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway server shutdown", zap.Error(err))
	}
	log.Info("http servers stopped")

	// 2. Cancel in-flight runs and wait for their teardown, so connected
	// sessions still see the cancellation events.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	log.Info("engine stopped")

	// 3. Close the remaining websocket sessions.
	gw.Shutdown()
	log.Info("gateway stopped")

	// 4. Force-kill anything still running, which at this point is only
	// project-scoped dev servers kept alive for their serving URLs.
	procs.StopAll()
	log.Info("child processes stopped")

	if err := database.Close(); err != nil {
		log.Warn("closing database", zap.Error(err))
	}
	if err := specCache.Close(); err != nil {
		log.Warn("closing cache", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// apiRouter assembles the REST surface with the full middleware chain.
func apiRouter(cfg *config.Config, h *handlers.Handler) *gin.Engine {
	limiter := middleware.NewIPRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst)

	r := gin.New()
	r.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Metrics(),
		middleware.Security(),
		middleware.CORS(cfg.Origins()),
		middleware.RateLimit(limiter),
	)
	h.Register(r)
	return r
}

// gatewayRouter serves only the websocket upgrade. It lives on its own
// port so long-lived event streams never sit behind the API limiter.
func gatewayRouter(gw *gateway.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery())
	r.GET("/ws", gw.HandleWS)
	return r
}
