package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/govanswers/govanswers/config"
	"github.com/govanswers/govanswers/internal/agent"
	"github.com/govanswers/govanswers/internal/batch"
	"github.com/govanswers/govanswers/internal/pipeline"
	"github.com/govanswers/govanswers/internal/progress"
	"github.com/govanswers/govanswers/internal/prompts"
	"github.com/govanswers/govanswers/internal/search"
	"github.com/govanswers/govanswers/internal/store"
	"github.com/govanswers/govanswers/internal/telemetry"
	"github.com/govanswers/govanswers/internal/verify"
)

// Run wires the full service and blocks serving HTTP.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Telemetry.Enabled {
		path := cfg.Telemetry.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(promhttp.Handler()))
	}

	ctx := context.Background()
	if err := store.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	}

	tel := telemetry.New(prometheus.DefaultRegisterer)
	hub := progress.NewHub()
	verifier := verify.New(verify.NewHTTPChecker(cfg.Verification))
	resolver := prompts.NewResolver(st)

	embedder, err := agent.NewEmbedder(cfg.LLM)
	if err != nil {
		baseLogger.Printf("embedder unavailable, background embeddings disabled: %v", err)
		embedder = nil
	}

	factory := func(p agent.Provider, sp search.Provider, overrides map[string]string) (agent.Agent, error) {
		return agent.New(p, sp, cfg.LLM, cfg.Search, overrides)
	}
	orch := pipeline.NewOrchestrator(st, factory, verifier, resolver, hub, embedder, tel)

	defaultModel := cfg.LLM.Routing.Answering
	if defaultModel == "" {
		defaultModel = string(agent.ProviderOpenAI)
	}
	sched := batch.NewScheduler(st, orch, cfg.Batch, defaultModel, string(search.GoogleProvider), tel)

	drainer := &batch.Drainer{
		Store: st,
		Sched: sched,
		Rdb:   rdb,
		Cron:  cfg.Batch.DrainCron,
		Slice: cfg.Batch.DrainSlice,
		Stop:  make(chan struct{}),
	}
	drainer.Start()
	defer close(drainer.Stop)

	gate := NewGate(rdb, cfg.Server.RateLimitPerHour)

	api := e.Group("/api")

	chat := &ChatHandler{
		Orch:      orch,
		Hub:       hub,
		Gate:      gate,
		Timeout:   cfg.Server.RequestTimeout,
		KeepAlive: cfg.Server.ProgressKeepAlive,
	}
	chat.Register(api.Group("/chat"))

	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	batches := &BatchesHandler{Store: st, Sched: sched, DefaultSlice: cfg.Batch.DefaultDuration}
	batchGroup := api.Group("/batches")
	batchGroup.Use(AuthMiddleware([]byte(cfg.Server.JWTSecret)))
	batches.Register(batchGroup)

	overrides := &OverridesHandler{Store: st}
	overrideGroup := api.Group("/overrides")
	overrideGroup.Use(AuthMiddleware([]byte(cfg.Server.JWTSecret)))
	overrides.Register(overrideGroup)

	return e.Start(cfg.Server.Address)
}
