package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/buildroom-dev/buildroom/internal/ai"
	"github.com/buildroom-dev/buildroom/internal/auth"
	"github.com/buildroom-dev/buildroom/internal/config"
	"github.com/buildroom-dev/buildroom/internal/database"
	"github.com/buildroom-dev/buildroom/internal/gateway"
	"github.com/buildroom-dev/buildroom/internal/handler"
	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/middleware"
	"github.com/buildroom-dev/buildroom/internal/pipeline"
	"github.com/buildroom-dev/buildroom/internal/sandbox"
	"github.com/buildroom-dev/buildroom/internal/sandbox/docker"
	"github.com/buildroom-dev/buildroom/internal/store"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer logr.Close()

	// Connect to database and run migrations
	db, err := database.New(cfg)
	if err != nil {
		logr.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logr.Fatal("failed to run migrations", "error", err)
	}
	logr.Info("database ready", "driver", cfg.DatabaseDriver)
	if db.IsSQLite() {
		// SQLite serializes writers in-process; a second server instance on the
		// same file would contend on the database lock.
		logr.Info("sqlite database in use, run a single server instance")
	}

	s := store.New(db.DB)
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.AccessTokenTTL)

	// AI generation client
	aiClient := ai.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.AITimeout)
	var generator pipeline.Generator
	if aiClient.IsConfigured() {
		generator = aiClient
		logr.Info("ai generation enabled", "model", cfg.GeminiModel)
	} else {
		logr.Warn("GEMINI_API_KEY not set, ai generation disabled")
	}

	// Session gateway and message pipeline
	gwLog := logr.With("component", "gateway")
	hub := gateway.NewHub(gwLog)
	gw := gateway.New(hub, s, jwtManager, gwLog)
	pipe := pipeline.New(s, hub, generator, logr.With("component", "pipeline"))
	gw.SetSink(pipe)

	// Sandbox orchestrator, backed by Docker when the daemon is reachable.
	var orchestrator *sandbox.Orchestrator
	sandboxLog := logr.With("component", "sandbox")
	if runtime, runtimeErr := docker.NewRuntime(cfg.DockerHost, cfg.SandboxImage, cfg.SandboxPort, sandboxLog); runtimeErr != nil {
		logr.Warn("docker runtime unavailable, sandbox endpoints disabled", "error", runtimeErr)
	} else {
		defer runtime.Close()
		orchestrator = sandbox.New(runtime, sandbox.Timeouts{
			Install: cfg.InstallTimeout,
			Start:   cfg.StartTimeout,
			Ready:   cfg.ReadyTimeout,
		}, sandboxLog)
		logr.Info("sandbox runtime initialized", "image", cfg.SandboxImage)
	}

	h := handler.New(s, orchestrator, logr)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// Websocket gateway. Authentication happens in the handler itself, before
	// the upgrade. No timeout middleware here: the socket is long-lived.
	r.Get("/ws", gw.HandleWS)

	// API routes (auth required)
	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Use(middleware.Auth(jwtManager))

		r.Get("/me", h.Me)
		r.Get("/users", h.ListUsers)
		r.Post("/users", h.CreateUser)

		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Put("/projects/update-file-tree", h.UpdateFileTree)

		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Get("/messages", h.ListMessages)
			r.Put("/save", h.SaveProject)

			r.Route("/sandbox", func(r chi.Router) {
				r.Post("/run", h.RunSandbox)
				r.Post("/stop", h.StopSandbox)
				r.Get("/status", h.SandboxStatus)
			})
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("server failed", "error", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logr.Error("forced shutdown", "error", err)
	}
}
