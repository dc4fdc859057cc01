package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"slide-guide/internal/api"
	"slide-guide/internal/cache"
	"slide-guide/internal/config"
	"slide-guide/internal/db"
	"slide-guide/internal/logger"
	"slide-guide/internal/render"
	"slide-guide/internal/services"
	"slide-guide/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	conn, err := db.Open(cfg.Database)
	if err != nil {
		lg.Fatal("open database", "error", err, "path", cfg.Database)
	}
	defer conn.Close()

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, lg)
	if err != nil {
		lg.Fatal("open workspace root", "error", err)
	}
	// Workspaces from a previous run have no owner any more.
	if _, err := workspaces.RemoveOrphans(); err != nil {
		lg.Warn("remove orphaned workspaces", "error", err)
	}

	if cfg.LongLivedCache() && (cfg.CacheMaxAge > 0 || cfg.CacheMaxBytes > 0) {
		report, err := cache.Prune(cfg.CacheRoot, cache.PrunePolicy{MaxAge: cfg.CacheMaxAge, MaxBytes: cfg.CacheMaxBytes})
		if err != nil {
			lg.Warn("prune cache", "error", err)
		} else {
			lg.Info("cache pruned",
				"removed", len(report.Removed),
				"freed", humanize.Bytes(uint64(report.FreedBytes)),
				"remaining", humanize.Bytes(uint64(report.RemainingBytes)),
			)
		}
	}

	renderer, err := render.New(cfg.Renderer)
	if err != nil {
		lg.Fatal("select renderer", "error", err)
	}
	provider := services.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIEndpoint, cfg.OpenAIModel, cfg.OpenAIAdvancedModel, cfg.ProviderTimeout)
	if !provider.Enabled() {
		lg.Warn("OPENAI_API_KEY not set, only cached documents can be analyzed")
	}
	usage := services.NewUsageLedger(conn, lg)
	history := services.NewHistoryService(conn)

	guides, err := services.NewGuideService(workspaces, renderer, provider, usage, history, lg, services.GuideOptions{
		CacheRoot:     cfg.CacheRoot,
		DPI:           cfg.DPI,
		Concurrency:   cfg.Concurrency,
		DecodeRetries: cfg.DecodeRetries,
		Model:         cfg.OpenAIModel,
		AdvancedModel: cfg.OpenAIAdvancedModel,
		Verify:        cfg.VerifyAnswers,
	})
	if err != nil {
		lg.Fatal("init guide service", "error", err)
	}

	server := api.NewServer(guides, usage, history, lg, cfg.MaxUploadBytes)
	mux := http.NewServeMux()
	mux.Handle("/api", server.Handler())
	mux.Handle("/api/", server.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 15 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	lg.Info("listening",
		"port", cfg.Port,
		"renderer", cfg.Renderer,
		"dpi", cfg.DPI,
		"shared_cache", cfg.LongLivedCache(),
		"model", cfg.OpenAIModel,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Error("server failed", "error", err)
	}

	guides.Close()
	if err := workspaces.CloseAll(); err != nil {
		lg.Warn("close workspaces", "error", err)
	}
	lg.Info("shutdown complete")
}
