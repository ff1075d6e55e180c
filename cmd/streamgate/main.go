package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/streamgate/internal/admission"
	"github.com/ent0n29/streamgate/internal/archive"
	"github.com/ent0n29/streamgate/internal/config"
	"github.com/ent0n29/streamgate/internal/httpapi"
	"github.com/ent0n29/streamgate/internal/observability"
	"github.com/ent0n29/streamgate/internal/recording"
	"github.com/ent0n29/streamgate/internal/registry"
	"github.com/ent0n29/streamgate/internal/session"
	"github.com/ent0n29/streamgate/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archiveStore, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}
	defer archiveStore.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("call archive: postgres")
	} else {
		log.Printf("call archive: in-memory")
	}

	sessions := session.NewManager(cfg.SessionRetention)
	sessions.SetEvictHook(func(_ *session.Record) {
		metrics.KnownSessions.Set(float64(sessions.TotalCount()))
	})
	tokens := admission.NewIssuer(cfg.TokenTTL)
	reg := registry.New()
	sink := recording.NewSink(cfg.RecordingDir)
	handler := stream.NewHandler(sessions, sink, archiveStore, metrics)

	api := httpapi.New(cfg, sessions, tokens, reg, handler, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, time.Minute)
	tokens.StartJanitor(runCtx, time.Minute)

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
