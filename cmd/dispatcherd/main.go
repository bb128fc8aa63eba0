package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/shopfloor/internal/api"
	"github.com/example/shopfloor/internal/bootstrap"
	"github.com/example/shopfloor/internal/observability"
)

func main() {
	port := strings.TrimSpace(os.Getenv("SHOPFLOOR_PORT"))
	if port == "" {
		port = "8080"
	}

	shutdownTrace, err := observability.InitTracingFromEnv("shopfloor-dispatcher")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	core, err := bootstrap.NewCoreFromEnv()
	if err != nil {
		log.Fatalf("bootstrap core: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if core.Archiver != nil {
		go core.Archiver.Run(ctx)
	}

	server := api.NewServer(core.Engine, core.Workflows, core.Store)
	srv := &http.Server{Addr: ":" + port, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = core.Sink.Close(shutdownCtx)
	}()

	log.Printf("shopfloor dispatcher listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("dispatcher failed: %v", err)
	}
	log.Println("shopfloor dispatcher shutting down")
}
