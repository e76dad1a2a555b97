package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/divvyup/divvy/internal/approval"
	"github.com/divvyup/divvy/internal/auth"
	"github.com/divvyup/divvy/internal/channel"
	"github.com/divvyup/divvy/internal/config"
	"github.com/divvyup/divvy/internal/feed"
	"github.com/divvyup/divvy/internal/middleware"
	"github.com/divvyup/divvy/internal/presence"
	"github.com/divvyup/divvy/internal/service"
	"github.com/divvyup/divvy/internal/storage/sqlite"
	"github.com/divvyup/divvy/pkg/logging"
)

func main() {
	logging.Setup()
	cfg := config.Load()

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("Storage initialized", "database", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := channel.NewHub()
	activityFeed := feed.New(store)
	tracker := presence.New(hub, cfg.PresenceLiveness)
	go tracker.RunSweeper(ctx, cfg.PresenceSweepInterval)

	var engineOpts []approval.Option
	if cfg.SelfApprovalAllowed {
		engineOpts = append(engineOpts, approval.WithSelfApproval())
	}
	engine := approval.NewEngine(store, activityFeed, hub, engineOpts...)

	syncSvc := service.NewSyncService(store, activityFeed, hub, tracker, engine)

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenDuration)
	authSvc := service.NewAuthService(auth.NewPasswordAuthenticator(store), jwtManager)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authSvc.Register)
	mux.HandleFunc("POST /auth/login", authSvc.Login)
	mux.Handle("/ws", middleware.RequireAuth(jwtManager, http.HandlerFunc(syncSvc.ServeWS)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: middleware.Logging(mux),
		BaseContext: func(net.Listener) context.Context {
			// Sessions inherit the process context, so shutdown cancels
			// their pumps.
			return ctx
		},
	}

	go func() {
		slog.Info("Server starting", "address", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown did not complete cleanly", "error", err)
	}
}
