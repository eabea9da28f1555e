package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/petclassifier/config"
	"github.com/krau/petclassifier/onnx"
	"github.com/krau/petclassifier/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	slog.Info("Starting PetClassifier")

	if err := config.Init("config.toml"); err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		return
	}

	defer func() {
		if err := onnx.DestroyEnvironment(); err != nil {
			slog.Error("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
		}
	}()

	if err := server.Init(ctx); err != nil {
		slog.Error("Failed to initialize server", slog.String("error", err.Error()))
		return
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    config.C().Host + ":" + config.C().Port,
		Handler: server.NewRouter(config.C().CorsOrigins),
	}

	slog.Info("Listening on", slog.String("address", srv.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", slog.String("error", err.Error()))
	}
	server.Close(shutdownCtx)
}
