package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"decision-backend/internal/api"
	"decision-backend/internal/core"
	"decision-backend/internal/core/features"
	"decision-backend/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// InitialModel returns the serving handle for a process, loaded with the given
// run's best checkpoint when runId is set.
func InitialModel(ctx context.Context, store storage.ObjectStore, bucket, runId, modelDir string) (*core.ModelHandle, error) {
	if runId == "" {
		slog.Warn("no model run configured, predictions will return 503 until a model is activated")
		return core.NewModelHandle(nil), nil
	}

	id, err := uuid.Parse(runId)
	if err != nil {
		return nil, fmt.Errorf("invalid model run id %q: %w", runId, err)
	}

	pred, err := core.DownloadPredictor(ctx, store, bucket, id, modelDir, features.SystemClock{})
	if err != nil {
		return nil, err
	}
	info := pred.Info()
	slog.Info("loaded serving model", "run_id", id, "task_type", info.Task, "epoch", info.Epoch)
	return core.NewModelHandle(pred), nil
}

func NewRouter(service *api.BackendService, allowCors bool) chi.Router {
	r := chi.NewRouter()

	if allowCors {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return r
}

// Serve runs the server until SIGINT or SIGTERM, then shuts it down and calls
// onShutdown.
func Serve(server *http.Server, onShutdown func()) error {
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		if onShutdown != nil {
			onShutdown()
		}
	}()

	slog.Info("server started", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("error serving on %s: %w", server.Addr, err)
	}
	slog.Info("server stopped")
	return nil
}
