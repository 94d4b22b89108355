package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"decision-backend/cmd"
	"decision-backend/internal/api"
	"decision-backend/internal/config"
	"decision-backend/internal/core"
	"decision-backend/internal/core/checkpoint"
	"decision-backend/internal/core/features"
	"decision-backend/internal/database"
	"decision-backend/internal/messaging"
	"decision-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Config struct {
	Root string `env:"ROOT" envDefault:"./decision-engine"`
	Port int    `env:"PORT" envDefault:"3001"`

	// CheckpointDir serves a checkpoint directory written by cmd/train
	// directly, without a registered run.
	CheckpointDir  string `env:"CHECKPOINT_DIR"`
	CheckpointName string `env:"CHECKPOINT_NAME" envDefault:"best_model"`
	ModelRunId     string `env:"MODEL_RUN_ID"`
}

const modelBucket = "models"

// createQueue republishes jobs that were still queued when the process last
// stopped.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var runs []database.TrainingRun
	if err := db.Where("status = ?", database.RunQueued).Find(&runs).Error; err != nil {
		log.Fatalf("Failed to fetch queued training runs: %v", err)
	}

	var evals []database.Evaluation
	if err := db.Where("status = ?", database.JobQueued).Find(&evals).Error; err != nil {
		log.Fatalf("Failed to fetch queued evaluations: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, run := range runs {
		if err := queue.PublishTrainingTask(context.Background(), messaging.TrainingPayload{RunId: run.Id}); err != nil {
			log.Fatalf("Failed to publish training task: %v", err)
		}
	}

	for _, eval := range evals {
		if err := queue.PublishEvaluationTask(context.Background(), messaging.EvaluationPayload{EvaluationId: eval.Id, RunId: eval.RunId}); err != nil {
			log.Fatalf("Failed to publish evaluation task: %v", err)
		}
	}

	if len(runs)+len(evals) > 0 {
		slog.Info("requeued pending jobs", "training_runs", len(runs), "evaluations", len(evals))
	}

	return queue
}

func initialModel(ctx context.Context, cfg Config, store storage.ObjectStore, modelDir string) *core.ModelHandle {
	if cfg.CheckpointDir != "" {
		pred, err := core.LoadPredictor(cfg.CheckpointDir, cfg.CheckpointName, checkpoint.LoadOptions{}, features.SystemClock{}, uuid.NullUUID{})
		if err != nil {
			log.Fatalf("Failed to load checkpoint: %v", err)
		}
		slog.Info("serving local checkpoint", "dir", cfg.CheckpointDir, "checkpoint", cfg.CheckpointName, "task_type", pred.Info().Task)
		return core.NewModelHandle(pred)
	}

	model, err := cmd.InitialModel(ctx, store, modelBucket, cfg.ModelRunId, modelDir)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	return model
}

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Parse[Config]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "checkpoint_dir", cfg.CheckpointDir, "model_run_id", cfg.ModelRunId)

	ctx := context.Background()

	db, err := database.NewSqliteDatabase(filepath.Join(cfg.Root, "db", "decisions.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.CreateBucket(ctx, modelBucket); err != nil {
		log.Fatalf("Failed to create model bucket: %v", err)
	}

	queue := createQueue(db)

	modelDir := filepath.Join(cfg.Root, "models")
	worker := core.NewTaskProcessor(db, store, queue, queue, filepath.Join(cfg.Root, "runs"), modelBucket)

	service := api.NewBackendService(db, store, modelBucket, queue, initialModel(ctx, cfg, store, modelDir), modelDir)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: cmd.NewRouter(service, true),
	}

	slog.Info("starting worker")
	go worker.Start()

	if err := cmd.Serve(server, func() {
		slog.Info("shutting down worker")
		worker.Stop()
	}); err != nil {
		log.Fatalf("%v", err)
	}
}
