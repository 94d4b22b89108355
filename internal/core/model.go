package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"decision-backend/internal/core/checkpoint"
	"decision-backend/internal/core/features"
	"decision-backend/internal/storage"

	"github.com/google/uuid"
)

// DownloadPredictor fetches a trained run's checkpoints from the object store
// into localDir and loads its best checkpoint for serving. Any previous copy
// of the run in localDir is replaced.
func DownloadPredictor(ctx context.Context, store storage.ObjectStore, bucket string, runId uuid.UUID, localDir string, clock features.Clock) (*Predictor, error) {
	dest := filepath.Join(localDir, runId.String())
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("error clearing model directory: %w", err)
	}

	slog.Info("downloading model", "run_id", runId, "dest", dest)
	if err := store.DownloadDir(ctx, bucket, storage.RunPrefix(runId.String()), dest, true); err != nil {
		return nil, fmt.Errorf("error downloading model for run %s: %w", runId, err)
	}

	pred, err := LoadPredictor(dest, checkpoint.BestName, checkpoint.LoadOptions{}, clock, uuid.NullUUID{UUID: runId, Valid: true})
	if err != nil {
		return nil, fmt.Errorf("error loading model for run %s: %w", runId, err)
	}
	return pred, nil
}
