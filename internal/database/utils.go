package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NullFloat maps NaN and infinities to NULL, since neither postgres jsonb nor
// sqlite round trips them.
func NullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// FiniteJSON encodes a metric map, dropping non-finite values.
func FiniteJSON(metrics map[string]float64) ([]byte, error) {
	clean := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			clean[k] = v
		}
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("error encoding metrics: %w", err)
	}
	return data, nil
}

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == RunTrained || status == RunFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, errorMessage string) {
	err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(map[string]any{
		"status":          RunFailed,
		"error_message":   errorMessage,
		"completion_time": time.Now().UTC(),
	}).Error
	if err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
	}
}

func UpdateEvaluationStatus(ctx context.Context, txn *gorm.DB, evalId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Evaluation{Id: evalId}).Updates(updates).Error; err != nil {
		slog.Error("error updating evaluation status", "evaluation_id", evalId, "status", status, "error", err)
		return err
	}
	return nil
}

// SaveEpochMetric upserts one epoch row so a resumed run can overwrite epochs
// it repeats.
func SaveEpochMetric(ctx context.Context, db *gorm.DB, metric *EpochMetric) error {
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(metric).Error; err != nil {
		return fmt.Errorf("error saving metrics for epoch %d: %w", metric.Epoch, err)
	}
	return nil
}

// SaveCheckpoint records a checkpoint. Marking a checkpoint as best clears the
// flag on the run's other checkpoints.
func SaveCheckpoint(ctx context.Context, db *gorm.DB, ckpt *Checkpoint) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if ckpt.IsBest {
			if err := txn.Model(&Checkpoint{}).
				Where("run_id = ? AND name <> ?", ckpt.RunId, ckpt.Name).
				Update("is_best", false).Error; err != nil {
				return fmt.Errorf("error clearing best checkpoint: %w", err)
			}
		}
		if err := txn.Clauses(clause.OnConflict{UpdateAll: true}).Create(ckpt).Error; err != nil {
			return fmt.Errorf("error saving checkpoint %s: %w", ckpt.Name, err)
		}
		return nil
	})
}

func GetRun(ctx context.Context, db *gorm.DB, runId uuid.UUID, preload bool) (*TrainingRun, error) {
	query := db.WithContext(ctx)
	if preload {
		query = query.
			Preload("Epochs", func(db *gorm.DB) *gorm.DB { return db.Order("epoch ASC") }).
			Preload("Checkpoints", func(db *gorm.DB) *gorm.DB { return db.Order("epoch ASC") })
	}
	var run TrainingRun
	if err := query.First(&run, "id = ?", runId).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

type RunFilter struct {
	TaskType string
	Status   string
	Limit    int
}

func ListRuns(ctx context.Context, db *gorm.DB, filter RunFilter) ([]TrainingRun, error) {
	query := db.WithContext(ctx).Order("creation_time DESC")
	if filter.TaskType != "" {
		query = query.Where("task_type = ?", filter.TaskType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var runs []TrainingRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("error listing training runs: %w", err)
	}
	return runs, nil
}

func SaveDecision(ctx context.Context, db *gorm.DB, decision *Decision) error {
	if decision.Id == uuid.Nil {
		decision.Id = uuid.New()
	}
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(decision).Error; err != nil {
		return fmt.Errorf("error saving decision: %w", err)
	}
	return nil
}

func ListDecisions(ctx context.Context, db *gorm.DB, taskType string, limit int) ([]Decision, error) {
	query := db.WithContext(ctx).Order("timestamp DESC")
	if taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var decisions []Decision
	if err := query.Find(&decisions).Error; err != nil {
		return nil, fmt.Errorf("error listing decisions: %w", err)
	}
	return decisions, nil
}
