package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"decision-backend/internal/database"
	"decision-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func nullUUID(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	return &v.UUID
}

func convertMetrics(data datatypes.JSON) map[string]float64 {
	if len(data) == 0 {
		return nil
	}
	var metrics map[string]float64
	if err := json.Unmarshal(data, &metrics); err != nil {
		slog.Error("error decoding stored metrics", "error", err)
		return nil
	}
	return metrics
}

func convertRun(r database.TrainingRun) api.TrainingRun {
	run := api.TrainingRun{
		Id:             r.Id,
		BaseRunId:      nullUUID(r.BaseRunId),
		Name:           r.Name,
		TaskType:       r.TaskType,
		Status:         r.Status,
		ErrorMessage:   r.ErrorMessage.String,
		CreationTime:   r.CreationTime,
		CompletionTime: nullTime(r.CompletionTime),
		BestValLoss:    nullFloat(r.BestValLoss),
		FinalState:     r.FinalState.String,
		FinalMetrics:   convertMetrics(r.FinalMetrics),
	}
	if r.BestEpoch.Valid {
		run.BestEpoch = &r.BestEpoch.Int64
	}
	for _, e := range r.Epochs {
		run.Epochs = append(run.Epochs, api.EpochMetric{
			Epoch:        e.Epoch,
			TrainLoss:    nullFloat(e.TrainLoss),
			ValLoss:      nullFloat(e.ValLoss),
			LearningRate: e.LearningRate,
			SkippedSteps: e.SkippedSteps,
			Improved:     e.Improved,
			LRReduced:    e.LRReduced,
			Metrics:      convertMetrics(e.Metrics),
		})
	}
	for _, c := range r.Checkpoints {
		run.Checkpoints = append(run.Checkpoints, api.Checkpoint{
			Name:    c.Name,
			Epoch:   c.Epoch,
			ValLoss: nullFloat(c.ValLoss),
			IsBest:  c.IsBest,
		})
	}
	return run
}

func convertRuns(rs []database.TrainingRun) []api.TrainingRun {
	runs := make([]api.TrainingRun, 0, len(rs))
	for _, r := range rs {
		runs = append(runs, convertRun(r))
	}
	return runs
}

func convertEvaluation(e database.Evaluation) api.Evaluation {
	return api.Evaluation{
		Id:             e.Id,
		RunId:          e.RunId,
		Checkpoint:     e.Checkpoint,
		Split:          e.Split,
		Status:         e.Status,
		Loss:           nullFloat(e.Loss),
		Count:          e.Count,
		Failed:         e.Failed,
		Metrics:        convertMetrics(e.Metrics),
		ErrorMessage:   e.ErrorMessage.String,
		CreationTime:   e.CreationTime,
		CompletionTime: nullTime(e.CompletionTime),
	}
}

func convertDecisions(ds []database.Decision) []api.Decision {
	decisions := make([]api.Decision, 0, len(ds))
	for _, d := range ds {
		decisions = append(decisions, api.Decision{
			Id:         d.Id,
			RunId:      nullUUID(d.RunId),
			TaskType:   d.TaskType,
			Request:    json.RawMessage(d.Request),
			Decision:   json.RawMessage(d.Decision),
			Reasoning:  d.Reasoning,
			Confidence: d.Confidence,
			Timestamp:  d.Timestamp,
		})
	}
	return decisions
}
