package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TrainingRun struct {
	Id        uuid.UUID
	BaseRunId *uuid.UUID `json:"BaseRunId,omitempty"`
	Name      string
	TaskType  string
	Status    string

	ErrorMessage string `json:"ErrorMessage,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	BestEpoch    *int64             `json:"BestEpoch,omitempty"`
	BestValLoss  *float64           `json:"BestValLoss,omitempty"`
	FinalState   string             `json:"FinalState,omitempty"`
	FinalMetrics map[string]float64 `json:"FinalMetrics,omitempty"`

	Epochs      []EpochMetric `json:"Epochs,omitempty"`
	Checkpoints []Checkpoint  `json:"Checkpoints,omitempty"`
}

type EpochMetric struct {
	Epoch        int
	TrainLoss    *float64 `json:"TrainLoss,omitempty"`
	ValLoss      *float64 `json:"ValLoss,omitempty"`
	LearningRate float64
	SkippedSteps int
	Improved     bool
	LRReduced    bool
	Metrics      map[string]float64 `json:"Metrics,omitempty"`
}

type Checkpoint struct {
	Name    string
	Epoch   int
	ValLoss *float64 `json:"ValLoss,omitempty"`
	IsBest  bool
}

// CreateRunRequest starts a training run. The dataset is either an existing
// prefix in the model bucket holding {task}_train.json and friends, or inline
// examples that are split by creation time before upload.
type CreateRunRequest struct {
	Name      string
	TaskType  string
	BaseRunId *uuid.UUID

	DatasetPrefix string          `json:"DatasetPrefix,omitempty"`
	Examples      json.RawMessage `json:"Examples,omitempty"`

	TrainFraction float64
	ValFraction   float64

	ModelConfig    json.RawMessage `json:"ModelConfig,omitempty"`
	TrainingConfig json.RawMessage `json:"TrainingConfig,omitempty"`
}

type CreateRunResponse struct {
	RunId uuid.UUID
}

type ListRunsParams struct {
	TaskType string `schema:"task_type"`
	Status   string `schema:"status"`
	Limit    int    `schema:"limit"`
}

type EvaluateRequest struct {
	Checkpoint string
}

type Evaluation struct {
	Id         uuid.UUID
	RunId      uuid.UUID
	Checkpoint string
	Split      string `json:"Split,omitempty"`
	Status     string

	Loss         *float64           `json:"Loss,omitempty"`
	Count        int
	Failed       int
	Metrics      map[string]float64 `json:"Metrics,omitempty"`
	ErrorMessage string             `json:"ErrorMessage,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type EvaluateResponse struct {
	EvaluationId uuid.UUID
}

type ActivateResponse struct {
	RunId    uuid.UUID
	TaskType string
	Epoch    int
}

type ListDecisionsParams struct {
	TaskType string `schema:"task_type"`
	Limit    int    `schema:"limit"`
}

type Decision struct {
	Id         uuid.UUID
	RunId      *uuid.UUID `json:"RunId,omitempty"`
	TaskType   string
	Request    json.RawMessage
	Decision   json.RawMessage
	Reasoning  string
	Confidence float64
	Timestamp  time.Time
}

type HealthResponse struct {
	Status      string     `json:"status"`
	ModelLoaded bool       `json:"model_loaded"`
	TaskType    string     `json:"task_type,omitempty"`
	RunId       *uuid.UUID `json:"run_id,omitempty"`
}
