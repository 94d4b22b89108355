package integrationtests

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	backend "decision-backend/internal/api"
	"decision-backend/internal/core"
	"decision-backend/internal/core/training"
	"decision-backend/internal/database"
	"decision-backend/internal/storage"
	"decision-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toJSON(t *testing.T, v any) json.RawMessage {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func waitForRun(t *testing.T, router http.Handler, runId uuid.UUID, status string) api.TrainingRun {
	var run api.TrainingRun
	require.Eventually(t, func() bool {
		if err := httpRequest(router, "GET", fmt.Sprintf("/training/runs/%s", runId), nil, &run); err != nil {
			t.Logf("error polling run: %v", err)
			return false
		}
		return run.Status == status || run.Status == database.RunFailed
	}, 2*time.Minute, 500*time.Millisecond)
	require.Equal(t, status, run.Status, run.ErrorMessage)
	return run
}

func waitForEvaluation(t *testing.T, router http.Handler, evalId uuid.UUID) api.Evaluation {
	var eval api.Evaluation
	require.Eventually(t, func() bool {
		if err := httpRequest(router, "GET", fmt.Sprintf("/training/evaluations/%s", evalId), nil, &eval); err != nil {
			t.Logf("error polling evaluation: %v", err)
			return false
		}
		return eval.Status == database.JobCompleted || eval.Status == database.JobFailed
	}, time.Minute, 500*time.Millisecond)
	return eval
}

func TestTrainingWorkflow(t *testing.T) {
	ctx := context.Background()

	db := createDB(t)
	store := setupObjectStore(t, ctx)
	require.NoError(t, store.CreateBucket(ctx, modelBucket))
	publisher, receiver := setupRabbitMQContainer(t, ctx)

	handle := core.NewModelHandle(nil)
	service := backend.NewBackendService(db, store, modelBucket, publisher, handle, filepath.Join(t.TempDir(), "serving"))
	router := chi.NewRouter()
	service.AddRoutes(router)

	worker := core.NewTaskProcessor(db, store, publisher, receiver, filepath.Join(t.TempDir(), "worker"), modelBucket)
	go worker.Start()

	// nothing is served until a model is activated
	err := httpRequest(router, "POST", "/predict/transport-planning", map[string]any{"distanceKm": 12}, nil)
	require.ErrorContains(t, err, "503")

	trainCfg := training.DefaultConfig()
	trainCfg.BatchSize = 4
	trainCfg.NumEpochs = 3
	trainCfg.LearningRate = 1e-2

	var created api.CreateRunResponse
	require.NoError(t, httpRequest(router, "POST", "/training/runs", api.CreateRunRequest{
		Name:           "transport-v1",
		TaskType:       "transport_planning",
		Examples:       toJSON(t, transportExamples(24)),
		ModelConfig:    toJSON(t, tinyNetworkConfig()),
		TrainingConfig: toJSON(t, trainCfg),
	}, &created))

	objects, err := store.ListObjects(ctx, modelBucket, storage.DatasetPrefix(created.RunId.String()))
	require.NoError(t, err)
	assert.Len(t, objects, 3)

	run := waitForRun(t, router, created.RunId, database.RunTrained)
	assert.Len(t, run.Epochs, 3)
	assert.NotEmpty(t, run.Checkpoints)
	require.NotNil(t, run.BestEpoch)
	require.NotNil(t, run.BestValLoss)

	artifacts, err := store.ListObjects(ctx, modelBucket, storage.RunPrefix(created.RunId.String()))
	require.NoError(t, err)
	assert.NotEmpty(t, artifacts)

	var runs []api.TrainingRun
	require.NoError(t, httpRequest(router, "GET", "/training/runs?task_type=transport_planning&status=TRAINED", nil, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, created.RunId, runs[0].Id)

	var activated api.ActivateResponse
	require.NoError(t, httpRequest(router, "POST", fmt.Sprintf("/models/%s/activate", created.RunId), nil, &activated))
	assert.Equal(t, "transport_planning", activated.TaskType)
	assert.Equal(t, int(*run.BestEpoch), activated.Epoch)

	var health api.HealthResponse
	require.NoError(t, httpRequest(router, "GET", "/health", nil, &health))
	assert.True(t, health.ModelLoaded)
	assert.Equal(t, "transport_planning", health.TaskType)

	var decision map[string]any
	require.NoError(t, httpRequest(router, "POST", "/predict/transport-planning", map[string]any{
		"bloodType": "A+", "urgency": "HIGH", "distanceKm": 18, "units": 2,
	}, &decision))
	assert.Contains(t, decision, "confidence")
	assert.Contains(t, decision, "reasoning")

	var decisions []api.Decision
	require.NoError(t, httpRequest(router, "GET", "/decisions?task_type=transport_planning", nil, &decisions))
	require.Len(t, decisions, 1)
	require.NotNil(t, decisions[0].RunId)
	assert.Equal(t, created.RunId, *decisions[0].RunId)

	var evalResp api.EvaluateResponse
	require.NoError(t, httpRequest(router, "POST", fmt.Sprintf("/training/runs/%s/evaluate", created.RunId), nil, &evalResp))

	eval := waitForEvaluation(t, router, evalResp.EvaluationId)
	require.Equal(t, database.JobCompleted, eval.Status, eval.ErrorMessage)
	assert.Equal(t, "test", eval.Split)
	assert.Equal(t, 5, eval.Count)
	assert.NotEmpty(t, eval.Metrics)
}

func TestFinetuneFromTrainedRun(t *testing.T) {
	ctx := context.Background()

	db := createDB(t)
	store := setupObjectStore(t, ctx)
	require.NoError(t, store.CreateBucket(ctx, modelBucket))
	publisher, receiver := setupRabbitMQContainer(t, ctx)

	service := backend.NewBackendService(db, store, modelBucket, publisher, core.NewModelHandle(nil), t.TempDir())
	router := chi.NewRouter()
	service.AddRoutes(router)

	worker := core.NewTaskProcessor(db, store, publisher, receiver, t.TempDir(), modelBucket)
	go worker.Start()

	trainCfg := training.DefaultConfig()
	trainCfg.BatchSize = 4
	trainCfg.NumEpochs = 1

	var base api.CreateRunResponse
	require.NoError(t, httpRequest(router, "POST", "/training/runs", api.CreateRunRequest{
		Name:           "transport-base",
		TaskType:       "transport_planning",
		Examples:       toJSON(t, transportExamples(24)),
		ModelConfig:    toJSON(t, tinyNetworkConfig()),
		TrainingConfig: toJSON(t, trainCfg),
	}, &base))
	waitForRun(t, router, base.RunId, database.RunTrained)

	// the fine-tuned run inherits the base run's architecture and reuses its dataset
	var tuned api.CreateRunResponse
	require.NoError(t, httpRequest(router, "POST", "/training/runs", api.CreateRunRequest{
		Name:           "transport-tuned",
		TaskType:       "transport_planning",
		BaseRunId:      &base.RunId,
		DatasetPrefix:  storage.DatasetPrefix(base.RunId.String()),
		TrainingConfig: toJSON(t, trainCfg),
	}, &tuned))

	run := waitForRun(t, router, tuned.RunId, database.RunTrained)
	require.NotNil(t, run.BaseRunId)
	assert.Equal(t, base.RunId, *run.BaseRunId)
	assert.Len(t, run.Epochs, 1)
}
