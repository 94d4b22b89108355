package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	backend "decision-backend/internal/api"
	"decision-backend/internal/core"
	"decision-backend/internal/core/checkpoint"
	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/training"
	"decision-backend/internal/core/types"
	"decision-backend/internal/database"
	"decision-backend/internal/messaging"
	"decision-backend/internal/storage"
	"decision-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const modelBucket = "models"

var testClock = features.FixedClock(time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC))

func ptr[T any](v T) *T {
	return &v
}

func tinyNetworkConfig() network.Config {
	cfg := network.DefaultConfig()
	cfg.EmbeddingDim = 4
	cfg.NumericalDim = 16
	cfg.TimeEncodingDim = 4
	cfg.HiddenDim = 16
	cfg.NumHeads = 4
	cfg.CrossAttentionHeads = 4
	return cfg
}

type testEnv struct {
	db     *gorm.DB
	store  *storage.LocalObjectStore
	queue  *messaging.InMemoryQueue
	handle *core.ModelHandle
	router chi.Router
	dir    string
}

func setup(t *testing.T, create ...any) *testEnv {
	db, err := database.NewSqliteDatabase("file::memory:")
	require.NoError(t, err)
	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	dir := t.TempDir()
	store, err := storage.NewLocalObjectStore(filepath.Join(dir, "storage"))
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), modelBucket))

	queue := messaging.NewInMemoryQueue()
	handle := core.NewModelHandle(nil)

	service := backend.NewBackendService(db, store, modelBucket, queue, handle, filepath.Join(dir, "serving"))
	router := chi.NewRouter()
	service.AddRoutes(router)

	return &testEnv{db: db, store: store, queue: queue, handle: handle, router: router, dir: dir}
}

func (env *testEnv) do(t *testing.T, method, url string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) loadUntrainedModel(t *testing.T) {
	net, err := network.New(tinyNetworkConfig())
	require.NoError(t, err)
	env.handle.Set(core.NewPredictor(&checkpoint.Loaded{Network: net, Task: types.DonorSelection}, testClock, uuid.NullUUID{}))
}

func TestPredictWithoutModelIsUnavailable(t *testing.T) {
	env := setup(t)

	for _, route := range []string{"donor-selection", "urgency-assessment", "inventory-selection", "transport-planning", "eligibility-analysis"} {
		// the body is never read
		rec := env.do(t, http.MethodPost, "/predict/"+route, "{not json")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, route)
		assert.Contains(t, rec.Body.String(), core.ErrModelNotLoaded.Error())
	}

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[api.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.ModelLoaded)
	assert.Nil(t, health.RunId)
}

func TestPredictEndpoints(t *testing.T) {
	env := setup(t)
	env.loadUntrainedModel(t)

	t.Run("DonorSelection", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/predict/donor-selection", map[string]any{
			"candidates": []map[string]any{
				{"distance": 2, "eta": 10, "score": 0.9, "reliability": 0.8, "health": 1},
				{"distance": 8, "eta": 30, "score": 0.4, "health": 1},
				{"distance": 5, "eta": 20, "score": 0.6, "health": 0.5},
			},
			"alert": map[string]any{"bloodType": "O-", "urgency": "CRITICAL", "unitsNeeded": 2, "searchRadius": 25},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		decision := decode[core.Decision](t, rec)
		idx, ok := decision.Decision["selected_index"].(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, idx, 0.0)
		assert.Less(t, idx, 3.0)
		assert.Len(t, decision.Decision["scores"], 3)
		assert.Len(t, decision.Alternatives, 2)
		assert.NotEmpty(t, decision.Reasoning)
		assert.GreaterOrEqual(t, decision.Confidence, 0.0)
		assert.LessOrEqual(t, decision.Confidence, 1.0)
	})

	t.Run("Urgency", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/predict/urgency-assessment", map[string]any{
			"bloodType": "A+", "currentUnits": 3, "daysRemaining": 1.5, "dailyUsage": 2,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		decision := decode[core.Decision](t, rec)
		assert.Contains(t, types.UrgencyLevels, decision.Decision["urgency"])
		assert.Contains(t, decision.Decision, "priority_score")
		assert.Empty(t, decision.Alternatives)
	})

	t.Run("Transport", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/predict/transport-planning", map[string]any{
			"distanceKm": 42, "urgency": "HIGH", "bloodType": "B-", "units": 4, "timeOfDay": "2025-02-03T18:30:00Z",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		decision := decode[core.Decision](t, rec)
		assert.Contains(t, types.TransportMethods, decision.Decision["method"])
		assert.IsType(t, true, decision.Decision["cold_chain_compliant"])
	})

	t.Run("Eligibility", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/predict/eligibility-analysis", map[string]any{
			"donor":             map[string]any{"age": 34, "weight": 70, "bmi": 23, "hemoglobin": 14, "gender": "F"},
			"eligibilityResult": map[string]any{"passed": true, "failedCriteria": []string{}},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		decision := decode[core.Decision](t, rec)
		assert.IsType(t, true, decision.Decision["eligible"])
		assert.NotNil(t, decision.Decision["failed_criteria"])
	})

	t.Run("MissingInput", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/predict/inventory-selection", map[string]any{"bloodType": "O+"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing required input for task inventory_selection")

		rec = env.do(t, http.MethodPost, "/predict/donor-selection", map[string]any{"candidates": []any{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/predict/urgency-assessment", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("DecisionLog", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/decisions?task_type=urgency_assessment", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decisions := decode[[]api.Decision](t, rec)
		require.Len(t, decisions, 1)
		assert.Equal(t, "urgency_assessment", decisions[0].TaskType)
		assert.Contains(t, string(decisions[0].Request), "currentUnits")
		assert.Nil(t, decisions[0].RunId)

		rec = env.do(t, http.MethodGet, "/decisions?limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]api.Decision](t, rec), 2)
	})

	rec := env.do(t, http.MethodGet, "/health", nil)
	health := decode[api.HealthResponse](t, rec)
	assert.True(t, health.ModelLoaded)
	assert.Equal(t, "donor_selection", health.TaskType)
}

func urgencyExamples(n int) []features.Example {
	base := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	examples := make([]features.Example, n)
	for i := range examples {
		units := float64(i % 8)
		examples[i] = features.Example{
			InputFeatures: features.Input{
				BloodType:     ptr(types.BloodTypes[i%len(types.BloodTypes)]),
				CurrentUnits:  ptr(units),
				DaysRemaining: ptr(units / 2),
				DailyUsage:    ptr(3.0),
			},
			OutputLabel: features.Label{UrgencyClass: ptr(3 - int(units)/2), PriorityScore: ptr(units / 8)},
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		}
	}
	return examples
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func nextTask(t *testing.T, queue *messaging.InMemoryQueue) messaging.Task {
	select {
	case task := <-queue.Tasks():
		return task
	case <-time.After(time.Second):
		t.Fatal("no task was published")
		return nil
	}
}

func TestTrainActivateAndServe(t *testing.T) {
	env := setup(t)

	trainCfg := training.DefaultConfig()
	trainCfg.BatchSize = 4
	trainCfg.NumEpochs = 2
	trainCfg.LearningRate = 1e-2

	rec := env.do(t, http.MethodPost, "/training/runs", api.CreateRunRequest{
		Name:           "urgency-v1",
		TaskType:       "urgency_assessment",
		Examples:       rawJSON(t, urgencyExamples(24)),
		ModelConfig:    rawJSON(t, tinyNetworkConfig()),
		TrainingConfig: rawJSON(t, trainCfg),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	runId := decode[api.CreateRunResponse](t, rec).RunId

	objects, err := env.store.ListObjects(context.Background(), modelBucket, storage.DatasetPrefix(runId.String()))
	require.NoError(t, err)
	assert.Len(t, objects, 3)

	rec = env.do(t, http.MethodGet, "/training/runs/"+runId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, database.RunQueued, decode[api.TrainingRun](t, rec).Status)

	// the model cannot be activated before training finishes
	rec = env.do(t, http.MethodPost, "/models/"+runId.String()+"/activate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	proc := core.NewTaskProcessor(env.db, env.store, env.queue, env.queue, filepath.Join(env.dir, "worker"), modelBucket)
	proc.ProcessTask(nextTask(t, env.queue))

	rec = env.do(t, http.MethodGet, "/training/runs/"+runId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[api.TrainingRun](t, rec)
	assert.Equal(t, database.RunTrained, run.Status)
	assert.Len(t, run.Epochs, 2)
	assert.NotEmpty(t, run.Checkpoints)
	require.NotNil(t, run.BestEpoch)

	rec = env.do(t, http.MethodPost, "/models/"+runId.String()+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	activated := decode[api.ActivateResponse](t, rec)
	assert.Equal(t, "urgency_assessment", activated.TaskType)
	assert.Equal(t, int(*run.BestEpoch), activated.Epoch)

	rec = env.do(t, http.MethodGet, "/health", nil)
	health := decode[api.HealthResponse](t, rec)
	assert.True(t, health.ModelLoaded)
	require.NotNil(t, health.RunId)
	assert.Equal(t, runId, *health.RunId)

	rec = env.do(t, http.MethodPost, "/predict/urgency-assessment", map[string]any{
		"bloodType": "O-", "currentUnits": 1, "daysRemaining": 0.5, "dailyUsage": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/decisions", nil)
	decisions := decode[[]api.Decision](t, rec)
	require.Len(t, decisions, 1)
	require.NotNil(t, decisions[0].RunId)
	assert.Equal(t, runId, *decisions[0].RunId)

	rec = env.do(t, http.MethodPost, "/training/runs/"+runId.String()+"/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	evalId := decode[api.EvaluateResponse](t, rec).EvaluationId

	proc.ProcessTask(nextTask(t, env.queue))

	rec = env.do(t, http.MethodGet, "/training/evaluations/"+evalId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	eval := decode[api.Evaluation](t, rec)
	assert.Equal(t, database.JobCompleted, eval.Status)
	assert.Equal(t, "test", eval.Split)
	assert.Equal(t, 5, eval.Count)

	rec = env.do(t, http.MethodPost, "/training/runs/"+runId.String()+"/evaluate", api.EvaluateRequest{Checkpoint: "checkpoint_epoch_99"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRunValidation(t *testing.T) {
	trained := &database.TrainingRun{Id: uuid.New(), Name: "base", TaskType: "donor_selection", Status: database.RunTrained, CreationTime: time.Now()}
	queued := &database.TrainingRun{Id: uuid.New(), Name: "pending", TaskType: "donor_selection", Status: database.RunQueued, CreationTime: time.Now()}
	env := setup(t, trained, queued)

	cases := []struct {
		name string
		req  api.CreateRunRequest
		code int
	}{
		{"BadName", api.CreateRunRequest{Name: "bad name!", TaskType: "donor_selection", DatasetPrefix: "x"}, http.StatusBadRequest},
		{"UnknownTask", api.CreateRunRequest{Name: "run", TaskType: "blood_bank", DatasetPrefix: "x"}, http.StatusBadRequest},
		{"NoData", api.CreateRunRequest{Name: "run", TaskType: "donor_selection"}, http.StatusBadRequest},
		{"EmptyDatasetPrefix", api.CreateRunRequest{Name: "run", TaskType: "donor_selection", DatasetPrefix: "datasets/missing"}, http.StatusBadRequest},
		{"BadModelConfig", api.CreateRunRequest{Name: "run", TaskType: "donor_selection", DatasetPrefix: "x", ModelConfig: json.RawMessage(`{"hidden_dim": 30}`)}, http.StatusBadRequest},
		{"BadSplit", api.CreateRunRequest{Name: "run", TaskType: "urgency_assessment", Examples: rawJSON(t, urgencyExamples(4)), TrainFraction: 0.9, ValFraction: 0.2}, http.StatusBadRequest},
		{"MissingBaseRun", api.CreateRunRequest{Name: "run", TaskType: "donor_selection", DatasetPrefix: "x", BaseRunId: ptr(uuid.New())}, http.StatusNotFound},
		{"UntrainedBaseRun", api.CreateRunRequest{Name: "run", TaskType: "donor_selection", DatasetPrefix: "x", BaseRunId: &queued.Id}, http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/training/runs", tc.req)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	t.Run("ExistingDatasetPrefix", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, training.SaveExamples(filepath.Join(dir, training.DataFile(types.DonorSelection, training.TrainSplit)), nil))
		require.NoError(t, env.store.UploadDir(context.Background(), modelBucket, "datasets/shared", dir))

		rec := env.do(t, http.MethodPost, "/training/runs", api.CreateRunRequest{
			Name: "finetune", TaskType: "donor_selection", DatasetPrefix: "datasets/shared", BaseRunId: &trained.Id,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		runId := decode[api.CreateRunResponse](t, rec).RunId

		run, err := database.GetRun(context.Background(), env.db, runId, false)
		require.NoError(t, err)
		assert.Equal(t, trained.Id, run.BaseRunId.UUID)
		assert.Equal(t, "datasets/shared", run.DataPrefix)

		task := nextTask(t, env.queue)
		assert.Equal(t, messaging.TrainingQueue, task.Type())
		assert.Contains(t, string(task.Payload()), runId.String())
	})

	t.Run("NullRawFieldsAreAbsent", func(t *testing.T) {
		base := &database.TrainingRun{
			Id: uuid.New(), Name: "configured", TaskType: "donor_selection", Status: database.RunTrained,
			ModelConfig: datatypes.JSON(rawJSON(t, tinyNetworkConfig())), CreationTime: time.Now(),
		}
		require.NoError(t, env.db.Create(base).Error)

		dir := t.TempDir()
		require.NoError(t, training.SaveExamples(filepath.Join(dir, training.DataFile(types.DonorSelection, training.TrainSplit)), nil))
		require.NoError(t, env.store.UploadDir(context.Background(), modelBucket, "datasets/null", dir))

		body := `{"Name":"nulls","TaskType":"donor_selection","BaseRunId":"` + base.Id.String() +
			`","DatasetPrefix":"datasets/null","Examples":null,"ModelConfig":null,"TrainingConfig":null}`
		rec := env.do(t, http.MethodPost, "/training/runs", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		runId := decode[api.CreateRunResponse](t, rec).RunId

		run, err := database.GetRun(context.Background(), env.db, runId, false)
		require.NoError(t, err)
		assert.Equal(t, "datasets/null", run.DataPrefix)
		assert.JSONEq(t, string(base.ModelConfig), string(run.ModelConfig))
		nextTask(t, env.queue)
	})
}

func TestListRuns(t *testing.T) {
	now := time.Now().UTC()
	env := setup(t,
		&database.TrainingRun{Id: uuid.New(), Name: "a", TaskType: "donor_selection", Status: database.RunTrained, CreationTime: now.Add(-2 * time.Hour)},
		&database.TrainingRun{Id: uuid.New(), Name: "b", TaskType: "donor_selection", Status: database.RunFailed, CreationTime: now.Add(-time.Hour)},
		&database.TrainingRun{Id: uuid.New(), Name: "c", TaskType: "transport_planning", Status: database.RunTrained, CreationTime: now},
	)

	rec := env.do(t, http.MethodGet, "/training/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]api.TrainingRun](t, rec)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].Name)

	rec = env.do(t, http.MethodGet, "/training/runs?task_type=donor_selection&status=TRAINED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs = decode[[]api.TrainingRun](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].Name)

	rec = env.do(t, http.MethodGet, "/training/runs?limit=2", nil)
	assert.Len(t, decode[[]api.TrainingRun](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/training/runs?task_type=blood_bank", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/training/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/training/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
