package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"decision-backend/internal/core"
	"decision-backend/internal/core/features"
	"decision-backend/internal/core/training"
	"decision-backend/internal/core/types"
	"decision-backend/internal/database"
	"decision-backend/internal/messaging"
	"decision-backend/internal/storage"
	"decision-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultTrainFraction = 0.7
	defaultValFraction   = 0.15
	defaultListLimit     = 100
)

type BackendService struct {
	db          *gorm.DB
	storage     storage.ObjectStore
	modelBucket string
	publisher   messaging.Publisher

	model    *core.ModelHandle
	modelDir string
	clock    features.Clock
}

func NewBackendService(db *gorm.DB, storage storage.ObjectStore, modelBucket string, pub messaging.Publisher, model *core.ModelHandle, modelDir string) *BackendService {
	return &BackendService{
		db:          db,
		storage:     storage,
		modelBucket: modelBucket,
		publisher:   pub,
		model:       model,
		modelDir:    modelDir,
		clock:       features.SystemClock{},
	}
}

// taskRoute is the URL segment for a task, e.g. "donor-selection".
func taskRoute(task types.TaskType) string {
	return strings.ReplaceAll(task.String(), "_", "-")
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))

	r.Route("/predict", func(r chi.Router) {
		for _, task := range types.AllTasks {
			r.Post("/"+taskRoute(task), RestHandler(s.Predict(task)))
		}
	})

	r.Route("/training", func(r chi.Router) {
		r.Post("/runs", RestHandler(s.CreateRun))
		r.Get("/runs", RestHandler(s.ListRuns))
		r.Get("/runs/{run_id}", RestHandler(s.GetRun))
		r.Post("/runs/{run_id}/evaluate", RestHandler(s.EvaluateRun))
		r.Get("/evaluations/{evaluation_id}", RestHandler(s.GetEvaluation))
	})

	r.Post("/models/{run_id}/activate", RestHandler(s.ActivateModel))
	r.Get("/decisions", RestHandler(s.ListDecisions))
}

func (s *BackendService) Health(r *http.Request) (any, error) {
	res := api.HealthResponse{Status: "ok"}
	if pred, err := s.model.Get(); err == nil {
		info := pred.Info()
		res.ModelLoaded = true
		res.TaskType = info.Task.String()
		res.RunId = nullUUID(info.RunId)
	}
	return res, nil
}

// Predict serves one task's decisions. The model handle is checked before the
// body is read so an unloaded service answers 503 without doing any work.
func (s *BackendService) Predict(task types.TaskType) func(r *http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		pred, err := s.model.Get()
		if err != nil {
			return nil, CodedError(http.StatusServiceUnavailable, err)
		}

		req, err := ParseRequest[features.Input](r)
		if err != nil {
			return nil, err
		}

		decision, err := pred.Predict(task, &req)
		if err != nil {
			if errors.Is(err, features.ErrMissingInput) {
				return nil, CodedError(http.StatusBadRequest, err)
			}
			return nil, CodedErrorf(http.StatusInternalServerError, "error computing %s decision: %v", task, err)
		}

		s.logDecision(r.Context(), task, &req, decision, pred.Info())
		return decision, nil
	}
}

// logDecision records a served decision. A failure here does not fail the
// request that produced it.
func (s *BackendService) logDecision(ctx context.Context, task types.TaskType, req *features.Input, decision *core.Decision, info core.ModelInfo) {
	request, err := json.Marshal(req)
	if err != nil {
		slog.Error("error encoding request for decision log", "task_type", task, "error", err)
		return
	}
	body, err := json.Marshal(decision.Decision)
	if err != nil {
		slog.Error("error encoding decision for decision log", "task_type", task, "error", err)
		return
	}
	if err := database.SaveDecision(ctx, s.db, &database.Decision{
		RunId:      info.RunId,
		TaskType:   task.String(),
		Request:    datatypes.JSON(request),
		Decision:   datatypes.JSON(body),
		Reasoning:  decision.Reasoning,
		Confidence: decision.Confidence,
	}); err != nil {
		slog.Error("error saving decision", "task_type", task, "error", err)
	}
}

func (s *BackendService) CreateRun(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateRunRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	req.Examples = presentJSON(req.Examples)
	req.ModelConfig = presentJSON(req.ModelConfig)
	req.TrainingConfig = presentJSON(req.TrainingConfig)

	task, err := types.ParseTaskType(req.TaskType)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	ctx := r.Context()

	run := database.TrainingRun{
		Id:             uuid.New(),
		Name:           req.Name,
		TaskType:       task.String(),
		Status:         database.RunQueued,
		ModelConfig:    datatypes.JSON(req.ModelConfig),
		TrainingConfig: datatypes.JSON(req.TrainingConfig),
		CreationTime:   time.Now().UTC(),
	}

	if req.BaseRunId != nil {
		base, err := database.GetRun(ctx, s.db, *req.BaseRunId, false)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, CodedErrorf(http.StatusNotFound, "base run %s not found", *req.BaseRunId)
			}
			slog.Error("error getting base run", "run_id", *req.BaseRunId, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving base run")
		}
		if base.Status != database.RunTrained {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "base run is not ready: base run has status: %s", base.Status)
		}
		run.BaseRunId = uuid.NullUUID{UUID: base.Id, Valid: true}
		if len(run.ModelConfig) == 0 {
			run.ModelConfig = base.ModelConfig
		}
	}

	if _, _, err := core.RunConfigs(&run); err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	switch {
	case len(req.Examples) > 0:
		prefix, err := s.uploadExamples(ctx, run.Id, task, req)
		if err != nil {
			return nil, err
		}
		run.DataPrefix = prefix
	case req.DatasetPrefix != "":
		if err := s.checkDataset(ctx, req.DatasetPrefix, task); err != nil {
			return nil, err
		}
		run.DataPrefix = req.DatasetPrefix
	default:
		return nil, CodedErrorf(http.StatusBadRequest, "either Examples or DatasetPrefix must be provided")
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating training run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create training run entry")
	}

	if err := s.publisher.PublishTrainingTask(ctx, messaging.TrainingPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing training task", "run_id", run.Id, "error", err)
		database.SaveRunError(ctx, s.db, run.Id, fmt.Sprintf("failed to queue training task: %v", err))
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("submitted training run", "run_id", run.Id, "task_type", task, "base_run_id", req.BaseRunId)
	return api.CreateRunResponse{RunId: run.Id}, nil
}

// uploadExamples splits inline examples by creation time and stores the splits
// under the run's dataset prefix.
func (s *BackendService) uploadExamples(ctx context.Context, runId uuid.UUID, task types.TaskType, req api.CreateRunRequest) (string, error) {
	var examples []features.Example
	if err := json.Unmarshal(req.Examples, &examples); err != nil {
		return "", CodedErrorf(http.StatusBadRequest, "invalid examples: %v", err)
	}

	kept := examples[:0]
	for _, ex := range examples {
		if ex.TaskType == "" {
			ex.TaskType = task
		}
		if ex.TaskType == task {
			kept = append(kept, ex)
		}
	}

	trainFrac, valFrac := req.TrainFraction, req.ValFraction
	if trainFrac == 0 && valFrac == 0 {
		trainFrac, valFrac = defaultTrainFraction, defaultValFraction
	}
	if trainFrac <= 0 || valFrac < 0 || trainFrac+valFrac > 1 {
		return "", CodedErrorf(http.StatusBadRequest, "invalid split fractions: train %v, val %v", trainFrac, valFrac)
	}

	ds := training.TemporalSplit(kept, trainFrac, valFrac)
	if len(ds.Train) == 0 {
		return "", CodedErrorf(http.StatusBadRequest, "no %s training examples after split: %d examples provided", task, len(kept))
	}

	dir, err := os.MkdirTemp("", "dataset-")
	if err != nil {
		return "", CodedErrorf(http.StatusInternalServerError, "error creating dataset directory: %v", err)
	}
	defer os.RemoveAll(dir)

	splits := map[training.Split][]features.Example{
		training.TrainSplit: ds.Train,
		training.ValSplit:   ds.Val,
		training.TestSplit:  ds.Test,
	}
	for split, examples := range splits {
		if len(examples) == 0 {
			continue
		}
		if err := training.SaveExamples(filepath.Join(dir, training.DataFile(task, split)), examples); err != nil {
			return "", CodedErrorf(http.StatusInternalServerError, "error writing %s split: %v", split, err)
		}
	}

	prefix := storage.DatasetPrefix(runId.String())
	if err := s.storage.UploadDir(ctx, s.modelBucket, prefix, dir); err != nil {
		slog.Error("error uploading dataset", "run_id", runId, "error", err)
		return "", CodedErrorf(http.StatusInternalServerError, "error uploading dataset")
	}

	slog.Info("uploaded dataset", "run_id", runId, "train", len(ds.Train), "val", len(ds.Val), "test", len(ds.Test))
	return prefix, nil
}

func (s *BackendService) checkDataset(ctx context.Context, prefix string, task types.TaskType) error {
	objects, err := s.storage.ListObjects(ctx, s.modelBucket, prefix)
	if err != nil {
		slog.Error("error listing dataset", "prefix", prefix, "error", err)
		return CodedErrorf(http.StatusInternalServerError, "error listing dataset")
	}
	want := path.Join(prefix, training.DataFile(task, training.TrainSplit))
	for _, obj := range objects {
		if obj.Name == want {
			return nil
		}
	}
	return CodedErrorf(http.StatusBadRequest, "dataset %s has no %s", prefix, training.DataFile(task, training.TrainSplit))
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}
	if params.TaskType != "" {
		if _, err := types.ParseTaskType(params.TaskType); err != nil {
			return nil, CodedError(http.StatusBadRequest, err)
		}
	}
	if params.Limit <= 0 {
		params.Limit = defaultListLimit
	}

	runs, err := database.ListRuns(r.Context(), s.db, database.RunFilter{
		TaskType: params.TaskType,
		Status:   params.Status,
		Limit:    params.Limit,
	})
	if err != nil {
		slog.Error("error listing training runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training runs")
	}
	return convertRuns(runs), nil
}

func (s *BackendService) getRun(ctx context.Context, runId uuid.UUID, preload bool) (*database.TrainingRun, error) {
	run, err := database.GetRun(ctx, s.db, runId, preload)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "training run not found")
		}
		slog.Error("error getting training run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training run record")
	}
	return run, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}
	run, err := s.getRun(r.Context(), runId, true)
	if err != nil {
		return nil, err
	}
	return convertRun(*run), nil
}

func (s *BackendService) EvaluateRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	var req api.EvaluateRequest
	if r.ContentLength > 0 {
		if req, err = ParseRequest[api.EvaluateRequest](r); err != nil {
			return nil, err
		}
	}

	ctx := r.Context()

	run, err := s.getRun(ctx, runId, true)
	if err != nil {
		return nil, err
	}
	if run.Status != database.RunTrained {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "run is not ready: run has status: %s", run.Status)
	}
	if req.Checkpoint != "" {
		found := false
		for _, c := range run.Checkpoints {
			found = found || c.Name == req.Checkpoint
		}
		if !found {
			return nil, CodedErrorf(http.StatusNotFound, "checkpoint %s not found for run", req.Checkpoint)
		}
	}

	eval := database.Evaluation{
		Id:           uuid.New(),
		RunId:        run.Id,
		Checkpoint:   req.Checkpoint,
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&eval).Error; err != nil {
		slog.Error("error creating evaluation", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create evaluation entry")
	}

	if err := s.publisher.PublishEvaluationTask(ctx, messaging.EvaluationPayload{EvaluationId: eval.Id, RunId: run.Id}); err != nil {
		slog.Error("error publishing evaluation task", "evaluation_id", eval.Id, "error", err)
		database.UpdateEvaluationStatus(ctx, s.db, eval.Id, database.JobFailed) //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue evaluation task")
	}

	return api.EvaluateResponse{EvaluationId: eval.Id}, nil
}

func (s *BackendService) GetEvaluation(r *http.Request) (any, error) {
	evalId, err := URLParamUUID(r, "evaluation_id")
	if err != nil {
		return nil, err
	}

	var eval database.Evaluation
	if err := s.db.WithContext(r.Context()).First(&eval, "id = ?", evalId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "evaluation not found")
		}
		slog.Error("error getting evaluation", "evaluation_id", evalId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation record")
	}
	return convertEvaluation(eval), nil
}

// ActivateModel loads a trained run's best checkpoint and makes it the serving
// model. Requests already in flight finish on the previous model.
func (s *BackendService) ActivateModel(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	run, err := s.getRun(ctx, runId, false)
	if err != nil {
		return nil, err
	}
	if run.Status != database.RunTrained {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "run is not ready: run has status: %s", run.Status)
	}

	pred, err := core.DownloadPredictor(ctx, s.storage, s.modelBucket, run.Id, s.modelDir, s.clock)
	if err != nil {
		slog.Error("error activating model", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading model: %v", err)
	}
	s.model.Set(pred)

	info := pred.Info()
	slog.Info("activated model", "run_id", run.Id, "task_type", info.Task, "epoch", info.Epoch)
	return api.ActivateResponse{RunId: run.Id, TaskType: info.Task.String(), Epoch: info.Epoch}, nil
}

func (s *BackendService) ListDecisions(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListDecisionsParams](r)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = defaultListLimit
	}

	decisions, err := database.ListDecisions(r.Context(), s.db, params.TaskType, params.Limit)
	if err != nil {
		slog.Error("error listing decisions", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving decisions")
	}
	return convertDecisions(decisions), nil
}
