package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"decision-backend/internal/core/checkpoint"
	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/training"
	"decision-backend/internal/core/types"
	"decision-backend/internal/core/utils"
	"decision-backend/internal/database"
	"decision-backend/internal/messaging"
	"decision-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxConcurrentRuns = 1024

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever

	localModelDir string
	modelBucket   string
	clock         features.Clock

	runLocks *utils.MutexMap
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, localModelDir string, modelBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:            db,
		storage:       storage,
		publisher:     publisher,
		reciever:      reciever,
		localModelDir: localModelDir,
		modelBucket:   modelBucket,
		clock:         features.SystemClock{},
		runLocks:      utils.NewMutexMap(maxConcurrentRuns),
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case messaging.TrainingQueue:
		var payload messaging.TrainingPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling training task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainingTask(ctx, payload)

	case messaging.EvaluationQueue:
		var payload messaging.EvaluationPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling evaluation task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processEvaluationTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// RunConfigs decodes a run's stored configurations over the defaults.
func RunConfigs(run *database.TrainingRun) (network.Config, training.Config, error) {
	modelCfg := network.DefaultConfig()
	if len(run.ModelConfig) > 0 {
		if err := json.Unmarshal(run.ModelConfig, &modelCfg); err != nil {
			return modelCfg, training.Config{}, fmt.Errorf("invalid model config: %w", err)
		}
	}
	trainCfg := training.DefaultConfig()
	if len(run.TrainingConfig) > 0 {
		if err := json.Unmarshal(run.TrainingConfig, &trainCfg); err != nil {
			return modelCfg, trainCfg, fmt.Errorf("invalid training config: %w", err)
		}
	}
	if err := modelCfg.Validate(); err != nil {
		return modelCfg, trainCfg, err
	}
	if err := trainCfg.Validate(); err != nil {
		return modelCfg, trainCfg, err
	}
	return modelCfg, trainCfg, nil
}

func (proc *TaskProcessor) runDir(runId uuid.UUID) string {
	return filepath.Join(proc.localModelDir, runId.String())
}

func checkpointName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

func (proc *TaskProcessor) processTrainingTask(ctx context.Context, payload messaging.TrainingPayload) error {
	runId := payload.RunId
	slog.Info("processing training task", "run_id", runId)

	run, err := database.GetRun(ctx, proc.db, runId, false)
	if err != nil {
		return fmt.Errorf("error getting training run %s: %w", runId, err)
	}
	if run.Status != database.RunQueued {
		slog.Info("training run is not queued, skipping", "run_id", runId, "status", run.Status)
		return nil
	}

	dir := proc.runDir(runId)
	if err := proc.runLocks.Lock(dir); err != nil {
		return fmt.Errorf("error locking run directory: %w", err)
	}
	defer proc.runLocks.Unlock(dir) //nolint:errcheck

	if err := database.UpdateRunStatus(ctx, proc.db, runId, database.RunTraining); err != nil {
		return fmt.Errorf("error updating run status: %w", err)
	}

	summary, err := proc.train(ctx, run, dir)
	if err != nil {
		database.SaveRunError(ctx, proc.db, runId, err.Error())
		slog.Error("training run failed", "run_id", runId, "error", err)
		return err
	}

	metrics, err := database.FiniteJSON(summary.FinalMetrics)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"status":          database.RunTrained,
		"completion_time": time.Now().UTC(),
		"best_epoch":      summary.BestEpoch,
		"best_val_loss":   database.NullFloat(summary.BestValLoss),
		"final_state":     string(summary.FinalState),
		"final_metrics":   datatypes.JSON(metrics),
		"artifact_key":    storage.RunPrefix(runId.String()),
	}
	if err := proc.db.WithContext(ctx).Model(&database.TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error saving training summary: %w", err)
	}

	slog.Info("training run completed", "run_id", runId, "epochs", summary.Epochs, "best_epoch", summary.BestEpoch, "final_state", summary.FinalState)
	return nil
}

func (proc *TaskProcessor) train(ctx context.Context, run *database.TrainingRun, dir string) (*training.Summary, error) {
	task, err := types.ParseTaskType(run.TaskType)
	if err != nil {
		return nil, err
	}
	modelCfg, trainCfg, err := RunConfigs(run)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("error clearing run directory: %w", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	dataDir := filepath.Join(dir, "data")
	if err := proc.storage.DownloadDir(ctx, proc.modelBucket, run.DataPrefix, dataDir, true); err != nil {
		return nil, fmt.Errorf("%w: error downloading dataset %s: %v", training.ErrMissingTrainingData, run.DataPrefix, err)
	}
	ds, err := training.LoadDataset(dataDir, task)
	if err != nil {
		return nil, err
	}

	pre := features.NewPreprocessor(modelCfg.PreprocessorOptions(proc.clock))
	var net *network.Network
	if run.BaseRunId.Valid {
		loaded, err := proc.loadRunCheckpoint(ctx, run.BaseRunId.UUID, filepath.Join(dir, "base"), checkpoint.BestName, checkpoint.LoadOptions{Config: &modelCfg})
		if err != nil {
			return nil, fmt.Errorf("error loading base run %s: %w", run.BaseRunId.UUID, err)
		}
		net = loaded.Network
		pre.SetScaler(loaded.Scaler)
		slog.Info("fine-tuning from base run", "run_id", run.Id, "base_run_id", run.BaseRunId.UUID, "base_epoch", loaded.Epoch)
	} else {
		net, err = network.New(modelCfg)
		if err != nil {
			return nil, err
		}
	}

	ckptDir := filepath.Join(dir, "checkpoints")
	trainer, err := training.NewTrainer(trainCfg, task, net, pre, ckptDir)
	if err != nil {
		return nil, err
	}
	trainer.OnEpoch = func(res training.EpochResult) {
		proc.recordEpoch(ctx, run.Id, res)
	}

	summary, err := trainer.Run(ctx, ds)
	if err != nil {
		return nil, err
	}

	if err := proc.storage.UploadDir(ctx, proc.modelBucket, storage.RunPrefix(run.Id.String()), ckptDir); err != nil {
		return nil, fmt.Errorf("error uploading checkpoints: %w", err)
	}
	return summary, nil
}

// recordEpoch persists an epoch's metrics and checkpoints. Failures are logged
// and do not stop training.
func (proc *TaskProcessor) recordEpoch(ctx context.Context, runId uuid.UUID, res training.EpochResult) {
	metrics, err := database.FiniteJSON(res.Metrics)
	if err != nil {
		slog.Error("error encoding epoch metrics", "run_id", runId, "epoch", res.Epoch, "error", err)
		metrics = []byte("{}")
	}
	if err := database.SaveEpochMetric(ctx, proc.db, &database.EpochMetric{
		RunId:        runId,
		Epoch:        res.Epoch,
		TrainLoss:    database.NullFloat(res.TrainLoss),
		ValLoss:      database.NullFloat(res.ValLoss),
		LearningRate: res.LearningRate,
		SkippedSteps: res.SkippedSteps,
		Improved:     res.Improved,
		LRReduced:    res.LRReduced,
		Metrics:      datatypes.JSON(metrics),
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		slog.Error("error saving epoch metric", "run_id", runId, "epoch", res.Epoch, "error", err)
	}

	for _, path := range res.Checkpoints {
		name := checkpointName(path)
		if err := database.SaveCheckpoint(ctx, proc.db, &database.Checkpoint{
			RunId:        runId,
			Name:         name,
			Epoch:        res.Epoch,
			ValLoss:      database.NullFloat(res.ValLoss),
			IsBest:       name == checkpoint.BestName,
			CreationTime: time.Now().UTC(),
		}); err != nil {
			slog.Error("error saving checkpoint record", "run_id", runId, "checkpoint", name, "error", err)
		}
	}
}

// loadRunCheckpoint downloads a finished run's artifacts into dest and loads
// one checkpoint from them.
func (proc *TaskProcessor) loadRunCheckpoint(ctx context.Context, runId uuid.UUID, dest, name string, opts checkpoint.LoadOptions) (*checkpoint.Loaded, error) {
	if err := proc.storage.DownloadDir(ctx, proc.modelBucket, storage.RunPrefix(runId.String()), dest, true); err != nil {
		return nil, fmt.Errorf("error downloading run artifacts: %w", err)
	}
	return checkpoint.Load(dest, name, opts)
}

func (proc *TaskProcessor) processEvaluationTask(ctx context.Context, payload messaging.EvaluationPayload) error {
	slog.Info("processing evaluation task", "evaluation_id", payload.EvaluationId, "run_id", payload.RunId)

	var eval database.Evaluation
	if err := proc.db.WithContext(ctx).First(&eval, "id = ?", payload.EvaluationId).Error; err != nil {
		return fmt.Errorf("error getting evaluation %s: %w", payload.EvaluationId, err)
	}
	if err := database.UpdateEvaluationStatus(ctx, proc.db, eval.Id, database.JobRunning); err != nil {
		return err
	}

	result, split, err := proc.evaluate(ctx, &eval)
	if err != nil {
		if dbErr := proc.db.WithContext(ctx).Model(&database.Evaluation{Id: eval.Id}).Updates(map[string]any{
			"status":          database.JobFailed,
			"error_message":   err.Error(),
			"completion_time": time.Now().UTC(),
		}).Error; dbErr != nil {
			slog.Error("error saving evaluation failure", "evaluation_id", eval.Id, "error", dbErr)
		}
		return err
	}

	metrics, err := database.FiniteJSON(result.Metrics)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"status":          database.JobCompleted,
		"split":           string(split),
		"loss":            database.NullFloat(result.Loss),
		"count":           result.Count,
		"failed":          result.Failed,
		"metrics":         datatypes.JSON(metrics),
		"completion_time": time.Now().UTC(),
	}
	if err := proc.db.WithContext(ctx).Model(&database.Evaluation{Id: eval.Id}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error saving evaluation result: %w", err)
	}

	slog.Info("evaluation completed", "evaluation_id", eval.Id, "split", split, "loss", result.Loss, "count", result.Count)
	return nil
}

// evaluate scores a run's checkpoint on the test split, falling back to the
// validation split when the run has no test examples.
func (proc *TaskProcessor) evaluate(ctx context.Context, eval *database.Evaluation) (training.Evaluation, training.Split, error) {
	run, err := database.GetRun(ctx, proc.db, eval.RunId, false)
	if err != nil {
		return training.Evaluation{}, "", fmt.Errorf("error getting training run: %w", err)
	}
	if run.Status != database.RunTrained {
		return training.Evaluation{}, "", fmt.Errorf("run %s is %s, not %s", run.Id, run.Status, database.RunTrained)
	}
	task, err := types.ParseTaskType(run.TaskType)
	if err != nil {
		return training.Evaluation{}, "", err
	}
	_, trainCfg, err := RunConfigs(run)
	if err != nil {
		return training.Evaluation{}, "", err
	}

	dir := filepath.Join(proc.localModelDir, "evaluations", eval.Id.String())
	defer os.RemoveAll(dir) //nolint:errcheck

	name := eval.Checkpoint
	if name == "" {
		name = checkpoint.BestName
	}
	loaded, err := proc.loadRunCheckpoint(ctx, run.Id, filepath.Join(dir, "checkpoints"), name, checkpoint.LoadOptions{})
	if err != nil {
		return training.Evaluation{}, "", err
	}

	dataDir := filepath.Join(dir, "data")
	if err := proc.storage.DownloadDir(ctx, proc.modelBucket, run.DataPrefix, dataDir, true); err != nil {
		return training.Evaluation{}, "", fmt.Errorf("error downloading dataset %s: %w", run.DataPrefix, err)
	}
	ds, err := training.LoadDataset(dataDir, task)
	if err != nil {
		return training.Evaluation{}, "", err
	}

	split, examples := training.TestSplit, ds.Test
	if len(examples) == 0 {
		split, examples = training.ValSplit, ds.Val
	}
	if len(examples) == 0 {
		return training.Evaluation{}, "", errors.New("run has neither test nor validation examples")
	}

	pre := features.NewPreprocessor(loaded.Network.Config().PreprocessorOptions(proc.clock))
	pre.SetScaler(loaded.Scaler)
	records := training.PrepareRecords(pre, examples)
	if len(records) == 0 {
		return training.Evaluation{}, "", fmt.Errorf("%w: none of the %d %s examples in the %s split are usable",
			training.ErrMissingTrainingData, len(examples), task, split)
	}
	result, err := training.Evaluate(loaded.Network, records, trainCfg)
	if err != nil {
		return training.Evaluation{}, "", err
	}
	return result, split, nil
}
