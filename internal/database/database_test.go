package database

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	db, err := NewSqliteDatabase("file::memory:")
	require.NoError(t, err)
	return db
}

func createRun(t *testing.T, db *gorm.DB, task string, created time.Time) uuid.UUID {
	run := TrainingRun{
		Id:           uuid.New(),
		TaskType:     task,
		Status:       RunQueued,
		CreationTime: created,
	}
	require.NoError(t, db.Create(&run).Error)
	return run.Id
}

func TestRunStatusLifecycle(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	id := createRun(t, db, "urgency_assessment", time.Now())

	require.NoError(t, UpdateRunStatus(ctx, db, id, RunTraining))
	run, err := GetRun(ctx, db, id, false)
	require.NoError(t, err)
	assert.Equal(t, RunTraining, run.Status)
	assert.False(t, run.CompletionTime.Valid)

	require.NoError(t, UpdateRunStatus(ctx, db, id, RunTrained))
	run, err = GetRun(ctx, db, id, false)
	require.NoError(t, err)
	assert.Equal(t, RunTrained, run.Status)
	assert.True(t, run.CompletionTime.Valid)

	other := createRun(t, db, "urgency_assessment", time.Now())
	SaveRunError(ctx, db, other, "training data missing")
	run, err = GetRun(ctx, db, other, false)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "training data missing", run.ErrorMessage.String)
}

func TestEpochMetricsAndCheckpoints(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	id := createRun(t, db, "donor_selection", time.Now())

	metrics, err := FiniteJSON(map[string]float64{"accuracy": 0.5, "bad": math.NaN()})
	require.NoError(t, err)

	for epoch := 1; epoch <= 3; epoch++ {
		require.NoError(t, SaveEpochMetric(ctx, db, &EpochMetric{
			RunId:     id,
			Epoch:     epoch,
			TrainLoss: NullFloat(1 / float64(epoch)),
			ValLoss:   NullFloat(math.Inf(1)),
			Metrics:   datatypes.JSON(metrics),
			Timestamp: time.Now(),
		}))
	}
	// repeated epochs overwrite
	require.NoError(t, SaveEpochMetric(ctx, db, &EpochMetric{RunId: id, Epoch: 2, TrainLoss: NullFloat(0.1)}))

	require.NoError(t, SaveCheckpoint(ctx, db, &Checkpoint{RunId: id, Name: "best_model", Epoch: 1, IsBest: true}))
	require.NoError(t, SaveCheckpoint(ctx, db, &Checkpoint{RunId: id, Name: "checkpoint_epoch_2", Epoch: 2}))
	require.NoError(t, SaveCheckpoint(ctx, db, &Checkpoint{RunId: id, Name: "best_model", Epoch: 3, IsBest: true}))

	run, err := GetRun(ctx, db, id, true)
	require.NoError(t, err)
	require.Len(t, run.Epochs, 3)
	assert.Equal(t, 1, run.Epochs[0].Epoch)
	assert.False(t, run.Epochs[0].ValLoss.Valid)
	assert.InDelta(t, 0.1, run.Epochs[1].TrainLoss.Float64, 1e-12)

	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(run.Epochs[0].Metrics, &decoded))
	assert.Equal(t, map[string]float64{"accuracy": 0.5}, decoded)

	require.Len(t, run.Checkpoints, 2)
	assert.Equal(t, "checkpoint_epoch_2", run.Checkpoints[0].Name)
	assert.Equal(t, "best_model", run.Checkpoints[1].Name)
	assert.Equal(t, 3, run.Checkpoints[1].Epoch)
	assert.True(t, run.Checkpoints[1].IsBest)
}

func TestListRunsFilters(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	base := time.Now()

	first := createRun(t, db, "donor_selection", base)
	second := createRun(t, db, "donor_selection", base.Add(time.Minute))
	createRun(t, db, "transport_planning", base.Add(2*time.Minute))
	require.NoError(t, UpdateRunStatus(ctx, db, first, RunTrained))

	runs, err := ListRuns(ctx, db, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	runs, err = ListRuns(ctx, db, RunFilter{TaskType: "donor_selection"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].Id)

	runs, err = ListRuns(ctx, db, RunFilter{Status: RunTrained})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first, runs[0].Id)

	runs, err = ListRuns(ctx, db, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDecisionLog(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := "urgency_assessment"
		if i == 2 {
			task = "eligibility_analysis"
		}
		require.NoError(t, SaveDecision(ctx, db, &Decision{
			TaskType:   task,
			Request:    datatypes.JSON(`{"currentUnits": 2}`),
			Decision:   datatypes.JSON(`{"urgency": "HIGH"}`),
			Reasoning:  "Decision based on: urgency (weight: 0.40), distance (weight: 0.30)",
			Confidence: 0.7,
			Timestamp:  time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := ListDecisions(ctx, db, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "eligibility_analysis", all[0].TaskType)
	assert.NotEqual(t, uuid.Nil, all[0].Id)

	urgency, err := ListDecisions(ctx, db, "urgency_assessment", 1)
	require.NoError(t, err)
	assert.Len(t, urgency, 1)
}
