package integrationtests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"decision-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextTask(t *testing.T, receiver messaging.Reciever) messaging.Task {
	t.Helper()
	select {
	case task := <-receiver.Tasks():
		return task
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for task")
		return nil
	}
}

func TestRabbitMQTaskDelivery(t *testing.T) {
	ctx := context.Background()
	publisher, receiver := setupRabbitMQContainer(t, ctx)

	runId := uuid.New()
	require.NoError(t, publisher.PublishTrainingTask(ctx, messaging.TrainingPayload{RunId: runId}))

	task := nextTask(t, receiver)
	assert.Equal(t, messaging.TrainingQueue, task.Type())

	var training messaging.TrainingPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &training))
	assert.Equal(t, runId, training.RunId)
	require.NoError(t, task.Ack())

	evalId := uuid.New()
	require.NoError(t, publisher.PublishEvaluationTask(ctx, messaging.EvaluationPayload{EvaluationId: evalId, RunId: runId}))

	task = nextTask(t, receiver)
	assert.Equal(t, messaging.EvaluationQueue, task.Type())

	var evaluation messaging.EvaluationPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &evaluation))
	assert.Equal(t, evalId, evaluation.EvaluationId)
	assert.Equal(t, runId, evaluation.RunId)
	require.NoError(t, task.Ack())
}

func TestRabbitMQNackDropsTask(t *testing.T) {
	ctx := context.Background()
	publisher, receiver := setupRabbitMQContainer(t, ctx)

	failed, next := uuid.New(), uuid.New()
	require.NoError(t, publisher.PublishTrainingTask(ctx, messaging.TrainingPayload{RunId: failed}))

	task := nextTask(t, receiver)
	require.NoError(t, task.Nack())

	require.NoError(t, publisher.PublishTrainingTask(ctx, messaging.TrainingPayload{RunId: next}))

	task = nextTask(t, receiver)
	var payload messaging.TrainingPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, next, payload.RunId)
	require.NoError(t, task.Ack())
}
