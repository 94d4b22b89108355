package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TrainingQueue   = "training_queue"
	EvaluationQueue = "evaluation_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var Queues = []string{TrainingQueue, EvaluationQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// TrainingPayload references a QUEUED training run. Configuration and the
// dataset location are read from the run record.
type TrainingPayload struct {
	RunId uuid.UUID
}

type EvaluationPayload struct {
	EvaluationId uuid.UUID
	RunId        uuid.UUID
}

type Publisher interface {
	PublishTrainingTask(ctx context.Context, payload TrainingPayload) error

	PublishEvaluationTask(ctx context.Context, payload EvaluationPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
