package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunQueued   string = "QUEUED"
	RunTraining string = "TRAINING"
	RunTrained  string = "TRAINED"
	RunFailed   string = "FAILED"
)

type TrainingRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	BaseRunId uuid.NullUUID `gorm:"type:uuid"`
	BaseRun   *TrainingRun  `gorm:"foreignKey:BaseRunId"`

	Name         string
	TaskType     string `gorm:"size:40;not null"`
	Status       string `gorm:"size:20;not null"`
	DataPrefix   string
	ArtifactKey  string
	ErrorMessage sql.NullString

	ModelConfig    datatypes.JSON `gorm:"type:jsonb"`
	TrainingConfig datatypes.JSON `gorm:"type:jsonb"`

	CreationTime   time.Time
	CompletionTime sql.NullTime

	BestEpoch    sql.NullInt64
	BestValLoss  sql.NullFloat64
	FinalState   sql.NullString
	FinalMetrics datatypes.JSON `gorm:"type:jsonb"`

	Epochs      []EpochMetric `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Checkpoints []Checkpoint  `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type EpochMetric struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch int       `gorm:"primaryKey"`

	TrainLoss    sql.NullFloat64
	ValLoss      sql.NullFloat64
	LearningRate float64
	SkippedSteps int
	Improved     bool
	LRReduced    bool
	Metrics      datatypes.JSON `gorm:"type:jsonb"` // {"accuracy": 0.9, ...}
	Timestamp    time.Time
}

type Checkpoint struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name  string    `gorm:"primaryKey"`

	Epoch        int
	ValLoss      sql.NullFloat64
	IsBest       bool
	CreationTime time.Time
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type Evaluation struct {
	Id    uuid.UUID    `gorm:"type:uuid;primaryKey"`
	RunId uuid.UUID    `gorm:"type:uuid;not null"`
	Run   *TrainingRun `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

	Checkpoint string
	Split      string `gorm:"size:10"`
	Status     string `gorm:"size:20;not null"`

	Loss         sql.NullFloat64
	Count        int
	Failed       int
	Metrics      datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type Decision struct {
	Id       uuid.UUID     `gorm:"type:uuid;primaryKey"`
	RunId    uuid.NullUUID `gorm:"type:uuid;index"`
	TaskType string        `gorm:"size:40;not null;index"`

	Request    datatypes.JSON `gorm:"type:jsonb;not null"`
	Decision   datatypes.JSON `gorm:"type:jsonb;not null"`
	Reasoning  string
	Confidence float64
	Timestamp  time.Time `gorm:"index"`
}
