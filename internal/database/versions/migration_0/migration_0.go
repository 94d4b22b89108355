package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TrainingRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	BaseRunId uuid.NullUUID `gorm:"type:uuid"`
	BaseRun   *TrainingRun  `gorm:"foreignKey:BaseRunId"`

	Name        string
	TaskType    string `gorm:"size:40;not null"`
	Status      string `gorm:"size:20;not null"`
	DataPrefix  string
	ArtifactKey string

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
	Metrics      datatypes.JSON `gorm:"type:jsonb"`
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

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&TrainingRun{}, &EpochMetric{}, &Checkpoint{}); err != nil {
		return fmt.Errorf("error creating initial tables: %w", err)
	}
	return nil
}
