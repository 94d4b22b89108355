package migration_1

import (
	"database/sql"
	"fmt"
	"time"

	m0 "decision-backend/internal/database/versions/migration_0"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Evaluation struct {
	Id    uuid.UUID       `gorm:"type:uuid;primaryKey"`
	RunId uuid.UUID       `gorm:"type:uuid;not null"`
	Run   *m0.TrainingRun `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

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

func Migration(db *gorm.DB) error {
	if err := db.Migrator().CreateTable(&Evaluation{}, &Decision{}); err != nil {
		return fmt.Errorf("error creating evaluation and decision tables: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&Decision{}, &Evaluation{}); err != nil {
		return fmt.Errorf("error dropping evaluation and decision tables: %w", err)
	}
	return nil
}
