package migration_2

import (
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

type TrainingRun struct {
	ErrorMessage sql.NullString
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&TrainingRun{}, "error_message"); err != nil {
		return fmt.Errorf("error adding error_message column: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&TrainingRun{}, "error_message"); err != nil {
		return fmt.Errorf("error dropping error_message column: %w", err)
	}
	return nil
}
