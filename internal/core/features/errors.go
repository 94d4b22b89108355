package features

import (
	"errors"
	"fmt"

	"decision-backend/internal/core/types"
)

var ErrMissingInput = errors.New("missing required input")

// MissingInput reports that a task-specific input is absent or empty.
func MissingInput(task types.TaskType, field string) error {
	return fmt.Errorf("%w for task %s: %s", ErrMissingInput, task, field)
}
