package types

import (
	"errors"
	"fmt"
)

var ErrUnknownTask = errors.New("unknown task type")

// TaskType is the closed set of decisions the network can make. Values outside
// the five constants are rejected by ParseTaskType and never reach dispatch.
type TaskType string

const (
	DonorSelection      TaskType = "donor_selection"
	UrgencyAssessment   TaskType = "urgency_assessment"
	InventorySelection  TaskType = "inventory_selection"
	TransportPlanning   TaskType = "transport_planning"
	EligibilityAnalysis TaskType = "eligibility_analysis"
)

var AllTasks = []TaskType{
	DonorSelection,
	UrgencyAssessment,
	InventorySelection,
	TransportPlanning,
	EligibilityAnalysis,
}

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, s)
	}
	return t, nil
}

func (t TaskType) Valid() bool {
	switch t {
	case DonorSelection, UrgencyAssessment, InventorySelection, TransportPlanning, EligibilityAnalysis:
		return true
	}
	return false
}

func (t TaskType) String() string {
	return string(t)
}

// Selection reports whether the task ranks a padded list of items.
func (t TaskType) Selection() bool {
	return t == DonorSelection || t == InventorySelection
}
