package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/types"
)

var ErrMissingTrainingData = errors.New("missing training data")

type Split string

const (
	TrainSplit Split = "train"
	ValSplit   Split = "val"
	TestSplit  Split = "test"
)

// DataFile returns the conventional file name for a task's split.
func DataFile(task types.TaskType, split Split) string {
	return fmt.Sprintf("%s_%s.json", task, split)
}

// LoadExamples reads a JSON array of examples, dropping any whose taskType
// differs from task.
func LoadExamples(path string, task types.TaskType) ([]features.Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var examples []features.Example
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("error parsing examples in %s: %w", path, err)
	}

	kept := examples[:0]
	for _, ex := range examples {
		if ex.TaskType == "" {
			ex.TaskType = task
		}
		if ex.TaskType != task {
			slog.Warn("skipping example for another task", "path", path, "task_type", ex.TaskType, "expected", task)
			continue
		}
		kept = append(kept, ex)
	}
	return kept, nil
}

type Dataset struct {
	Train []features.Example
	Val   []features.Example
	Test  []features.Example
}

// LoadDataset reads {task}_train.json, {task}_val.json and {task}_test.json from
// dir. The training split is required; missing validation or test files yield
// empty splits.
func LoadDataset(dir string, task types.TaskType) (Dataset, error) {
	var ds Dataset

	trainPath := filepath.Join(dir, DataFile(task, TrainSplit))
	train, err := LoadExamples(trainPath, task)
	if errors.Is(err, fs.ErrNotExist) {
		return Dataset{}, fmt.Errorf("%w: %s not found; export examples for %s into %s before training", ErrMissingTrainingData, trainPath, task, dir)
	}
	if err != nil {
		return Dataset{}, err
	}
	if len(train) == 0 {
		return Dataset{}, fmt.Errorf("%w: %s contains no %s examples", ErrMissingTrainingData, trainPath, task)
	}
	ds.Train = train

	for split, dst := range map[Split]*[]features.Example{ValSplit: &ds.Val, TestSplit: &ds.Test} {
		path := filepath.Join(dir, DataFile(task, split))
		examples, err := LoadExamples(path, task)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("split not found, using empty set", "path", path, "split", split)
			continue
		}
		if err != nil {
			return Dataset{}, err
		}
		*dst = examples
	}

	return ds, nil
}

// SaveExamples writes examples as an indented JSON array.
func SaveExamples(path string, examples []features.Example) error {
	data, err := json.MarshalIndent(examples, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding examples: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing examples to %s: %w", path, err)
	}
	return nil
}

// TemporalSplit orders examples by createdAt and cuts them into train,
// validation and test sets so that evaluation data is never older than
// training data.
func TemporalSplit(examples []features.Example, trainFrac, valFrac float64) Dataset {
	sorted := append([]features.Example(nil), examples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	n := len(sorted)
	trainEnd := int(float64(n) * trainFrac)
	valEnd := trainEnd + int(float64(n)*valFrac)
	valEnd = min(valEnd, n)

	return Dataset{
		Train: sorted[:trainEnd],
		Val:   sorted[trainEnd:valEnd],
		Test:  sorted[valEnd:],
	}
}

// Batches returns shuffled index batches over n items.
func Batches(n, size int, rng *rand.Rand) [][]int {
	order := rng.Perm(n)
	batches := make([][]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		batches = append(batches, order[start:min(start+size, n)])
	}
	return batches
}
