package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"
)

var (
	ErrShapeMismatch      = errors.New("checkpoint does not match model architecture")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

const (
	// SchemaVersion 1 files carry no architecture version or shape table and
	// always hold ArchitectureV1 weights.
	SchemaVersion = 2

	BestName   = "best_model"
	ConfigFile = "model_config.yaml"
	ScalerFile = "scaler.json"
)

func EpochName(epoch int) string {
	return fmt.Sprintf("checkpoint_epoch_%d", epoch)
}

func Path(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// File is the on-disk checkpoint layout.
type File struct {
	SchemaVersion       int                 `json:"schema_version"`
	ArchitectureVersion int                 `json:"architecture_version,omitempty"`
	TaskType            types.TaskType      `json:"task_type"`
	Epoch               int                 `json:"epoch"`
	ValLoss             *float64            `json:"val_loss,omitempty"`
	SavedAt             time.Time           `json:"saved_at"`
	Shapes              map[string]nn.Shape `json:"shapes,omitempty"`
	Params              map[string][]byte   `json:"params"`
	Optimizer           *nn.OptimizerState  `json:"optimizer,omitempty"`
	Scheduler           *nn.SchedulerState  `json:"scheduler,omitempty"`
	Progress            *Progress           `json:"progress,omitempty"`
}

// Progress is the trainer's early-stopping bookkeeping at the time of saving.
type Progress struct {
	BestValLoss      *float64 `json:"best_val_loss,omitempty"`
	BestEpoch        int      `json:"best_epoch"`
	SinceImprovement int      `json:"since_improvement"`
}

// State is what the trainer hands over for persisting. Optimizer and
// Scheduler are optional.
type State struct {
	Task      types.TaskType
	Epoch     int
	ValLoss   float64
	Network   *network.Network
	Optimizer *nn.AdamW
	Scheduler *nn.PlateauScheduler
	Scaler    *features.Scaler
	Progress  *Progress
}

// Save writes <dir>/<name>.json together with the model config and scaler
// sidecars and returns the checkpoint path.
func Save(dir, name string, s State) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating checkpoint dir %s: %w", dir, err)
	}

	params, err := s.Network.Params().State()
	if err != nil {
		return "", err
	}

	file := File{
		SchemaVersion:       SchemaVersion,
		ArchitectureVersion: s.Network.Config().ArchitectureVersion,
		TaskType:            s.Task,
		Epoch:               s.Epoch,
		SavedAt:             time.Now().UTC(),
		Shapes:              s.Network.Params().Shapes(),
		Params:              params,
		Progress:            s.Progress,
	}
	if !math.IsNaN(s.ValLoss) && !math.IsInf(s.ValLoss, 0) {
		loss := s.ValLoss
		file.ValLoss = &loss
	}
	if s.Optimizer != nil {
		opt, err := s.Optimizer.State()
		if err != nil {
			return "", err
		}
		file.Optimizer = &opt
	}
	if s.Scheduler != nil {
		sched := s.Scheduler.State()
		file.Scheduler = &sched
	}

	if err := network.SaveConfig(filepath.Join(dir, ConfigFile), s.Network.Config()); err != nil {
		return "", err
	}
	if s.Scaler != nil {
		if err := writeJSON(filepath.Join(dir, ScalerFile), s.Scaler); err != nil {
			return "", err
		}
	}

	path := Path(dir, name)
	if err := writeJSON(path, file); err != nil {
		return "", err
	}
	slog.Info("saved checkpoint", "path", path, "epoch", s.Epoch, "task_type", s.Task)
	return path, nil
}

// writeJSON writes through a temporary file so readers never see a partial
// checkpoint.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error moving %s into place: %w", path, err)
	}
	return nil
}

func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading checkpoint %s: %w", path, err)
	}
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error parsing checkpoint %s: %w", path, err)
	}

	switch file.SchemaVersion {
	case 1:
		file.ArchitectureVersion = network.ArchitectureV1
	case SchemaVersion:
		if file.ArchitectureVersion == 0 {
			return nil, fmt.Errorf("%w: checkpoint %s has no architecture version", ErrUnsupportedVersion, path)
		}
	default:
		return nil, fmt.Errorf("%w: schema version %d in %s (latest is %d)", ErrUnsupportedVersion, file.SchemaVersion, path, SchemaVersion)
	}
	if file.TaskType != "" && !file.TaskType.Valid() {
		return nil, fmt.Errorf("checkpoint %s: %w: %q", path, types.ErrUnknownTask, file.TaskType)
	}
	return &file, nil
}

// LoadScaler reads the scaler sidecar. A missing file yields an unfitted
// scaler, which passes features through unchanged.
func LoadScaler(dir string) (*features.Scaler, error) {
	path := filepath.Join(dir, ScalerFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("no scaler found next to checkpoint, features will not be normalized", "path", path)
		return &features.Scaler{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading scaler %s: %w", path, err)
	}
	var scaler features.Scaler
	if err := json.Unmarshal(data, &scaler); err != nil {
		return nil, fmt.Errorf("error parsing scaler %s: %w", path, err)
	}
	return &scaler, nil
}
