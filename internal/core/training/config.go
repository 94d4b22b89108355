package training

import (
	"fmt"
	"os"

	"decision-backend/internal/core/types"

	"gopkg.in/yaml.v2"
)

type Config struct {
	LearningRate      float64            `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay       float64            `yaml:"weight_decay" json:"weight_decay"`
	BatchSize         int                `yaml:"batch_size" json:"batch_size"`
	NumEpochs         int                `yaml:"num_epochs" json:"num_epochs"`
	Patience          int                `yaml:"patience" json:"patience"`
	SaveEvery         int                `yaml:"save_every" json:"save_every"`
	MetricsEvery      int                `yaml:"metrics_every" json:"metrics_every"`
	MaxGradNorm       float64            `yaml:"max_grad_norm" json:"max_grad_norm"`
	SchedulerFactor   float64            `yaml:"scheduler_factor" json:"scheduler_factor"`
	SchedulerPatience int                `yaml:"scheduler_patience" json:"scheduler_patience"`
	RankingMargin     float64            `yaml:"ranking_margin" json:"ranking_margin"`
	LossWeights       map[string]float64 `yaml:"loss_weights" json:"loss_weights"`
	EvalWorkers       int                `yaml:"eval_workers" json:"eval_workers"`
	Seed              uint64             `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	weights := make(map[string]float64, len(types.AllTasks))
	for _, task := range types.AllTasks {
		weights[task.String()] = 1.0
	}
	return Config{
		LearningRate:      1e-3,
		WeightDecay:       1e-5,
		BatchSize:         32,
		NumEpochs:         50,
		Patience:          20,
		SaveEvery:         5,
		MetricsEvery:      5,
		MaxGradNorm:       1.0,
		SchedulerFactor:   0.5,
		SchedulerPatience: 5,
		RankingMargin:     1.0,
		LossWeights:       weights,
		EvalWorkers:       4,
		Seed:              42,
	}
}

// LossWeight returns the configured weight for a task, 1.0 if unset.
func (c Config) LossWeight(task types.TaskType) float64 {
	if w, ok := c.LossWeights[task.String()]; ok {
		return w
	}
	return 1.0
}

func (c Config) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid training config: learning_rate must be positive")
	}
	if c.BatchSize <= 0 || c.NumEpochs <= 0 {
		return fmt.Errorf("invalid training config: batch_size and num_epochs must be positive")
	}
	if c.Patience <= 0 || c.SaveEvery <= 0 || c.MetricsEvery <= 0 || c.SchedulerPatience < 0 {
		return fmt.Errorf("invalid training config: patience, save_every and metrics_every must be positive")
	}
	if c.MaxGradNorm <= 0 {
		return fmt.Errorf("invalid training config: max_grad_norm must be positive")
	}
	if c.SchedulerFactor <= 0 || c.SchedulerFactor >= 1 {
		return fmt.Errorf("invalid training config: scheduler_factor must be in (0, 1)")
	}
	for task := range c.LossWeights {
		if _, err := types.ParseTaskType(task); err != nil {
			return fmt.Errorf("invalid training config: loss_weights: %w", err)
		}
	}
	return nil
}

type configFile struct {
	Training Config `yaml:"training"`
}

func ParseConfig(data []byte) (Config, error) {
	file := configFile{Training: DefaultConfig()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("error parsing training config: %w", err)
	}
	if err := file.Training.Validate(); err != nil {
		return Config{}, err
	}
	return file.Training, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading training config %s: %w", path, err)
	}
	return ParseConfig(data)
}
