package network

import (
	"fmt"
	"os"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/types"

	"gopkg.in/yaml.v2"
)

type TimeEncoding string

const (
	// Cyclical6 feeds all six sine/cosine terms to the time encoder.
	Cyclical6 TimeEncoding = "cyclical6"
	// Cyclical3 feeds only hour sin/cos and day sin, matching early checkpoints.
	Cyclical3 TimeEncoding = "cyclical3"
)

func (e TimeEncoding) Terms() int {
	if e == Cyclical3 {
		return 3
	}
	return 6
}

const (
	// ArchitectureV1 ranks donors from the attended representation only and
	// scores inventory sources without context gates.
	ArchitectureV1 = 1
	// ArchitectureV2 concatenates raw candidate features into the ranking head
	// and gates inventory factor scores with the reasoned representation.
	ArchitectureV2 = 2

	LatestArchitecture = ArchitectureV2
)

// Config holds the hyperparameters needed to rebuild a network. It is stored
// as model_config.yaml next to checkpoints.
type Config struct {
	EmbeddingDim        int          `yaml:"embedding_dim" json:"embedding_dim"`
	NumericalDim        int          `yaml:"numerical_dim" json:"numerical_dim"`
	TimeEncodingDim     int          `yaml:"time_encoding_dim" json:"time_encoding_dim"`
	HiddenDim           int          `yaml:"hidden_dim" json:"hidden_dim"`
	NumFactors          int          `yaml:"num_factors" json:"num_factors"`
	NumHeads            int          `yaml:"num_heads" json:"num_heads"`
	CrossAttentionHeads int          `yaml:"cross_attention_heads" json:"cross_attention_heads"`
	Dropout             float64      `yaml:"dropout" json:"dropout"`
	HeadDropout         float64      `yaml:"head_dropout" json:"head_dropout"`
	NumBloodTypes       int          `yaml:"num_blood_types" json:"num_blood_types"`
	NumUrgencyLevels    int          `yaml:"num_urgency_levels" json:"num_urgency_levels"`
	NumTransportMethods int          `yaml:"num_transport_methods" json:"num_transport_methods"`
	NumCriteria         int          `yaml:"num_criteria" json:"num_criteria"`
	MaxCandidates       int          `yaml:"max_candidates" json:"max_candidates"`
	MaxSources          int          `yaml:"max_sources" json:"max_sources"`
	TimeEncoding        TimeEncoding `yaml:"time_encoding" json:"time_encoding"`
	ArchitectureVersion int          `yaml:"architecture_version" json:"architecture_version"`
	Seed                uint64       `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		EmbeddingDim:        32,
		NumericalDim:        features.DefaultNumericalDim,
		TimeEncodingDim:     16,
		HiddenDim:           256,
		NumFactors:          len(types.FactorNames),
		NumHeads:            8,
		CrossAttentionHeads: 4,
		Dropout:             0.1,
		HeadDropout:         0.2,
		NumBloodTypes:       len(types.BloodTypes),
		NumUrgencyLevels:    len(types.UrgencyLevels),
		NumTransportMethods: len(types.TransportMethods),
		NumCriteria:         types.NumCriteria,
		MaxCandidates:       features.DefaultMaxCandidates,
		MaxSources:          features.DefaultMaxSources,
		TimeEncoding:        Cyclical6,
		ArchitectureVersion: LatestArchitecture,
		Seed:                42,
	}
}

// HeadDim is the hidden width used inside the task heads.
func (c Config) HeadDim() int {
	return c.HiddenDim / 2
}

func (c Config) Validate() error {
	positive := map[string]int{
		"embedding_dim":     c.EmbeddingDim,
		"numerical_dim":     c.NumericalDim,
		"time_encoding_dim": c.TimeEncodingDim,
		"hidden_dim":        c.HiddenDim,
		"num_factors":       c.NumFactors,
		"num_heads":         c.NumHeads,
		"max_candidates":    c.MaxCandidates,
		"max_sources":       c.MaxSources,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("invalid model config: %s must be positive, got %d", name, v)
		}
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return fmt.Errorf("invalid model config: hidden_dim %d not divisible by num_heads %d", c.HiddenDim, c.NumHeads)
	}
	if c.CrossAttentionHeads <= 0 || c.HeadDim()%c.CrossAttentionHeads != 0 || c.HeadDim() < 4 {
		return fmt.Errorf("invalid model config: head width %d not divisible by cross_attention_heads %d", c.HeadDim(), c.CrossAttentionHeads)
	}
	if c.NumBloodTypes != len(types.BloodTypes) || c.NumUrgencyLevels != len(types.UrgencyLevels) || c.NumTransportMethods != len(types.TransportMethods) {
		return fmt.Errorf("invalid model config: vocabulary sizes %d/%d/%d do not match %d/%d/%d",
			c.NumBloodTypes, c.NumUrgencyLevels, c.NumTransportMethods,
			len(types.BloodTypes), len(types.UrgencyLevels), len(types.TransportMethods))
	}
	if c.NumCriteria <= 0 {
		return fmt.Errorf("invalid model config: num_criteria must be positive")
	}
	if c.TimeEncoding != Cyclical6 && c.TimeEncoding != Cyclical3 {
		return fmt.Errorf("invalid model config: unknown time_encoding %q", c.TimeEncoding)
	}
	if c.ArchitectureVersion != ArchitectureV1 && c.ArchitectureVersion != ArchitectureV2 {
		return fmt.Errorf("invalid model config: unsupported architecture_version %d", c.ArchitectureVersion)
	}
	if c.Dropout < 0 || c.Dropout >= 1 || c.HeadDropout < 0 || c.HeadDropout >= 1 {
		return fmt.Errorf("invalid model config: dropout rates must be in [0, 1)")
	}
	return nil
}

// PreprocessorOptions returns the feature options this network expects.
func (c Config) PreprocessorOptions(clock features.Clock) features.Options {
	return features.Options{
		NumericalDim:  c.NumericalDim,
		MaxCandidates: c.MaxCandidates,
		MaxSources:    c.MaxSources,
		Clock:         clock,
	}
}

type configFile struct {
	Model Config `yaml:"model"`
}

// LoadConfig reads a model_config.yaml. Fields absent from the file keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading model config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	file := configFile{Model: DefaultConfig()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("error parsing model config: %w", err)
	}
	if err := file.Model.Validate(); err != nil {
		return Config{}, err
	}
	return file.Model, nil
}

func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(configFile{Model: c})
	if err != nil {
		return nil, fmt.Errorf("error encoding model config: %w", err)
	}
	return data, nil
}

func SaveConfig(path string, c Config) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing model config %s: %w", path, err)
	}
	return nil
}
