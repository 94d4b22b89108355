package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"decision-backend/internal/core/checkpoint"
	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"

	"github.com/google/uuid"
)

var ErrModelNotLoaded = errors.New("model not loaded")

const maxAlternatives = 3

// Decision is the serving response for every task.
type Decision struct {
	Decision     map[string]any `json:"decision"`
	Reasoning    string         `json:"reasoning"`
	Confidence   float64        `json:"confidence"`
	Alternatives []Alternative  `json:"alternatives,omitempty"`
}

type Alternative struct {
	Index       int     `json:"index"`
	Score       float64 `json:"score"`
	Probability float64 `json:"probability"`
	Item        any     `json:"item,omitempty"`
}

type ModelInfo struct {
	RunId    uuid.NullUUID
	Task     types.TaskType
	Epoch    int
	LoadedAt time.Time
}

// Predictor serves decisions from one loaded network. It never mutates the
// network, so concurrent requests share it freely.
type Predictor struct {
	net  *network.Network
	pre  *features.Preprocessor
	info ModelInfo
}

func NewPredictor(loaded *checkpoint.Loaded, clock features.Clock, runId uuid.NullUUID) *Predictor {
	pre := features.NewPreprocessor(loaded.Network.Config().PreprocessorOptions(clock))
	pre.SetScaler(loaded.Scaler)
	return &Predictor{
		net: loaded.Network,
		pre: pre,
		info: ModelInfo{
			RunId:    runId,
			Task:     loaded.Task,
			Epoch:    loaded.Epoch,
			LoadedAt: time.Now().UTC(),
		},
	}
}

// LoadPredictor reads a checkpoint directory written by a training run.
func LoadPredictor(dir, name string, opts checkpoint.LoadOptions, clock features.Clock, runId uuid.NullUUID) (*Predictor, error) {
	loaded, err := checkpoint.Load(dir, name, opts)
	if err != nil {
		return nil, fmt.Errorf("error loading checkpoint %s from %s: %w", name, dir, err)
	}
	if loaded.Scaler == nil || !loaded.Scaler.Fitted() {
		slog.Warn("serving checkpoint without a fitted scaler, numerical features are unscaled", "dir", dir, "checkpoint", name)
	}
	return NewPredictor(loaded, clock, runId), nil
}

func (p *Predictor) Info() ModelInfo {
	return p.info
}

// ValidateInput checks that the fields a task cannot default are present.
func ValidateInput(task types.TaskType, in *features.Input) error {
	switch task {
	case types.DonorSelection:
		if len(in.Candidates) == 0 {
			return features.MissingInput(task, "candidates")
		}
	case types.UrgencyAssessment:
		if in.CurrentUnits == nil {
			return features.MissingInput(task, "currentUnits")
		}
		if in.DaysRemaining == nil {
			return features.MissingInput(task, "daysRemaining")
		}
		if in.DailyUsage == nil {
			return features.MissingInput(task, "dailyUsage")
		}
	case types.InventorySelection:
		if len(in.RankedUnits) == 0 {
			return features.MissingInput(task, "rankedUnits")
		}
	case types.TransportPlanning:
		if in.DistanceKm == nil {
			return features.MissingInput(task, "distanceKm")
		}
	case types.EligibilityAnalysis:
		if in.Donor == nil {
			return features.MissingInput(task, "donor")
		}
	default:
		return fmt.Errorf("%w: %q", types.ErrUnknownTask, task)
	}
	return nil
}

func (p *Predictor) Predict(task types.TaskType, in *features.Input) (*Decision, error) {
	if err := ValidateInput(task, in); err != nil {
		return nil, err
	}

	rec := p.pre.Preprocess(in, task)
	res, err := p.net.Forward(nn.EvalPass(), &rec)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Reasoning:  network.GenerateReasoning(res.Attention),
		Confidence: res.Confidence.Item(),
	}

	switch out := res.Output.(type) {
	case *network.DonorOutput:
		decision.Decision = map[string]any{
			"selected_index": out.Selected,
			"selected_donor": itemAt(in.Candidates, out.Selected),
			"scores":         validScores(out.Ranking),
		}
		decision.Alternatives = alternatives(out.Ranking, func(i int) any { return itemAt(in.Candidates, i) })
	case *network.InventoryOutput:
		decision.Decision = map[string]any{
			"selected_index":  out.Selected,
			"selected_source": itemAt(in.RankedUnits, out.Selected),
			"scores":          validScores(out.Ranking),
		}
		decision.Alternatives = alternatives(out.Ranking, func(i int) any { return itemAt(in.RankedUnits, i) })
	case *network.UrgencyOutput:
		decision.Decision = map[string]any{
			"urgency":        types.UrgencyVocab.Label(out.Class),
			"urgency_class":  out.Class,
			"priority_score": out.Priority.Item(),
		}
	case *network.TransportOutput:
		decision.Decision = map[string]any{
			"method":               types.TransportVocab.Label(out.Method),
			"eta_minutes":          out.Eta.Item(),
			"cold_chain_compliant": out.ColdChainCompliant,
		}
	case *network.EligibilityOutput:
		decision.Decision = map[string]any{
			"eligible":              out.Eligible,
			"eligible_probability":  out.EligibleProb,
			"edge_case_probability": out.EdgeCaseProb,
			"failed_criteria":       failedCriteria(out.CriteriaProbs, in.EligibilityResult),
		}
	default:
		return nil, fmt.Errorf("%w: unexpected output %T", types.ErrUnknownTask, res.Output)
	}
	return decision, nil
}

func itemAt[T any](items []T, i int) any {
	if i < 0 || i >= len(items) {
		return nil
	}
	return items[i]
}

func validScores(r network.Ranking) []float64 {
	scores := make([]float64, 0, len(r.Valid))
	for j, ok := range r.Valid {
		if ok {
			scores = append(scores, r.Raw.At(0, j))
		}
	}
	return scores
}

func alternatives(r network.Ranking, item func(int) any) []Alternative {
	var alts []Alternative
	for _, j := range r.TopK(maxAlternatives + 1) {
		if j == r.Selected {
			continue
		}
		alts = append(alts, Alternative{
			Index:       j,
			Score:       r.Raw.At(0, j),
			Probability: r.Probabilities[j],
			Item:        item(j),
		})
	}
	if len(alts) > maxAlternatives {
		alts = alts[:maxAlternatives]
	}
	return alts
}

type CriterionResult struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// failedCriteria lists the criteria the checker predicts as failed. Names come
// from the rule engine's criteria list when it has one for the position.
func failedCriteria(probs []float64, rules *features.EligibilityResult) []CriterionResult {
	failed := []CriterionResult{}
	for i, p := range probs {
		if math.IsNaN(p) || p <= 0.5 {
			continue
		}
		name := fmt.Sprintf("criterion_%d", i)
		if rules != nil && i < len(rules.AllCriteria) {
			name = rules.AllCriteria[i]
		}
		failed = append(failed, CriterionResult{Name: name, Probability: p})
	}
	return failed
}

// ModelHandle is the process-wide slot for the serving model. Swapping in a
// new predictor does not disturb requests already using the old one.
type ModelHandle struct {
	current atomic.Pointer[Predictor]
}

func NewModelHandle(p *Predictor) *ModelHandle {
	h := &ModelHandle{}
	if p != nil {
		h.current.Store(p)
	}
	return h
}

// Get returns the loaded predictor or ErrModelNotLoaded.
func (h *ModelHandle) Get() (*Predictor, error) {
	p := h.current.Load()
	if p == nil {
		return nil, ErrModelNotLoaded
	}
	return p, nil
}

func (h *ModelHandle) Set(p *Predictor) {
	h.current.Store(p)
}

func (h *ModelHandle) Loaded() bool {
	return h.current.Load() != nil
}
