package network

import (
	"math"
	"sort"

	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"
)

// TaskOutput is the head output of a single forward pass. The concrete type is
// one of *DonorOutput, *UrgencyOutput, *InventoryOutput, *TransportOutput or
// *EligibilityOutput, matching the record's task.
type TaskOutput interface {
	Task() types.TaskType
	taskOutput()
}

// Ranking is the shared output of the two selection heads.
type Ranking struct {
	// Raw holds the unmasked 1 x N scores.
	Raw *nn.Tensor

	// Scores holds the 1 x N scores with padding slots set to -Inf.
	Scores *nn.Tensor
	Valid  []bool

	// Probabilities is softmax(Scores); padding slots are exactly 0.
	Probabilities []float64
	Selected      int
}

func newRanking(raw *nn.Tensor, valid []bool) Ranking {
	scores := nn.MaskFill(raw, valid, math.Inf(-1))
	probs := nn.SoftmaxRows(scores).RowValues(0)

	selected := -1
	for j, ok := range valid {
		if ok && (selected < 0 || scores.At(0, j) > scores.At(0, selected)) {
			selected = j
		}
	}
	return Ranking{Raw: raw, Scores: scores, Valid: valid, Probabilities: probs, Selected: selected}
}

// TopK returns up to k valid indices ordered by descending score.
func (r Ranking) TopK(k int) []int {
	idx := make([]int, 0, len(r.Valid))
	for j, ok := range r.Valid {
		if ok {
			idx = append(idx, j)
		}
	}
	sortByScore(idx, r.Scores.RowValues(0))
	if len(idx) > k {
		idx = idx[:k]
	}
	return idx
}

type DonorOutput struct {
	Ranking
}

type InventoryOutput struct {
	Ranking
	// FactorScores holds the proximity, expiry and quantity sub-scores (N x 3).
	FactorScores *nn.Tensor
}

type UrgencyOutput struct {
	Logits        *nn.Tensor // 1 x 4
	Priority      *nn.Tensor // 1 x 1, sigmoid
	Class         int
	Probabilities []float64
}

type TransportOutput struct {
	Logits    *nn.Tensor // 1 x 3
	Eta       *nn.Tensor // 1 x 1, non-negative
	ColdChain *nn.Tensor // 1 x 1 logit

	Method             int
	ColdChainProb      float64
	ColdChainCompliant bool
}

type EligibilityOutput struct {
	EligibleLogit  *nn.Tensor // 1 x 1
	EdgeCaseLogit  *nn.Tensor // 1 x 1
	CriteriaLogits *nn.Tensor // 1 x NumCriteria

	EligibleProb  float64
	Eligible      bool
	EdgeCaseProb  float64
	CriteriaProbs []float64
}

func (*DonorOutput) Task() types.TaskType       { return types.DonorSelection }
func (*UrgencyOutput) Task() types.TaskType     { return types.UrgencyAssessment }
func (*InventoryOutput) Task() types.TaskType   { return types.InventorySelection }
func (*TransportOutput) Task() types.TaskType   { return types.TransportPlanning }
func (*EligibilityOutput) Task() types.TaskType { return types.EligibilityAnalysis }

func (*DonorOutput) taskOutput()       {}
func (*UrgencyOutput) taskOutput()     {}
func (*InventoryOutput) taskOutput()   {}
func (*TransportOutput) taskOutput()   {}
func (*EligibilityOutput) taskOutput() {}

func argmax(row []float64) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// sortByScore orders idx by descending score, keeping index order on ties.
func sortByScore(idx []int, score []float64) {
	sort.SliceStable(idx, func(a, b int) bool { return score[idx[a]] > score[idx[b]] })
}
