package training

import (
	"fmt"
	"log/slog"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/nn"
)

const (
	rankingWeight   = 2.0
	auxiliaryWeight = 0.5
)

// Loss is one example's weighted loss split into its components. Primary is
// the classification term, Auxiliary the ranking, regression or multi-label
// term, already scaled by its relative weight.
type Loss struct {
	Primary   *nn.Tensor
	Auxiliary *nn.Tensor
	Total     *nn.Tensor
}

// TaskLoss computes the loss for a head output against its label. Label
// indices outside the valid range are clamped.
func TaskLoss(out network.TaskOutput, label features.Label, weight, margin float64) (Loss, error) {
	var primary, auxiliary *nn.Tensor

	switch o := out.(type) {
	case *network.DonorOutput:
		primary, auxiliary = selectionLoss(o.Ranking, label.Selected(), margin)
	case *network.InventoryOutput:
		primary, auxiliary = selectionLoss(o.Ranking, label.Selected(), margin)
	case *network.UrgencyOutput:
		_, n := o.Logits.Dims()
		primary = nn.CrossEntropy(o.Logits, clamp(label.Urgency(), 0, n-1))
		auxiliary = nn.Scale(nn.MSE(o.Priority, []float64{label.Priority()}), auxiliaryWeight)
	case *network.TransportOutput:
		_, n := o.Logits.Dims()
		primary = nn.CrossEntropy(o.Logits, clamp(label.TransportMethod(), 0, n-1))
		auxiliary = nn.Scale(nn.MSE(o.Eta, []float64{label.Eta()}), auxiliaryWeight)
	case *network.EligibilityOutput:
		_, n := o.CriteriaLogits.Dims()
		targets := make([]float64, n)
		copy(targets, label.Criteria())
		primary = nn.BCEWithLogits(o.EligibleLogit, []float64{label.IsEligible()})
		auxiliary = nn.Scale(nn.BCEWithLogits(o.CriteriaLogits, targets), auxiliaryWeight)
	default:
		return Loss{}, fmt.Errorf("no loss defined for output %T", out)
	}

	return Loss{
		Primary:   primary,
		Auxiliary: auxiliary,
		Total:     nn.Scale(nn.Add(primary, auxiliary), weight),
	}, nil
}

func selectionLoss(r network.Ranking, selected int, margin float64) (*nn.Tensor, *nn.Tensor) {
	target := clampToValid(selected, r.Valid)
	primary := nn.CrossEntropy(r.Scores, target)
	ranking := nn.MarginRanking(r.Raw, target, r.Valid, margin)
	return primary, nn.Scale(ranking, rankingWeight)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// clampToValid moves a label index onto a real item: out-of-range indices are
// clamped and an index pointing at padding falls back to the nearest valid
// item before it, or the first valid item.
func clampToValid(idx int, valid []bool) int {
	target := clamp(idx, 0, len(valid)-1)
	if valid[target] {
		return target
	}
	for j := target - 1; j >= 0; j-- {
		if valid[j] {
			slog.Debug("selection label points at padding, clamped", "label", idx, "target", j)
			return j
		}
	}
	for j := range valid {
		if valid[j] {
			return j
		}
	}
	return target
}
