package training

import (
	"math"
	"slices"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/types"
)

type Metrics map[string]float64

// MetricsAccumulator collects per-example outcomes for one task.
type MetricsAccumulator struct {
	task types.TaskType

	count      int
	correct    int
	top3       int
	absErr     float64
	confidence float64

	truePos, falsePos, falseNeg int
}

func NewMetricsAccumulator(task types.TaskType) *MetricsAccumulator {
	return &MetricsAccumulator{task: task}
}

func (m *MetricsAccumulator) Add(out network.TaskOutput, label features.Label, confidence float64) {
	m.count++
	m.confidence += confidence

	switch o := out.(type) {
	case *network.DonorOutput:
		m.addRanking(o.Ranking, label)
	case *network.InventoryOutput:
		m.addRanking(o.Ranking, label)
	case *network.UrgencyOutput:
		if o.Class == label.Urgency() {
			m.correct++
		}
		m.absErr += math.Abs(o.Priority.Item() - label.Priority())
	case *network.TransportOutput:
		if o.Method == label.TransportMethod() {
			m.correct++
		}
		m.absErr += math.Abs(o.Eta.Item() - label.Eta())
	case *network.EligibilityOutput:
		actual := label.IsEligible() > 0.5
		if o.Eligible == actual {
			m.correct++
		}
		switch {
		case o.Eligible && actual:
			m.truePos++
		case o.Eligible && !actual:
			m.falsePos++
		case !o.Eligible && actual:
			m.falseNeg++
		}
	}
}

func (m *MetricsAccumulator) addRanking(r network.Ranking, label features.Label) {
	if r.Selected == label.Selected() {
		m.correct++
	}
	if slices.Contains(r.TopK(3), label.Selected()) {
		m.top3++
	}
}

func (m *MetricsAccumulator) Count() int {
	return m.count
}

// Compute returns the task's metrics. An empty accumulator yields nil.
func (m *MetricsAccumulator) Compute() Metrics {
	if m.count == 0 {
		return nil
	}
	n := float64(m.count)
	accuracy := float64(m.correct) / n
	metrics := Metrics{"avg_confidence": m.confidence / n}

	switch m.task {
	case types.DonorSelection, types.InventorySelection:
		metrics["accuracy"] = accuracy
		metrics["top_3_accuracy"] = float64(m.top3) / n
	case types.UrgencyAssessment:
		metrics["accuracy"] = accuracy
		metrics["priority_mae"] = m.absErr / n
	case types.TransportPlanning:
		metrics["method_accuracy"] = accuracy
		metrics["eta_mae"] = m.absErr / n
	case types.EligibilityAnalysis:
		precision := float64(m.truePos) / (float64(m.truePos+m.falsePos) + 1e-8)
		recall := float64(m.truePos) / (float64(m.truePos+m.falseNeg) + 1e-8)
		metrics["accuracy"] = accuracy
		metrics["precision"] = precision
		metrics["recall"] = recall
		metrics["f1"] = 2 * precision * recall / (precision + recall + 1e-8)
	}
	return metrics
}
