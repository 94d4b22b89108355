package network

import (
	"fmt"
	"strings"

	"decision-backend/internal/core/types"

	"gonum.org/v1/gonum/mat"
)

// AttentionWeights holds one factors x factors matrix per attention head.
type AttentionWeights []*mat.Dense

// FactorImportance averages, over heads and query factors, the weight each
// factor receives as a key.
func FactorImportance(batch ...AttentionWeights) []float64 {
	var importance []float64
	var count float64
	for _, heads := range batch {
		for _, w := range heads {
			r, c := w.Dims()
			if importance == nil {
				importance = make([]float64, c)
			}
			for i := 0; i < r; i++ {
				for j := 0; j < c && j < len(importance); j++ {
					importance[j] += w.At(i, j)
				}
			}
			count += float64(r)
		}
	}
	if importance == nil {
		return make([]float64, len(types.FactorNames))
	}
	for j := range importance {
		importance[j] /= count
	}
	return importance
}

// GenerateReasoning names the two most attended factors with their weights.
// Ties keep factor order, so uniform attention yields urgency then reliability.
func GenerateReasoning(batch ...AttentionWeights) string {
	importance := FactorImportance(batch...)
	idx := make([]int, len(importance))
	for i := range idx {
		idx[i] = i
	}
	sortByScore(idx, importance)
	if len(idx) > 2 {
		idx = idx[:2]
	}

	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = fmt.Sprintf("%s (weight: %.2f)", factorName(j), importance[j])
	}
	return "Decision based on: " + strings.Join(parts, ", ")
}

func factorName(i int) string {
	if i < len(types.FactorNames) {
		return types.FactorNames[i]
	}
	return fmt.Sprintf("factor_%d", i)
}
