package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CrossEntropy returns -log softmax(logits)[target] for a 1xN row of logits.
// The caller is responsible for target being a valid, unmasked column.
func CrossEntropy(logits *Tensor, target int) *Tensor {
	return Scale(Pick(LogSoftmaxRows(logits), 0, target), -1)
}

// MSE is the mean squared error against a constant target of the same shape.
func MSE(pred *Tensor, target []float64) *Tensor {
	r, c := pred.Dims()
	if r*c != len(target) {
		panic(fmt.Sprintf("nn: MSE target has %d values for %dx%d prediction", len(target), r, c))
	}
	t := Constant(mat.NewDense(r, c, append([]float64(nil), target...)))
	d := Sub(pred, t)
	return Mean(Mul(d, d))
}

// BCEWithLogits is the mean binary cross-entropy of sigmoid(logits) against
// targets in [0, 1], computed directly from logits for stability.
func BCEWithLogits(logits *Tensor, target []float64) *Tensor {
	r, c := logits.Dims()
	if r*c != len(target) {
		panic(fmt.Sprintf("nn: BCE target has %d values for %dx%d logits", len(target), r, c))
	}

	var total float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := logits.Value.At(i, j)
			y := target[i*c+j]
			total += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		}
	}
	n := float64(r * c)
	v := mat.NewDense(1, 1, []float64{total / n})

	return result(v, func(out *Tensor) {
		g := out.Grad.At(0, 0) / n
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				da.Set(i, j, g*(sigmoid(logits.Value.At(i, j))-target[i*c+j]))
			}
		}
		logits.accumulate(da)
	}, logits)
}

// MarginRanking is max(0, margin - (scores[target] - max_{j != target, valid} scores[j]))
// over a 1xN row. Returns a constant zero when target has no valid competitor.
func MarginRanking(scores *Tensor, target int, valid []bool, margin float64) *Tensor {
	_, n := scores.Dims()
	best := -1
	for j := 0; j < n; j++ {
		if j == target || (valid != nil && !valid[j]) {
			continue
		}
		if best < 0 || scores.Value.At(0, j) > scores.Value.At(0, best) {
			best = j
		}
	}
	if best < 0 {
		return Scalar(0)
	}

	gap := Sub(Pick(scores, 0, target), Pick(scores, 0, best))
	return ReLU(AddScalar(Scale(gap, -1), margin))
}
