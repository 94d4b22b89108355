package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type Linear struct {
	Weight *Tensor // in x out
	Bias   *Tensor // 1 x out
}

func NewLinear(p *Params, name string, in, out int) *Linear {
	return &Linear{
		Weight: p.New(name+".weight", in, out, XavierUniform),
		Bias:   p.New(name+".bias", 1, out, Fill(0)),
	}
}

func (l *Linear) Forward(x *Tensor) *Tensor {
	return AddRowVector(MatMul(x, l.Weight), l.Bias)
}

func (l *Linear) InFeatures() int {
	r, _ := l.Weight.Dims()
	return r
}

func (l *Linear) OutFeatures() int {
	_, c := l.Weight.Dims()
	return c
}

type Embedding struct {
	Weight *Tensor
}

func NewEmbedding(p *Params, name string, num, dim int) *Embedding {
	return &Embedding{Weight: p.New(name+".weight", num, dim, Normal(0.02))}
}

func (e *Embedding) Lookup(idx int) *Tensor {
	return SelectRow(e.Weight, idx)
}

func (e *Embedding) Dim() int {
	_, c := e.Weight.Dims()
	return c
}

func (e *Embedding) Size() int {
	r, _ := e.Weight.Dims()
	return r
}

type LayerNorm struct {
	Gamma *Tensor
	Beta  *Tensor
	Eps   float64
}

func NewLayerNorm(p *Params, name string, dim int) *LayerNorm {
	return &LayerNorm{
		Gamma: p.New(name+".weight", 1, dim, Fill(1)),
		Beta:  p.New(name+".bias", 1, dim, Fill(0)),
		Eps:   1e-5,
	}
}

// Forward normalizes each row to zero mean and unit variance, then applies the
// learned affine transform.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	r, c := x.Dims()
	n := float64(c)
	xhat := mat.NewDense(r, c, nil)
	invStd := make([]float64, r)
	v := mat.NewDense(r, c, nil)
	gamma := ln.Gamma.Value.RawRowView(0)
	beta := ln.Beta.Value.RawRowView(0)

	for i := 0; i < r; i++ {
		row := x.Value.RawRowView(i)
		mu := floats.Sum(row) / n
		var variance float64
		for _, xv := range row {
			variance += (xv - mu) * (xv - mu)
		}
		variance /= n
		invStd[i] = 1 / math.Sqrt(variance+ln.Eps)

		h := xhat.RawRowView(i)
		out := v.RawRowView(i)
		for j, xv := range row {
			h[j] = (xv - mu) * invStd[i]
			out[j] = gamma[j]*h[j] + beta[j]
		}
	}

	return result(v, func(out *Tensor) {
		dGamma := mat.NewDense(1, c, nil)
		dBeta := mat.NewDense(1, c, nil)
		dx := mat.NewDense(r, c, nil)
		dg := dGamma.RawRowView(0)
		db := dBeta.RawRowView(0)
		dxhat := make([]float64, c)

		for i := 0; i < r; i++ {
			g := out.Grad.RawRowView(i)
			h := xhat.RawRowView(i)
			var sumD, sumDH float64
			for j := 0; j < c; j++ {
				dg[j] += g[j] * h[j]
				db[j] += g[j]
				dxhat[j] = g[j] * gamma[j]
				sumD += dxhat[j]
				sumDH += dxhat[j] * h[j]
			}
			drow := dx.RawRowView(i)
			for j := 0; j < c; j++ {
				drow[j] = invStd[i] / n * (n*dxhat[j] - sumD - h[j]*sumDH)
			}
		}

		if x.requiresGrad {
			x.accumulate(dx)
		}
		if ln.Gamma.requiresGrad {
			ln.Gamma.accumulate(dGamma)
		}
		if ln.Beta.requiresGrad {
			ln.Beta.accumulate(dBeta)
		}
	}, x, ln.Gamma, ln.Beta)
}

// Dropout zeroes activations with probability rate during training and scales
// the survivors by 1/(1-rate). It is the identity in evaluation mode.
func Dropout(x *Tensor, rate float64, pass *Pass) *Tensor {
	if !pass.training() || rate <= 0 {
		return x
	}
	r, c := x.Dims()
	keep := 1 - rate
	mask := mat.NewDense(r, c, nil)
	mask.Apply(func(_, _ int, _ float64) float64 {
		if pass.rng.Float64() < keep {
			return 1 / keep
		}
		return 0
	}, mask)
	return Mul(x, Constant(mask))
}

// FeedForward is Linear -> ReLU -> Dropout -> Linear. The two linear layers
// are registered as "<name>.0" and "<name>.3".
type FeedForward struct {
	In      *Linear
	Out     *Linear
	Dropout float64
}

func NewFeedForward(p *Params, name string, in, hidden, out int, dropout float64) *FeedForward {
	return &FeedForward{
		In:      NewLinear(p, name+".0", in, hidden),
		Out:     NewLinear(p, name+".3", hidden, out),
		Dropout: dropout,
	}
}

func (f *FeedForward) Forward(x *Tensor, pass *Pass) *Tensor {
	return f.Out.Forward(Dropout(ReLU(f.In.Forward(x)), f.Dropout, pass))
}

type MultiHeadAttention struct {
	Query *Linear
	Key   *Linear
	Value *Linear
	Out   *Linear
	Heads int
}

func NewMultiHeadAttention(p *Params, name string, dim, heads int) (*MultiHeadAttention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("attention %s: dim %d is not divisible by %d heads", name, dim, heads)
	}
	return &MultiHeadAttention{
		Query: NewLinear(p, name+".q_proj", dim, dim),
		Key:   NewLinear(p, name+".k_proj", dim, dim),
		Value: NewLinear(p, name+".v_proj", dim, dim),
		Out:   NewLinear(p, name+".out_proj", dim, dim),
		Heads: heads,
	}, nil
}

// Forward attends a (Lq x D) query sequence over a (Lk x D) key/value
// sequence. It returns the (Lq x D) output and one (Lq x Lk) weight matrix per
// head.
func (m *MultiHeadAttention) Forward(query, key, value *Tensor) (*Tensor, []*mat.Dense) {
	q := m.Query.Forward(query)
	k := m.Key.Forward(key)
	v := m.Value.Forward(value)

	_, dim := q.Dims()
	headDim := dim / m.Heads
	scale := 1 / math.Sqrt(float64(headDim))

	outputs := make([]*Tensor, m.Heads)
	weights := make([]*mat.Dense, m.Heads)
	for h := 0; h < m.Heads; h++ {
		from, to := h*headDim, (h+1)*headDim
		qh := SliceCols(q, from, to)
		kh := SliceCols(k, from, to)
		vh := SliceCols(v, from, to)

		attn := SoftmaxRows(Scale(MatMul(qh, Transpose(kh)), scale))
		weights[h] = mat.DenseCopyOf(attn.Value)
		outputs[h] = MatMul(attn, vh)
	}

	return m.Out.Forward(ConcatCols(outputs...)), weights
}
