// Package nn is a small reverse-mode autodiff engine over gonum dense matrices.
//
// Every value is a 2-D matrix. Graphs are built eagerly by calling the op
// functions; a node records its parents and a backward closure only when at
// least one parent requires gradients, so inference never allocates tape.
package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var ErrNotScalar = errors.New("backward must start from a 1x1 tensor")

type Tensor struct {
	Value *mat.Dense
	Grad  *mat.Dense

	requiresGrad bool
	parents      []*Tensor
	backward     func(out *Tensor)
}

// Constant wraps a matrix that never receives gradients.
func Constant(v *mat.Dense) *Tensor {
	return &Tensor{Value: v}
}

// Variable wraps a matrix that accumulates gradients.
func Variable(v *mat.Dense) *Tensor {
	return &Tensor{Value: v, requiresGrad: true}
}

func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 || len(rows[0]) == 0 {
		panic("nn: FromRows requires at least one non-empty row")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for _, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("nn: ragged rows, expected %d columns got %d", cols, len(r)))
		}
		data = append(data, r...)
	}
	return Constant(mat.NewDense(len(rows), cols, data))
}

func RowVector(v []float64) *Tensor {
	data := make([]float64, len(v))
	copy(data, v)
	return Constant(mat.NewDense(1, len(v), data))
}

func Scalar(v float64) *Tensor {
	return Constant(mat.NewDense(1, 1, []float64{v}))
}

func Zeros(r, c int) *Tensor {
	return Constant(mat.NewDense(r, c, nil))
}

func (t *Tensor) Dims() (int, int) {
	return t.Value.Dims()
}

func (t *Tensor) At(i, j int) float64 {
	return t.Value.At(i, j)
}

// Item returns the single value of a 1x1 tensor.
func (t *Tensor) Item() float64 {
	return t.Value.At(0, 0)
}

// RowValues returns a copy of row i.
func (t *Tensor) RowValues(i int) []float64 {
	_, c := t.Dims()
	out := make([]float64, c)
	mat.Row(out, i, t.Value)
	return out
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) ZeroGrad() {
	t.Grad = nil
}

func (t *Tensor) accumulate(g mat.Matrix) {
	if t.Grad == nil {
		r, c := t.Dims()
		t.Grad = mat.NewDense(r, c, nil)
	}
	t.Grad.Add(t.Grad, g)
}

func result(v *mat.Dense, backward func(out *Tensor), parents ...*Tensor) *Tensor {
	out := &Tensor{Value: v}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.parents = parents
		out.backward = backward
	}
	return out
}

// Backward propagates gradients from a scalar loss to every tensor in its graph
// that requires them. Gradients accumulate until ZeroGrad is called.
func (t *Tensor) Backward() error {
	r, c := t.Dims()
	if r != 1 || c != 1 {
		return fmt.Errorf("%w: got %dx%d", ErrNotScalar, r, c)
	}
	if !t.requiresGrad {
		return nil
	}

	order := topoSort(t)
	t.accumulate(mat.NewDense(1, 1, []float64{1}))
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.backward != nil && node.Grad != nil {
			node.backward(node)
		}
	}

	// Release intermediate gradients so the graph can be collected; only
	// leaves (parameters) keep theirs.
	for _, node := range order {
		if node.backward != nil {
			node.Grad = nil
		}
	}
	return nil
}

func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			if p.requiresGrad {
				visit(p)
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}
