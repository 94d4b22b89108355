package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func mustSameShape(op string, a, b *Tensor) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("nn: %s shape mismatch %dx%d vs %dx%d", op, ar, ac, br, bc))
	}
}

func MatMul(a, b *Tensor) *Tensor {
	var v mat.Dense
	v.Mul(a.Value, b.Value)

	return result(&v, func(out *Tensor) {
		if a.requiresGrad {
			var da mat.Dense
			da.Mul(out.Grad, b.Value.T())
			a.accumulate(&da)
		}
		if b.requiresGrad {
			var db mat.Dense
			db.Mul(a.Value.T(), out.Grad)
			b.accumulate(&db)
		}
	}, a, b)
}

func Add(a, b *Tensor) *Tensor {
	mustSameShape("Add", a, b)
	var v mat.Dense
	v.Add(a.Value, b.Value)

	return result(&v, func(out *Tensor) {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if b.requiresGrad {
			b.accumulate(out.Grad)
		}
	}, a, b)
}

func Sub(a, b *Tensor) *Tensor {
	mustSameShape("Sub", a, b)
	var v mat.Dense
	v.Sub(a.Value, b.Value)

	return result(&v, func(out *Tensor) {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if b.requiresGrad {
			var db mat.Dense
			db.Scale(-1, out.Grad)
			b.accumulate(&db)
		}
	}, a, b)
}

// Mul is the elementwise product.
func Mul(a, b *Tensor) *Tensor {
	mustSameShape("Mul", a, b)
	var v mat.Dense
	v.MulElem(a.Value, b.Value)

	return result(&v, func(out *Tensor) {
		if a.requiresGrad {
			var da mat.Dense
			da.MulElem(out.Grad, b.Value)
			a.accumulate(&da)
		}
		if b.requiresGrad {
			var db mat.Dense
			db.MulElem(out.Grad, a.Value)
			b.accumulate(&db)
		}
	}, a, b)
}

func Scale(a *Tensor, s float64) *Tensor {
	var v mat.Dense
	v.Scale(s, a.Value)

	return result(&v, func(out *Tensor) {
		var da mat.Dense
		da.Scale(s, out.Grad)
		a.accumulate(&da)
	}, a)
}

func AddScalar(a *Tensor, s float64) *Tensor {
	var v mat.Dense
	v.Apply(func(_, _ int, x float64) float64 { return x + s }, a.Value)

	return result(&v, func(out *Tensor) {
		a.accumulate(out.Grad)
	}, a)
}

// AddRowVector adds the 1xC row b to every row of the RxC matrix a.
func AddRowVector(a, b *Tensor) *Tensor {
	r, c := a.Dims()
	br, bc := b.Dims()
	if br != 1 || bc != c {
		panic(fmt.Sprintf("nn: AddRowVector expects 1x%d, got %dx%d", c, br, bc))
	}
	v := mat.NewDense(r, c, nil)
	brow := b.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.AddTo(v.RawRowView(i), a.Value.RawRowView(i), brow)
	}

	return result(v, func(out *Tensor) {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if b.requiresGrad {
			db := mat.NewDense(1, c, nil)
			drow := db.RawRowView(0)
			for i := 0; i < r; i++ {
				floats.Add(drow, out.Grad.RawRowView(i))
			}
			b.accumulate(db)
		}
	}, a, b)
}

// MulRowVector multiplies every row of the RxC matrix a elementwise by the 1xC row b.
func MulRowVector(a, b *Tensor) *Tensor {
	r, c := a.Dims()
	br, bc := b.Dims()
	if br != 1 || bc != c {
		panic(fmt.Sprintf("nn: MulRowVector expects 1x%d, got %dx%d", c, br, bc))
	}
	v := mat.NewDense(r, c, nil)
	brow := b.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.MulTo(v.RawRowView(i), a.Value.RawRowView(i), brow)
	}

	return result(v, func(out *Tensor) {
		if a.requiresGrad {
			da := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				floats.MulTo(da.RawRowView(i), out.Grad.RawRowView(i), brow)
			}
			a.accumulate(da)
		}
		if b.requiresGrad {
			db := mat.NewDense(1, c, nil)
			drow := db.RawRowView(0)
			tmp := make([]float64, c)
			for i := 0; i < r; i++ {
				floats.MulTo(tmp, out.Grad.RawRowView(i), a.Value.RawRowView(i))
				floats.Add(drow, tmp)
			}
			b.accumulate(db)
		}
	}, a, b)
}

func ReLU(a *Tensor) *Tensor {
	var v mat.Dense
	v.Apply(func(_, _ int, x float64) float64 { return math.Max(0, x) }, a.Value)

	return result(&v, func(out *Tensor) {
		var da mat.Dense
		da.Apply(func(i, j int, g float64) float64 {
			if a.Value.At(i, j) > 0 {
				return g
			}
			return 0
		}, out.Grad)
		a.accumulate(&da)
	}, a)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func Sigmoid(a *Tensor) *Tensor {
	var v mat.Dense
	v.Apply(func(_, _ int, x float64) float64 { return sigmoid(x) }, a.Value)

	return result(&v, func(out *Tensor) {
		var da mat.Dense
		da.Apply(func(i, j int, g float64) float64 {
			s := out.Value.At(i, j)
			return g * s * (1 - s)
		}, out.Grad)
		a.accumulate(&da)
	}, a)
}

// rowMax ignores -Inf entries so fully masked positions do not poison the shift.
func rowMax(row []float64) float64 {
	m := math.Inf(-1)
	for _, x := range row {
		if x > m {
			m = x
		}
	}
	return m
}

// SoftmaxRows applies softmax independently to each row. Entries equal to -Inf
// receive exactly zero probability.
func SoftmaxRows(a *Tensor) *Tensor {
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := a.Value.RawRowView(i)
		dst := v.RawRowView(i)
		m := rowMax(src)
		var sum float64
		for j, x := range src {
			if math.IsInf(x, -1) {
				dst[j] = 0
				continue
			}
			dst[j] = math.Exp(x - m)
			sum += dst[j]
		}
		floats.Scale(1/sum, dst)
	}

	return result(v, func(out *Tensor) {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			y := out.Value.RawRowView(i)
			g := out.Grad.RawRowView(i)
			dot := floats.Dot(g, y)
			drow := da.RawRowView(i)
			for j := range drow {
				drow[j] = y[j] * (g[j] - dot)
			}
		}
		a.accumulate(da)
	}, a)
}

// LogSoftmaxRows is the numerically stable log of SoftmaxRows. Masked (-Inf)
// entries stay -Inf and receive no gradient.
func LogSoftmaxRows(a *Tensor) *Tensor {
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	probs := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := a.Value.RawRowView(i)
		m := rowMax(src)
		var sum float64
		for _, x := range src {
			if !math.IsInf(x, -1) {
				sum += math.Exp(x - m)
			}
		}
		lse := m + math.Log(sum)
		dst := v.RawRowView(i)
		p := probs.RawRowView(i)
		for j, x := range src {
			if math.IsInf(x, -1) {
				dst[j] = math.Inf(-1)
				p[j] = 0
				continue
			}
			dst[j] = x - lse
			p[j] = math.Exp(dst[j])
		}
	}

	return result(v, func(out *Tensor) {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			g := out.Grad.RawRowView(i)
			p := probs.RawRowView(i)
			src := a.Value.RawRowView(i)
			var gsum float64
			for j, x := range src {
				if !math.IsInf(x, -1) {
					gsum += g[j]
				}
			}
			drow := da.RawRowView(i)
			for j, x := range src {
				if math.IsInf(x, -1) {
					continue
				}
				drow[j] = g[j] - p[j]*gsum
			}
		}
		a.accumulate(da)
	}, a)
}

// MaskFill replaces the entries of a 1xN row whose mask is false with fill.
// Filled entries receive no gradient.
func MaskFill(a *Tensor, keep []bool, fill float64) *Tensor {
	r, c := a.Dims()
	if r != 1 || c != len(keep) {
		panic(fmt.Sprintf("nn: MaskFill expects 1x%d, got %dx%d", len(keep), r, c))
	}
	v := mat.DenseCopyOf(a.Value)
	row := v.RawRowView(0)
	for j, k := range keep {
		if !k {
			row[j] = fill
		}
	}

	return result(v, func(out *Tensor) {
		da := mat.NewDense(1, c, nil)
		drow := da.RawRowView(0)
		g := out.Grad.RawRowView(0)
		for j, k := range keep {
			if k {
				drow[j] = g[j]
			}
		}
		a.accumulate(da)
	}, a)
}

func Transpose(a *Tensor) *Tensor {
	v := mat.DenseCopyOf(a.Value.T())

	return result(v, func(out *Tensor) {
		a.accumulate(out.Grad.T())
	}, a)
}

// ConcatCols joins tensors with equal row counts side by side.
func ConcatCols(ts ...*Tensor) *Tensor {
	r, _ := ts[0].Dims()
	total := 0
	for _, t := range ts {
		tr, tc := t.Dims()
		if tr != r {
			panic(fmt.Sprintf("nn: ConcatCols row mismatch %d vs %d", tr, r))
		}
		total += tc
	}

	v := mat.NewDense(r, total, nil)
	offset := 0
	for _, t := range ts {
		_, tc := t.Dims()
		for i := 0; i < r; i++ {
			copy(v.RawRowView(i)[offset:offset+tc], t.Value.RawRowView(i))
		}
		offset += tc
	}

	return result(v, func(out *Tensor) {
		offset := 0
		for _, t := range ts {
			_, tc := t.Dims()
			if t.requiresGrad {
				dt := mat.NewDense(r, tc, nil)
				for i := 0; i < r; i++ {
					copy(dt.RawRowView(i), out.Grad.RawRowView(i)[offset:offset+tc])
				}
				t.accumulate(dt)
			}
			offset += tc
		}
	}, ts...)
}

// ConcatRows stacks tensors with equal column counts vertically.
func ConcatRows(ts ...*Tensor) *Tensor {
	_, c := ts[0].Dims()
	total := 0
	for _, t := range ts {
		tr, tc := t.Dims()
		if tc != c {
			panic(fmt.Sprintf("nn: ConcatRows column mismatch %d vs %d", tc, c))
		}
		total += tr
	}

	v := mat.NewDense(total, c, nil)
	offset := 0
	for _, t := range ts {
		tr, _ := t.Dims()
		for i := 0; i < tr; i++ {
			copy(v.RawRowView(offset+i), t.Value.RawRowView(i))
		}
		offset += tr
	}

	return result(v, func(out *Tensor) {
		offset := 0
		for _, t := range ts {
			tr, _ := t.Dims()
			if t.requiresGrad {
				dt := mat.NewDense(tr, c, nil)
				for i := 0; i < tr; i++ {
					copy(dt.RawRowView(i), out.Grad.RawRowView(offset+i))
				}
				t.accumulate(dt)
			}
			offset += tr
		}
	}, ts...)
}

// SliceCols returns columns [from, to).
func SliceCols(a *Tensor, from, to int) *Tensor {
	r, c := a.Dims()
	if from < 0 || to > c || from >= to {
		panic(fmt.Sprintf("nn: SliceCols [%d,%d) out of range for %d columns", from, to, c))
	}
	w := to - from
	v := mat.NewDense(r, w, nil)
	for i := 0; i < r; i++ {
		copy(v.RawRowView(i), a.Value.RawRowView(i)[from:to])
	}

	return result(v, func(out *Tensor) {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			copy(da.RawRowView(i)[from:to], out.Grad.RawRowView(i))
		}
		a.accumulate(da)
	}, a)
}

// SelectRow returns row i as a 1xC tensor. Used for embedding lookups.
func SelectRow(a *Tensor, i int) *Tensor {
	r, c := a.Dims()
	if i < 0 || i >= r {
		panic(fmt.Sprintf("nn: SelectRow index %d out of range for %d rows", i, r))
	}
	v := mat.NewDense(1, c, nil)
	copy(v.RawRowView(0), a.Value.RawRowView(i))

	return result(v, func(out *Tensor) {
		da := mat.NewDense(r, c, nil)
		copy(da.RawRowView(i), out.Grad.RawRowView(0))
		a.accumulate(da)
	}, a)
}

// Pick returns element (i, j) as a 1x1 tensor.
func Pick(a *Tensor, i, j int) *Tensor {
	r, c := a.Dims()
	v := mat.NewDense(1, 1, []float64{a.Value.At(i, j)})

	return result(v, func(out *Tensor) {
		da := mat.NewDense(r, c, nil)
		da.Set(i, j, out.Grad.At(0, 0))
		a.accumulate(da)
	}, a)
}

// Flatten concatenates the rows of a into a single 1x(R*C) row.
func Flatten(a *Tensor) *Tensor {
	r, c := a.Dims()
	v := mat.NewDense(1, r*c, nil)
	row := v.RawRowView(0)
	for i := 0; i < r; i++ {
		copy(row[i*c:(i+1)*c], a.Value.RawRowView(i))
	}

	return result(v, func(out *Tensor) {
		da := mat.NewDense(r, c, nil)
		g := out.Grad.RawRowView(0)
		for i := 0; i < r; i++ {
			copy(da.RawRowView(i), g[i*c:(i+1)*c])
		}
		a.accumulate(da)
	}, a)
}

func Sum(a *Tensor) *Tensor {
	r, c := a.Dims()
	var s float64
	for i := 0; i < r; i++ {
		s += floats.Sum(a.Value.RawRowView(i))
	}
	v := mat.NewDense(1, 1, []float64{s})

	return result(v, func(out *Tensor) {
		g := out.Grad.At(0, 0)
		da := mat.NewDense(r, c, nil)
		da.Apply(func(_, _ int, _ float64) float64 { return g }, da)
		a.accumulate(da)
	}, a)
}

func Mean(a *Tensor) *Tensor {
	r, c := a.Dims()
	return Scale(Sum(a), 1/float64(r*c))
}

// AddAll sums 1x1 tensors.
func AddAll(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		return Scalar(0)
	}
	acc := ts[0]
	for _, t := range ts[1:] {
		acc = Add(acc, t)
	}
	return acc
}
