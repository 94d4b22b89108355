package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Initializer fills a freshly allocated parameter matrix.
type Initializer func(m *mat.Dense, rng *rand.Rand)

func XavierUniform(m *mat.Dense, rng *rand.Rand) {
	fanIn, fanOut := m.Dims()
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	m.Apply(func(_, _ int, _ float64) float64 { return (rng.Float64()*2 - 1) * limit }, m)
}

func Normal(std float64) Initializer {
	return func(m *mat.Dense, rng *rand.Rand) {
		m.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() * std }, m)
	}
}

func Fill(v float64) Initializer {
	return func(m *mat.Dense, _ *rand.Rand) {
		m.Apply(func(_, _ int, _ float64) float64 { return v }, m)
	}
}

// Shape is a (rows, cols) pair used when validating stored parameters.
type Shape struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Rows, s.Cols)
}

// Params is an ordered registry of named trainable tensors. Names follow a
// dotted module path, e.g. "encoder.fusion.0.weight".
type Params struct {
	rng    *rand.Rand
	names  []string
	byName map[string]*Tensor
}

func NewParams(seed uint64) *Params {
	return &Params{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		byName: make(map[string]*Tensor),
	}
}

// New allocates and registers a parameter. Registering a duplicate name is a
// programming error and panics.
func (p *Params) New(name string, rows, cols int, init Initializer) *Tensor {
	if _, exists := p.byName[name]; exists {
		panic(fmt.Sprintf("nn: duplicate parameter %q", name))
	}
	m := mat.NewDense(rows, cols, nil)
	init(m, p.rng)
	t := Variable(m)
	p.names = append(p.names, name)
	p.byName[name] = t
	return t
}

func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

func (p *Params) Get(name string) (*Tensor, bool) {
	t, ok := p.byName[name]
	return t, ok
}

func (p *Params) Len() int {
	return len(p.names)
}

// Count returns the total number of scalar parameters.
func (p *Params) Count() int {
	total := 0
	for _, t := range p.byName {
		r, c := t.Dims()
		total += r * c
	}
	return total
}

func (p *Params) Shapes() map[string]Shape {
	shapes := make(map[string]Shape, len(p.names))
	for name, t := range p.byName {
		r, c := t.Dims()
		shapes[name] = Shape{Rows: r, Cols: c}
	}
	return shapes
}

func (p *Params) ZeroGrad() {
	for _, t := range p.byName {
		t.ZeroGrad()
	}
}

// State encodes every parameter with gonum's binary matrix format.
func (p *Params) State() (map[string][]byte, error) {
	state := make(map[string][]byte, len(p.names))
	for _, name := range p.names {
		data, err := p.byName[name].Value.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("error encoding parameter %s: %w", name, err)
		}
		state[name] = data
	}
	return state, nil
}

// DecodeState decodes a State map without applying it.
func DecodeState(state map[string][]byte) (map[string]*mat.Dense, error) {
	decoded := make(map[string]*mat.Dense, len(state))
	for name, data := range state {
		var m mat.Dense
		if err := m.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("error decoding parameter %s: %w", name, err)
		}
		decoded[name] = &m
	}
	return decoded, nil
}

// Assign copies a decoded value into the named parameter. Shapes must match.
func (p *Params) Assign(name string, value *mat.Dense) error {
	t, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("unknown parameter %s", name)
	}
	r, c := t.Dims()
	vr, vc := value.Dims()
	if r != vr || c != vc {
		return fmt.Errorf("parameter %s: expected %dx%d, got %dx%d", name, r, c, vr, vc)
	}
	t.Value.Copy(value)
	return nil
}

// Missing returns the registered names absent from the given set, sorted.
func (p *Params) Missing(present map[string]*mat.Dense) []string {
	var missing []string
	for _, name := range p.names {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Pass carries per-forward settings. A nil *Pass means evaluation mode.
type Pass struct {
	Train bool
	rng   *rand.Rand
}

func TrainPass(seed uint64) *Pass {
	return &Pass{Train: true, rng: rand.New(rand.NewPCG(seed, seed+1))}
}

func EvalPass() *Pass {
	return &Pass{}
}

func (p *Pass) training() bool {
	return p != nil && p.Train
}
