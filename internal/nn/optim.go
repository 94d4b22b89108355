package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamW implements Adam with decoupled weight decay. Moment estimates are
// keyed by parameter name so they survive a checkpoint round trip.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m    map[string]*mat.Dense
	v    map[string]*mat.Dense
}

func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string]*mat.Dense),
		v:           make(map[string]*mat.Dense),
	}
}

func (o *AdamW) Steps() int {
	return o.step
}

// Step applies one update to every parameter with a gradient.
func (o *AdamW) Step(params *Params) {
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for _, name := range params.names {
		p := params.byName[name]
		if p.Grad == nil {
			continue
		}
		r, c := p.Dims()
		m, ok := o.m[name]
		if !ok {
			m = mat.NewDense(r, c, nil)
			o.m[name] = m
		}
		v, ok := o.v[name]
		if !ok {
			v = mat.NewDense(r, c, nil)
			o.v[name] = v
		}

		for i := 0; i < r; i++ {
			w := p.Value.RawRowView(i)
			g := p.Grad.RawRowView(i)
			mr := m.RawRowView(i)
			vr := v.RawRowView(i)
			for j := range w {
				w[j] -= o.LR * o.WeightDecay * w[j]
				mr[j] = o.Beta1*mr[j] + (1-o.Beta1)*g[j]
				vr[j] = o.Beta2*vr[j] + (1-o.Beta2)*g[j]*g[j]
				mHat := mr[j] / bc1
				vHat := vr[j] / bc2
				w[j] -= o.LR * mHat / (math.Sqrt(vHat) + o.Eps)
			}
		}
	}
}

// OptimizerState is the serialisable form of AdamW.
type OptimizerState struct {
	LR          float64           `json:"lr"`
	Beta1       float64           `json:"beta1"`
	Beta2       float64           `json:"beta2"`
	Eps         float64           `json:"eps"`
	WeightDecay float64           `json:"weight_decay"`
	Step        int               `json:"step"`
	M           map[string][]byte `json:"m"`
	V           map[string][]byte `json:"v"`
}

func (o *AdamW) State() (OptimizerState, error) {
	state := OptimizerState{
		LR:          o.LR,
		Beta1:       o.Beta1,
		Beta2:       o.Beta2,
		Eps:         o.Eps,
		WeightDecay: o.WeightDecay,
		Step:        o.step,
		M:           make(map[string][]byte, len(o.m)),
		V:           make(map[string][]byte, len(o.v)),
	}
	for name, m := range o.m {
		data, err := m.MarshalBinary()
		if err != nil {
			return OptimizerState{}, fmt.Errorf("error encoding first moment %s: %w", name, err)
		}
		state.M[name] = data
	}
	for name, v := range o.v {
		data, err := v.MarshalBinary()
		if err != nil {
			return OptimizerState{}, fmt.Errorf("error encoding second moment %s: %w", name, err)
		}
		state.V[name] = data
	}
	return state, nil
}

func (o *AdamW) LoadState(state OptimizerState) error {
	m, err := DecodeState(state.M)
	if err != nil {
		return fmt.Errorf("error loading optimizer first moments: %w", err)
	}
	v, err := DecodeState(state.V)
	if err != nil {
		return fmt.Errorf("error loading optimizer second moments: %w", err)
	}
	o.LR = state.LR
	o.Beta1 = state.Beta1
	o.Beta2 = state.Beta2
	o.Eps = state.Eps
	o.WeightDecay = state.WeightDecay
	o.step = state.Step
	o.m = m
	o.v = v
	return nil
}

// GradNorm returns the global L2 norm over all parameter gradients.
func GradNorm(params *Params) float64 {
	var sq float64
	for _, name := range params.names {
		g := params.byName[name].Grad
		if g == nil {
			continue
		}
		r, _ := g.Dims()
		for i := 0; i < r; i++ {
			for _, x := range g.RawRowView(i) {
				sq += x * x
			}
		}
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm and
// returns the norm measured before clipping. Non-finite norms are returned
// untouched so the caller can skip the step.
func ClipGradNorm(params *Params, maxNorm float64) float64 {
	norm := GradNorm(params)
	if math.IsNaN(norm) || math.IsInf(norm, 0) || norm <= maxNorm {
		return norm
	}
	factor := maxNorm / (norm + 1e-6)
	for _, name := range params.names {
		if g := params.byName[name].Grad; g != nil {
			g.Scale(factor, g)
		}
	}
	return norm
}

// PlateauScheduler multiplies the learning rate by Factor once the monitored
// loss has not improved for more than Patience consecutive epochs.
type PlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	Best       float64
	BadEpochs  int
	Reductions int
}

func NewPlateauScheduler(factor float64, patience int) *PlateauScheduler {
	return &PlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: 1e-4,
		Best:      math.Inf(1),
	}
}

// Step records an epoch's validation loss and returns true if the optimizer's
// learning rate was reduced.
func (s *PlateauScheduler) Step(loss float64, opt *AdamW) bool {
	if loss < s.Best*(1-s.Threshold) {
		s.Best = loss
		s.BadEpochs = 0
		return false
	}

	s.BadEpochs++
	if s.BadEpochs <= s.Patience {
		return false
	}

	newLR := math.Max(opt.LR*s.Factor, s.MinLR)
	s.BadEpochs = 0
	if opt.LR-newLR <= 1e-12 {
		return false
	}
	opt.LR = newLR
	s.Reductions++
	return true
}

// SchedulerState is the serialisable form of PlateauScheduler. Best is nil
// until a finite loss has been observed.
type SchedulerState struct {
	Factor     float64  `json:"factor"`
	Patience   int      `json:"patience"`
	Threshold  float64  `json:"threshold"`
	MinLR      float64  `json:"min_lr"`
	Best       *float64 `json:"best,omitempty"`
	BadEpochs  int      `json:"bad_epochs"`
	Reductions int      `json:"reductions"`
}

func (s *PlateauScheduler) State() SchedulerState {
	state := SchedulerState{
		Factor:     s.Factor,
		Patience:   s.Patience,
		Threshold:  s.Threshold,
		MinLR:      s.MinLR,
		BadEpochs:  s.BadEpochs,
		Reductions: s.Reductions,
	}
	if !math.IsInf(s.Best, 0) && !math.IsNaN(s.Best) {
		best := s.Best
		state.Best = &best
	}
	return state
}

func (s *PlateauScheduler) LoadState(state SchedulerState) {
	s.Factor = state.Factor
	s.Patience = state.Patience
	s.Threshold = state.Threshold
	s.MinLR = state.MinLR
	s.BadEpochs = state.BadEpochs
	s.Reductions = state.Reductions
	s.Best = math.Inf(1)
	if state.Best != nil {
		s.Best = *state.Best
	}
}
