package network

import (
	"errors"
	"math"
	"testing"
	"time"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 4
	cfg.NumericalDim = 16
	cfg.TimeEncodingDim = 4
	cfg.HiddenDim = 16
	cfg.NumHeads = 4
	cfg.CrossAttentionHeads = 4
	return cfg
}

func newTestNetwork(t *testing.T, cfg Config) (*Network, *features.Preprocessor) {
	t.Helper()
	net, err := New(cfg)
	require.NoError(t, err)
	clock := features.FixedClock(time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC))
	return net, features.NewPreprocessor(cfg.PreprocessorOptions(clock))
}

func ptr[T any](v T) *T {
	return &v
}

func donorInput(n int) *features.Input {
	in := &features.Input{
		Alert: &features.AlertContext{BloodType: ptr("O-"), Urgency: ptr("CRITICAL"), UnitsNeeded: ptr(2.0)},
	}
	for i := 0; i < n; i++ {
		in.Candidates = append(in.Candidates, features.Candidate{
			Distance: float64(i + 1), Eta: float64(5 * (i + 1)), Score: 0.5, Reliability: ptr(0.9), Health: 1,
		})
	}
	return in
}

func TestPaddingIsNeverSelected(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		cfg := smallConfig()
		cfg.Seed = seed
		net, pre := newTestNetwork(t, cfg)

		rec := pre.Preprocess(donorInput(3), types.DonorSelection)
		res, err := net.Forward(nn.EvalPass(), &rec)
		require.NoError(t, err)

		out, ok := res.Output.(*DonorOutput)
		require.True(t, ok)
		assert.Less(t, out.Selected, 3)
		_, n := out.Scores.Dims()
		assert.Equal(t, 50, n)

		var total float64
		for j := 0; j < n; j++ {
			if j >= 3 {
				assert.True(t, math.IsInf(out.Scores.At(0, j), -1), "slot %d", j)
				assert.Equal(t, 0.0, out.Probabilities[j], "slot %d", j)
			}
			total += out.Probabilities[j]
		}
		assert.InDelta(t, 1.0, total, 1e-9)
		assert.LessOrEqual(t, len(out.TopK(3)), 3)
		for _, j := range out.TopK(5) {
			assert.Less(t, j, 3)
		}
	}
}

func TestInventoryHeadMasksPadding(t *testing.T) {
	net, pre := newTestNetwork(t, smallConfig())
	in := &features.Input{
		Request: &features.InventoryRequest{BloodType: ptr("A+"), UnitsNeeded: ptr(3.0)},
		RankedUnits: []features.RankedUnit{
			{Distance: 12, Expiry: ptr(4.0), Quantity: 10, Scores: map[string]float64{"final": 0.8}},
			{Distance: 3, ExpiryDays: ptr(20.0), Quantity: 2, Scores: map[string]float64{"final": 0.6}},
		},
	}
	rec := pre.Preprocess(in, types.InventorySelection)
	res, err := net.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)

	out := res.Output.(*InventoryOutput)
	assert.Less(t, out.Selected, 2)
	for j := 2; j < len(out.Valid); j++ {
		assert.True(t, math.IsInf(out.Scores.At(0, j), -1))
		assert.Equal(t, 0.0, out.Probabilities[j])
	}
	r, c := out.FactorScores.Dims()
	assert.Equal(t, 20, r)
	assert.Equal(t, 3, c)
}

func TestSelectionRequiresItems(t *testing.T) {
	net, pre := newTestNetwork(t, smallConfig())

	rec := pre.Preprocess(&features.Input{}, types.DonorSelection)
	_, err := net.Forward(nn.EvalPass(), &rec)
	assert.ErrorIs(t, err, features.ErrMissingInput)
	assert.Contains(t, err.Error(), "donor_selection")

	zero := &features.Input{Candidates: []features.Candidate{{Reliability: ptr(0.0)}}}
	rec = pre.Preprocess(zero, types.DonorSelection)
	_, err = net.Forward(nn.EvalPass(), &rec)
	assert.True(t, errors.Is(err, features.ErrMissingInput))

	// reliability defaults to 0.5, so a bare candidate is a real item
	rec = pre.Preprocess(&features.Input{Candidates: []features.Candidate{{}}}, types.DonorSelection)
	_, err = net.Forward(nn.EvalPass(), &rec)
	assert.NoError(t, err)

	rec = pre.Preprocess(&features.Input{}, types.InventorySelection)
	_, err = net.Forward(nn.EvalPass(), &rec)
	assert.ErrorIs(t, err, features.ErrMissingInput)
}

func TestUrgencyScenario(t *testing.T) {
	net, pre := newTestNetwork(t, smallConfig())
	in := &features.Input{
		BloodType:     ptr("B+"),
		CurrentUnits:  ptr(2.0),
		DaysRemaining: ptr(1.0),
		DailyUsage:    ptr(5.0),
	}
	rec := pre.Preprocess(in, types.UrgencyAssessment)
	res, err := net.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)

	out := res.Output.(*UrgencyOutput)
	assert.Contains(t, types.UrgencyLevels, types.UrgencyVocab.Label(out.Class))
	priority := out.Priority.Item()
	assert.GreaterOrEqual(t, priority, 0.0)
	assert.LessOrEqual(t, priority, 1.0)
	assert.Len(t, out.Probabilities, 4)

	again, err := net.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)
	assert.Equal(t, out.Class, again.Output.(*UrgencyOutput).Class)
	assert.Equal(t, priority, again.Output.(*UrgencyOutput).Priority.Item())
}

func TestTransportScenario(t *testing.T) {
	net, pre := newTestNetwork(t, smallConfig())
	in := &features.Input{
		DistanceKm: ptr(500.0),
		Urgency:    ptr("CRITICAL"),
		BloodType:  ptr("AB-"),
		Units:      ptr(4.0),
		TimeOfDay:  ptr("2025-06-01T23:15:00Z"),
	}
	rec := pre.Preprocess(in, types.TransportPlanning)
	res, err := net.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)

	out := res.Output.(*TransportOutput)
	assert.Contains(t, types.TransportMethods, types.TransportVocab.Label(out.Method))
	assert.GreaterOrEqual(t, out.Eta.Item(), 0.0)
	assert.Equal(t, out.ColdChainProb > 0.5, out.ColdChainCompliant)
}

func TestEligibilityOutputs(t *testing.T) {
	net, pre := newTestNetwork(t, smallConfig())
	in := &features.Input{Donor: &features.DonorProfile{Age: ptr(45.0), Hemoglobin: ptr(12.5)}}
	rec := pre.Preprocess(in, types.EligibilityAnalysis)
	res, err := net.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)

	out := res.Output.(*EligibilityOutput)
	require.Len(t, out.CriteriaProbs, types.NumCriteria)
	for _, p := range append(out.CriteriaProbs, out.EligibleProb, out.EdgeCaseProb) {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
	assert.Equal(t, out.EligibleProb > 0.5, out.Eligible)

	conf := res.Confidence.Item()
	assert.GreaterOrEqual(t, conf, 0.0)
	assert.LessOrEqual(t, conf, 1.0)
	assert.Len(t, res.Attention, smallConfig().NumHeads)
}

func TestBackwardReachesSharedParameters(t *testing.T) {
	net, pre := newTestNetwork(t, smallConfig())
	rec := pre.Preprocess(&features.Input{CurrentUnits: ptr(3.0), DailyUsage: ptr(2.0)}, types.UrgencyAssessment)

	res, err := net.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)
	out := res.Output.(*UrgencyOutput)
	require.NoError(t, nn.CrossEntropy(out.Logits, 3).Backward())

	for _, name := range []string{
		"encoder.fusion.0.weight",
		"encoder.blood_type_embedding.weight",
		"reasoning.layer_norm.weight",
		"urgency_head.classifier.3.weight",
	} {
		p, ok := net.Params().Get(name)
		require.True(t, ok, name)
		require.NotNil(t, p.Grad, name)
		assert.Greater(t, mat.Norm(p.Grad, 2), 0.0, name)
	}

	for _, name := range []string{"donor_head.ranking_head.0.weight", "encoder.transport_embedding.weight"} {
		p, _ := net.Params().Get(name)
		assert.Nil(t, p.Grad, name)
	}
}

func TestArchitectureVersionsDifferInShape(t *testing.T) {
	v1 := smallConfig()
	v1.ArchitectureVersion = ArchitectureV1
	old, err := New(v1)
	require.NoError(t, err)
	current, err := New(smallConfig())
	require.NoError(t, err)

	oldShapes := old.Params().Shapes()
	newShapes := current.Params().Shapes()
	assert.NotEqual(t, oldShapes["donor_head.ranking_head.0.weight"], newShapes["donor_head.ranking_head.0.weight"])
	assert.NotEqual(t, oldShapes["inventory_head.fusion.0.weight"], newShapes["inventory_head.fusion.0.weight"])
	assert.NotContains(t, oldShapes, "inventory_head.context_gates.weight")
	assert.Contains(t, newShapes, "inventory_head.context_gates.weight")

	pre := features.NewPreprocessor(v1.PreprocessorOptions(features.FixedClock(time.Unix(0, 0).UTC())))
	rec := pre.Preprocess(donorInput(2), types.DonorSelection)
	res, err := old.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)
	assert.Less(t, res.Output.(*DonorOutput).Selected, 2)
}

func TestCyclical3Encoding(t *testing.T) {
	cfg := smallConfig()
	cfg.TimeEncoding = Cyclical3
	net, pre := newTestNetwork(t, cfg)

	w, ok := net.Params().Get("encoder.time_encoder.0.weight")
	require.True(t, ok)
	r, _ := w.Dims()
	assert.Equal(t, 3, r)

	tf := features.TimeFeatures{Hour: 6, DayOfWeek: 3, Month: 9}
	assert.Equal(t, tf.Cyclical()[:3], net.encoder.TimeEncoding(tf))

	rec := pre.Preprocess(&features.Input{CurrentUnits: ptr(10.0)}, types.UrgencyAssessment)
	_, err := net.Forward(nn.EvalPass(), &rec)
	assert.NoError(t, err)
}

func TestNumericalWidthMismatch(t *testing.T) {
	net, _ := newTestNetwork(t, smallConfig())
	rec := features.NewPreprocessor(features.DefaultOptions()).Preprocess(&features.Input{}, types.UrgencyAssessment)
	_, err := net.Forward(nn.EvalPass(), &rec)
	assert.Error(t, err)
}

func TestGenerateReasoning(t *testing.T) {
	uniform := mat.NewDense(4, 4, nil)
	uniform.Apply(func(_, _ int, _ float64) float64 { return 0.25 }, uniform)
	assert.Equal(t,
		"Decision based on: urgency (weight: 0.25), reliability (weight: 0.25)",
		GenerateReasoning(AttentionWeights{uniform, uniform}),
	)

	skewed := mat.NewDense(4, 4, []float64{
		0.1, 0.2, 0.6, 0.1,
		0.1, 0.2, 0.6, 0.1,
		0.1, 0.4, 0.4, 0.1,
		0.1, 0.4, 0.4, 0.1,
	})
	assert.Equal(t,
		"Decision based on: distance (weight: 0.50), reliability (weight: 0.30)",
		GenerateReasoning(AttentionWeights{skewed}),
	)

	// batch averaging
	assert.InDeltaSlice(t,
		[]float64{0.175, 0.275, 0.375, 0.175},
		FactorImportance(AttentionWeights{skewed}, AttentionWeights{uniform}),
		1e-12,
	)

	assert.Equal(t,
		"Decision based on: urgency (weight: 0.00), reliability (weight: 0.00)",
		GenerateReasoning(),
	)
}
