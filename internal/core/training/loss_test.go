package training

import (
	"math"
	"testing"
	"time"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallNetworkConfig() network.Config {
	cfg := network.DefaultConfig()
	cfg.EmbeddingDim = 4
	cfg.NumericalDim = 16
	cfg.TimeEncodingDim = 4
	cfg.HiddenDim = 16
	cfg.NumHeads = 4
	cfg.CrossAttentionHeads = 4
	return cfg
}

func ptr[T any](v T) *T {
	return &v
}

func newPreprocessor(cfg network.Config) *features.Preprocessor {
	return features.NewPreprocessor(cfg.PreprocessorOptions(features.FixedClock(time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC))))
}

func forward(t *testing.T, net *network.Network, rec features.Record) network.TaskOutput {
	t.Helper()
	res, err := net.Forward(nn.EvalPass(), &rec)
	require.NoError(t, err)
	return res.Output
}

func donorRecord(pre *features.Preprocessor, selected int) features.Record {
	in := &features.Input{
		Candidates: []features.Candidate{
			{Distance: 1, Eta: 4, Score: 0.9, Health: 1},
			{Distance: 5, Eta: 15, Score: 0.6, Health: 0.9},
			{Distance: 3, Eta: 9, Score: 0.3, Health: 0.7},
		},
	}
	rec := pre.Preprocess(in, types.DonorSelection)
	rec.Label = features.Label{SelectedIndex: ptr(selected)}
	return rec
}

func TestCombinedSelectionLossIsAtLeastCrossEntropy(t *testing.T) {
	cfg := smallNetworkConfig()
	pre := newPreprocessor(cfg)
	for seed := uint64(1); seed <= 5; seed++ {
		cfg.Seed = seed
		net, err := network.New(cfg)
		require.NoError(t, err)

		for selected := 0; selected < 3; selected++ {
			rec := donorRecord(pre, selected)
			loss, err := TaskLoss(forward(t, net, rec), rec.Label, 1, 1)
			require.NoError(t, err)

			ce := loss.Primary.Item()
			assert.GreaterOrEqual(t, loss.Auxiliary.Item(), 0.0)
			assert.GreaterOrEqual(t, loss.Total.Item(), ce)

			out := forward(t, net, rec).(*network.DonorOutput)
			assert.InDelta(t, -math.Log(out.Probabilities[selected]), ce, 1e-9)
		}
	}
}

func TestSelectionLabelsAreClamped(t *testing.T) {
	cfg := smallNetworkConfig()
	pre := newPreprocessor(cfg)
	net, err := network.New(cfg)
	require.NoError(t, err)

	for _, label := range []int{-4, 2, 7, 99} {
		rec := donorRecord(pre, label)
		loss, err := TaskLoss(forward(t, net, rec), rec.Label, 1, 1)
		require.NoError(t, err)
		assert.False(t, math.IsInf(loss.Total.Item(), 0), "label %d", label)
		assert.False(t, math.IsNaN(loss.Total.Item()), "label %d", label)
	}

	valid := []bool{true, true, false, true, false}
	assert.Equal(t, 0, clampToValid(-1, valid))
	assert.Equal(t, 1, clampToValid(2, valid))
	assert.Equal(t, 3, clampToValid(4, valid))
	assert.Equal(t, 3, clampToValid(40, valid))
	assert.Equal(t, 2, clampToValid(5, []bool{false, false, true}))
}

func TestRegressionAndMultiLabelLosses(t *testing.T) {
	cfg := smallNetworkConfig()
	pre := newPreprocessor(cfg)
	net, err := network.New(cfg)
	require.NoError(t, err)

	urgency := pre.Preprocess(&features.Input{CurrentUnits: ptr(2.0), DaysRemaining: ptr(1.0), DailyUsage: ptr(5.0)}, types.UrgencyAssessment)
	urgency.Label = features.Label{UrgencyClass: ptr(12), PriorityScore: ptr(0.9)}
	out := forward(t, net, urgency).(*network.UrgencyOutput)
	loss, err := TaskLoss(out, urgency.Label, 2, 1)
	require.NoError(t, err)
	ce := nn.CrossEntropy(out.Logits, 3).Item()
	mse := math.Pow(out.Priority.Item()-0.9, 2)
	assert.InDelta(t, ce, loss.Primary.Item(), 1e-12)
	assert.InDelta(t, 0.5*mse, loss.Auxiliary.Item(), 1e-12)
	assert.InDelta(t, 2*(ce+0.5*mse), loss.Total.Item(), 1e-12)

	transport := pre.Preprocess(&features.Input{DistanceKm: ptr(500.0), Urgency: ptr("CRITICAL")}, types.TransportPlanning)
	tout := forward(t, net, transport).(*network.TransportOutput)
	loss, err = TaskLoss(tout, transport.Label, 1, 1)
	require.NoError(t, err)
	assert.InDelta(t, nn.CrossEntropy(tout.Logits, 1).Item(), loss.Primary.Item(), 1e-12)
	assert.InDelta(t, 0.5*math.Pow(tout.Eta.Item()-60, 2), loss.Auxiliary.Item(), 1e-9)

	eligibility := pre.Preprocess(&features.Input{Donor: &features.DonorProfile{}}, types.EligibilityAnalysis)
	eligibility.Label = features.Label{FailedCriteria: []float64{1, 0, 1}}
	eout := forward(t, net, eligibility).(*network.EligibilityOutput)
	loss, err = TaskLoss(eout, eligibility.Label, 1, 1)
	require.NoError(t, err)
	assert.InDelta(t, nn.BCEWithLogits(eout.EligibleLogit, []float64{0}).Item(), loss.Primary.Item(), 1e-12)
	assert.InDelta(t, 0.5*nn.BCEWithLogits(eout.CriteriaLogits, []float64{1, 0, 1, 0, 0, 0}).Item(), loss.Auxiliary.Item(), 1e-12)
}
