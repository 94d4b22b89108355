package features

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"decision-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func newTestPreprocessor() *Preprocessor {
	opts := DefaultOptions()
	// Wednesday 2025-03-12 09:30 UTC
	opts.Clock = FixedClock(time.Date(2025, 3, 12, 9, 30, 0, 0, time.UTC))
	return NewPreprocessor(opts)
}

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{Distance: float64(i + 1), Eta: 10, Score: 0.8, Health: 0.9}
	}
	return out
}

func TestPreprocessIsIdempotentWithExplicitTime(t *testing.T) {
	p := NewPreprocessor(DefaultOptions())
	in := &Input{
		TimeOfDay: ptr("2025-06-01T23:15:00Z"),
		Alert:     &AlertContext{BloodType: ptr("A-"), Urgency: ptr("HIGH"), UnitsNeeded: ptr(3.0)},
		Candidates: candidates(3),
	}

	a := p.Preprocess(in, types.DonorSelection)
	b := p.Preprocess(in, types.DonorSelection)
	assert.Equal(t, a, b)

	assert.Equal(t, 2, a.BloodType)
	assert.Equal(t, 2, a.Urgency)
	assert.False(t, a.Transport.Present())
	assert.Equal(t, TimeFeatures{Hour: 23, DayOfWeek: 6, Month: 6}, a.Time)
	assert.Equal(t, []float64{3, 10, 23, 6, 6}, a.Numerical[:5])
	assert.Len(t, a.Numerical, DefaultNumericalDim)
}

func TestTimeFallsBackToInjectedClock(t *testing.T) {
	p := newTestPreprocessor()

	tf := p.ExtractTime(&Input{}, time.Time{})
	assert.Equal(t, TimeFeatures{Hour: 9, DayOfWeek: 2, Month: 3}, tf)

	tf = p.ExtractTime(&Input{TimeOfDay: ptr("not a time")}, time.Time{})
	assert.Equal(t, 9.0, tf.Hour)

	created := time.Date(2024, 12, 30, 17, 0, 0, 0, time.UTC) // Monday
	tf = p.ExtractTime(&Input{}, created)
	assert.Equal(t, TimeFeatures{Hour: 17, DayOfWeek: 0, Month: 12}, tf)
}

func TestCyclicalEncoding(t *testing.T) {
	midnight := TimeFeatures{Hour: 0, DayOfWeek: 0, Month: 12}.Cyclical()
	lateNight := TimeFeatures{Hour: 23, DayOfWeek: 6, Month: 11}.Cyclical()

	require.Len(t, midnight, 6)
	assert.InDelta(t, 0, midnight[0], 1e-12)
	assert.InDelta(t, 1, midnight[1], 1e-12)
	assert.InDelta(t, 1, midnight[5], 1e-12)

	// hour 23 sits next to hour 0 on the circle
	dist := math.Hypot(midnight[0]-lateNight[0], midnight[1]-lateNight[1])
	assert.Less(t, dist, 0.3)
}

func TestLastDonationNullFallsBack(t *testing.T) {
	p := newTestPreprocessor()

	var in Input
	require.NoError(t, json.Unmarshal([]byte(`{"donor":{"age":40,"weight":80,"bmi":24,"hemoglobin":13.5,"gender":"F","lastDonation":null}}`), &in))

	rec := p.Preprocess(&in, types.EligibilityAnalysis)
	assert.Equal(t, []float64{40, 80, 24, 13.5, 365}, rec.Numerical[:5])

	in.Donor.LastDonation = ptr(0.0)
	rec = p.Preprocess(&in, types.EligibilityAnalysis)
	assert.Equal(t, 0.0, rec.Numerical[4])

	rec = p.Preprocess(&Input{}, types.EligibilityAnalysis)
	assert.Equal(t, []float64{30, 70, 22, 14, 365}, rec.Numerical[:5])

	// lastDonationDays is used when lastDonation is absent
	require.NoError(t, json.Unmarshal([]byte(`{"donor":{"lastDonationDays":56}}`), &in))
	rec = p.Preprocess(&in, types.EligibilityAnalysis)
	assert.Equal(t, 56.0, rec.Numerical[4])
}

func TestCandidateListsArePaddedAndTruncated(t *testing.T) {
	p := newTestPreprocessor()

	short := p.Preprocess(&Input{Candidates: candidates(3)}, types.DonorSelection)
	m, ok := short.Items.Get()
	require.True(t, ok)
	assert.Len(t, m.Rows, 50)
	assert.Equal(t, 3, m.Count)
	assert.Equal(t, 3, m.NumValid())
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, m.Rows[49])
	assert.Equal(t, 0.5, m.Rows[0][3])

	long := p.Preprocess(&Input{Candidates: candidates(75)}, types.DonorSelection)
	m, ok = long.Items.Get()
	require.True(t, ok)
	assert.Len(t, m.Rows, 50)
	assert.Equal(t, 50, m.Count)
	assert.Equal(t, 50.0, m.Rows[49][0])

	none := p.Preprocess(&Input{}, types.DonorSelection)
	assert.False(t, none.Items.Present())

	sources := p.Preprocess(&Input{RankedUnits: []RankedUnit{
		{Distance: 4, Quantity: 2, Scores: map[string]float64{"final": 0.7}},
		{Distance: 9, Expiry: ptr(3.0), Quantity: 5},
	}}, types.InventorySelection)
	m, ok = sources.Items.Get()
	require.True(t, ok)
	assert.Len(t, m.Rows, 20)
	assert.Equal(t, []float64{4, 30, 2, 0.7}, m.Rows[0])
	assert.Equal(t, []float64{9, 3, 5, 0}, m.Rows[1])
	assert.Equal(t, []bool{true, true, false}, m.Valid()[:3])
}

func TestUnknownCategoriesFailSoft(t *testing.T) {
	p := newTestPreprocessor()

	blood, urgency, transport := p.EncodeCategorical(&Input{
		BloodType:       ptr("XYZ"),
		Urgency:         ptr("EXTREME"),
		TransportMethod: ptr("drone"),
	})
	assert.Equal(t, 1, blood)
	assert.Equal(t, 1, urgency)
	idx, ok := transport.Get()
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	blood, urgency, transport = p.EncodeCategorical(&Input{
		Request: &InventoryRequest{BloodType: ptr("AB+"), Urgency: ptr("CRITICAL")},
	})
	assert.Equal(t, 7, blood)
	assert.Equal(t, 3, urgency)
	assert.False(t, transport.Present())
}

func TestScaler(t *testing.T) {
	var s Scaler
	assert.False(t, s.Fitted())
	assert.Equal(t, []float64{5, 7}, s.Transform([]float64{5, 7}))

	require.NoError(t, s.Fit([][]float64{{1, 3}, {3, 3}}))
	assert.Equal(t, []float64{2, 3}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Std)
	assert.Equal(t, []float64{1, 0}, s.Transform([]float64{3, 3}))

	assert.ErrorIs(t, s.Fit(nil), ErrEmptyFit)

	assert.Equal(t, 2, s.Width())
	assert.NoError(t, s.CheckWidth(2))
	assert.Error(t, s.CheckWidth(3))
	assert.Panics(t, func() { s.Transform([]float64{1, 2, 3}) })

	var unfitted Scaler
	assert.Equal(t, 0, unfitted.Width())
	assert.NoError(t, unfitted.CheckWidth(3))
}

func TestFitScalersUsesTrainingFeatures(t *testing.T) {
	p := newTestPreprocessor()
	created := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	examples := []Example{
		{TaskType: types.UrgencyAssessment, CreatedAt: created, InputFeatures: Input{CurrentUnits: ptr(2.0)}},
		{TaskType: types.UrgencyAssessment, CreatedAt: created, InputFeatures: Input{CurrentUnits: ptr(6.0)}},
	}
	require.NoError(t, p.FitScalers(examples))
	assert.True(t, p.Scaler().Fitted())

	rec := p.PreprocessExample(&examples[1])
	assert.InDelta(t, 1.0, rec.Numerical[0], 1e-12)
	// constant columns are centred, not divided by zero
	assert.Equal(t, 0.0, rec.Numerical[10])
}

func TestLabelDefaults(t *testing.T) {
	var l Label
	require.NoError(t, json.Unmarshal([]byte(`{"eligible": true, "failed_criteria": [1, 0, 1]}`), &l))

	assert.Equal(t, 0, l.Selected())
	assert.Equal(t, 1, l.Urgency())
	assert.Equal(t, 0.5, l.Priority())
	assert.Equal(t, 1, l.TransportMethod())
	assert.Equal(t, 60.0, l.Eta())
	assert.Equal(t, 1.0, l.IsEligible())
	assert.Equal(t, []float64{1, 0, 1, 0, 0, 0}, l.Criteria())

	require.NoError(t, json.Unmarshal([]byte(`{"eligible": 0}`), &l))
	assert.Equal(t, 0.0, l.IsEligible())
}
