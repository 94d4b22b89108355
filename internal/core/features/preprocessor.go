package features

import (
	"log/slog"
	"math"
	"time"

	"decision-backend/internal/core/types"
)

const (
	CandidateWidth = 5
	SourceWidth    = 4

	DefaultNumericalDim  = 64
	DefaultMaxCandidates = 50
	DefaultMaxSources    = 20

	// DefaultLastDonationDays is used when a donor has no recorded donation.
	DefaultLastDonationDays = 365

	itemEpsilon = 1e-6
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// TimeFeatures holds raw hour (0-23), day of week (Monday = 0) and month (1-12).
type TimeFeatures struct {
	Hour      float64 `json:"hour"`
	DayOfWeek float64 `json:"day_of_week"`
	Month     float64 `json:"month"`
}

func timeFeaturesOf(t time.Time) TimeFeatures {
	return TimeFeatures{
		Hour:      float64(t.Hour()),
		DayOfWeek: float64((int(t.Weekday()) + 6) % 7),
		Month:     float64(t.Month()),
	}
}

// Cyclical returns the six-term encoding
// [sin hour, cos hour, sin day, cos day, sin month, cos month] with periods 24, 7 and 12.
func (tf TimeFeatures) Cyclical() []float64 {
	angle := func(v, period float64) float64 { return 2 * math.Pi * v / period }
	return []float64{
		math.Sin(angle(tf.Hour, 24)),
		math.Cos(angle(tf.Hour, 24)),
		math.Sin(angle(tf.DayOfWeek, 7)),
		math.Cos(angle(tf.DayOfWeek, 7)),
		math.Sin(angle(tf.Month, 12)),
		math.Cos(angle(tf.Month, 12)),
	}
}

// ItemMatrix is a candidate or source list padded with all-zero rows to a
// fixed length. Count is the number of real rows before padding.
type ItemMatrix struct {
	Rows  [][]float64
	Count int
}

// Valid marks rows whose absolute feature sum exceeds a small epsilon. Padding
// rows are never valid.
func (m ItemMatrix) Valid() []bool {
	valid := make([]bool, len(m.Rows))
	for i, row := range m.Rows {
		var s float64
		for _, v := range row {
			s += math.Abs(v)
		}
		valid[i] = s > itemEpsilon
	}
	return valid
}

func (m ItemMatrix) NumValid() int {
	n := 0
	for _, ok := range m.Valid() {
		if ok {
			n++
		}
	}
	return n
}

// Record is the model-ready form of one example.
type Record struct {
	Task      types.TaskType
	Numerical []float64
	BloodType int
	Urgency   int
	Transport types.Optional[int]
	Time      TimeFeatures
	Items     types.Optional[ItemMatrix]
	Label     Label
}

type Options struct {
	NumericalDim  int
	MaxCandidates int
	MaxSources    int
	Clock         Clock
}

func DefaultOptions() Options {
	return Options{
		NumericalDim:  DefaultNumericalDim,
		MaxCandidates: DefaultMaxCandidates,
		MaxSources:    DefaultMaxSources,
		Clock:         SystemClock{},
	}
}

// Preprocessor turns raw inputs into Records. It is safe for concurrent use
// once its scaler has been fitted.
type Preprocessor struct {
	opts   Options
	scaler *Scaler
}

func NewPreprocessor(opts Options) *Preprocessor {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.NumericalDim <= 0 {
		opts.NumericalDim = DefaultNumericalDim
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.MaxSources <= 0 {
		opts.MaxSources = DefaultMaxSources
	}
	return &Preprocessor{opts: opts, scaler: &Scaler{}}
}

func (p *Preprocessor) Options() Options {
	return p.opts
}

func (p *Preprocessor) Scaler() *Scaler {
	return p.scaler
}

func (p *Preprocessor) SetScaler(s *Scaler) {
	if s == nil {
		s = &Scaler{}
	}
	p.scaler = s
}

// ExtractTime parses the input's timeOfDay, then the fallback timestamp, and
// finally reads the injected clock.
func (p *Preprocessor) ExtractTime(in *Input, fallback time.Time) TimeFeatures {
	if in.TimeOfDay != nil && *in.TimeOfDay != "" {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, *in.TimeOfDay); err == nil {
				return timeFeaturesOf(t)
			}
		}
		slog.Warn("unparseable timeOfDay, using current time", "time_of_day", *in.TimeOfDay)
	}
	if !fallback.IsZero() {
		return timeFeaturesOf(fallback)
	}
	return timeFeaturesOf(p.opts.Clock.Now())
}

func orDefault(v *float64, def float64) float64 {
	return types.FromPtr(v).OrElse(def)
}

// daysSinceDonation prefers lastDonation, then lastDonationDays, then 365.
func (d *DonorProfile) daysSinceDonation() float64 {
	if d.LastDonation != nil {
		return *d.LastDonation
	}
	return orDefault(d.LastDonationDays, DefaultLastDonationDays)
}

// ExtractNumerical builds the task's numerical features, appends the three time
// scalars and pads or truncates to the configured width.
func (p *Preprocessor) ExtractNumerical(in *Input, task types.TaskType, tf TimeFeatures) []float64 {
	var raw []float64

	switch task {
	case types.DonorSelection:
		alert := in.Alert
		if alert == nil {
			alert = &AlertContext{}
		}
		raw = append(raw, orDefault(alert.UnitsNeeded, 1), orDefault(alert.SearchRadius, 10))
	case types.UrgencyAssessment:
		raw = append(raw, orDefault(in.CurrentUnits, 0), orDefault(in.DaysRemaining, 0), orDefault(in.DailyUsage, 0))
	case types.InventorySelection:
		req := in.Request
		if req == nil {
			req = &InventoryRequest{}
		}
		raw = append(raw, orDefault(req.UnitsNeeded, 1))
	case types.TransportPlanning:
		raw = append(raw, orDefault(in.DistanceKm, 0), orDefault(in.Units, 1))
	case types.EligibilityAnalysis:
		donor := in.Donor
		if donor == nil {
			donor = &DonorProfile{}
		}
		raw = append(raw,
			orDefault(donor.Age, 30),
			orDefault(donor.Weight, 70),
			orDefault(donor.Bmi, 22),
			orDefault(donor.Hemoglobin, 14),
			donor.daysSinceDonation(),
		)
	}

	raw = append(raw, tf.Hour, tf.DayOfWeek, tf.Month)

	out := make([]float64, p.opts.NumericalDim)
	copy(out, raw)
	return out
}

func firstString(candidates ...*string) (string, bool) {
	for _, c := range candidates {
		if c != nil && *c != "" {
			return *c, true
		}
	}
	return "", false
}

// EncodeCategorical maps blood type, urgency and transport method to vocabulary
// indices. Unknown labels fall back to the vocabulary default.
func (p *Preprocessor) EncodeCategorical(in *Input) (int, int, types.Optional[int]) {
	var alertBlood, alertUrgency, reqBlood, reqUrgency *string
	if in.Alert != nil {
		alertBlood, alertUrgency = in.Alert.BloodType, in.Alert.Urgency
	}
	if in.Request != nil {
		reqBlood, reqUrgency = in.Request.BloodType, in.Request.Urgency
	}

	blood, _ := firstString(in.BloodType, alertBlood, reqBlood)
	bloodIdx, ok := types.BloodTypeVocab.Index(blood)
	if !ok && blood != "" {
		slog.Warn("unknown blood type, using default", "blood_type", blood)
	}

	urgency, _ := firstString(in.Urgency, alertUrgency, reqUrgency)
	urgencyIdx, ok := types.UrgencyVocab.Index(urgency)
	if !ok && urgency != "" {
		slog.Warn("unknown urgency level, using default", "urgency", urgency)
	}

	transport := types.None[int]()
	if method, present := firstString(in.TransportMethod); present {
		idx, ok := types.TransportVocab.Index(method)
		if !ok {
			slog.Warn("unknown transport method, using default", "transport_method", method)
		}
		transport = types.Some(idx)
	}

	return bloodIdx, urgencyIdx, transport
}

func padItems(rows [][]float64, max, width int) ItemMatrix {
	count := min(len(rows), max)
	padded := make([][]float64, max)
	for i := range padded {
		if i < count {
			padded[i] = rows[i]
		} else {
			padded[i] = make([]float64, width)
		}
	}
	return ItemMatrix{Rows: padded, Count: count}
}

// ExtractCandidates returns the padded donor candidate matrix, or None when the
// input has no candidates at all.
func (p *Preprocessor) ExtractCandidates(in *Input) types.Optional[ItemMatrix] {
	if len(in.Candidates) == 0 {
		return types.None[ItemMatrix]()
	}
	rows := make([][]float64, len(in.Candidates))
	for i, c := range in.Candidates {
		rows[i] = []float64{c.Distance, c.Eta, c.Score, orDefault(c.Reliability, 0.5), c.Health}
	}
	return types.Some(padItems(rows, p.opts.MaxCandidates, CandidateWidth))
}

// ExtractSources returns the padded inventory source matrix, or None when the
// input has no ranked units.
func (p *Preprocessor) ExtractSources(in *Input) types.Optional[ItemMatrix] {
	if len(in.RankedUnits) == 0 {
		return types.None[ItemMatrix]()
	}
	rows := make([][]float64, len(in.RankedUnits))
	for i, u := range in.RankedUnits {
		expiry := orDefault(u.ExpiryDays, 30)
		if u.Expiry != nil {
			expiry = *u.Expiry
		}
		rows[i] = []float64{u.Distance, expiry, u.Quantity, u.Scores["final"]}
	}
	return types.Some(padItems(rows, p.opts.MaxSources, SourceWidth))
}

// Preprocess builds a Record for a live request. Time features come from
// timeOfDay when present, otherwise from the injected clock.
func (p *Preprocessor) Preprocess(in *Input, task types.TaskType) Record {
	return p.preprocess(in, task, time.Time{}, Label{})
}

// PreprocessExample builds a Record for a training example. createdAt is used
// when the example has no explicit timeOfDay.
func (p *Preprocessor) PreprocessExample(ex *Example) Record {
	return p.preprocess(&ex.InputFeatures, ex.TaskType, ex.CreatedAt, ex.OutputLabel)
}

func (p *Preprocessor) preprocess(in *Input, task types.TaskType, fallback time.Time, label Label) Record {
	tf := p.ExtractTime(in, fallback)
	blood, urgency, transport := p.EncodeCategorical(in)

	rec := Record{
		Task:      task,
		Numerical: p.scaler.Transform(p.ExtractNumerical(in, task, tf)),
		BloodType: blood,
		Urgency:   urgency,
		Transport: transport,
		Time:      tf,
		Items:     types.None[ItemMatrix](),
		Label:     label,
	}

	switch task {
	case types.DonorSelection:
		rec.Items = p.ExtractCandidates(in)
	case types.InventorySelection:
		rec.Items = p.ExtractSources(in)
	}

	return rec
}

// FitScalers fits the numerical scaler over a training set's raw features.
func (p *Preprocessor) FitScalers(examples []Example) error {
	rows := make([][]float64, 0, len(examples))
	for i := range examples {
		ex := &examples[i]
		tf := p.ExtractTime(&ex.InputFeatures, ex.CreatedAt)
		rows = append(rows, p.ExtractNumerical(&ex.InputFeatures, ex.TaskType, tf))
	}
	scaler := &Scaler{}
	if err := scaler.Fit(rows); err != nil {
		return err
	}
	p.scaler = scaler
	return nil
}
