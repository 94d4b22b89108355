package features

import (
	"encoding/json"
	"fmt"
	"time"

	"decision-backend/internal/core/types"
)

// Example is one labelled training record as exported by the platform.
type Example struct {
	TaskType      types.TaskType `json:"taskType"`
	InputFeatures Input          `json:"inputFeatures"`
	OutputLabel   Label          `json:"outputLabel"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Input is the task-dependent feature mapping shared by training examples and
// live requests. Pointer fields are optional; nil means the field was absent.
type Input struct {
	BloodType       *string `json:"bloodType,omitempty"`
	Urgency         *string `json:"urgency,omitempty"`
	TransportMethod *string `json:"transportMethod,omitempty"`
	TimeOfDay       *string `json:"timeOfDay,omitempty"`

	// donor selection
	Alert      *AlertContext  `json:"alert,omitempty"`
	Candidates []Candidate    `json:"candidates,omitempty"`
	Context    map[string]any `json:"context,omitempty"`

	// urgency assessment
	CurrentUnits    *float64       `json:"currentUnits,omitempty"`
	DaysRemaining   *float64       `json:"daysRemaining,omitempty"`
	DailyUsage      *float64       `json:"dailyUsage,omitempty"`
	HospitalContext map[string]any `json:"hospitalContext,omitempty"`

	// inventory selection
	Request     *InventoryRequest `json:"request,omitempty"`
	RankedUnits []RankedUnit      `json:"rankedUnits,omitempty"`

	// transport planning
	FromHospital      map[string]any `json:"fromHospital,omitempty"`
	ToHospital        map[string]any `json:"toHospital,omitempty"`
	DistanceKm        *float64       `json:"distanceKm,omitempty"`
	Units             *float64       `json:"units,omitempty"`
	TrafficConditions *string        `json:"trafficConditions,omitempty"`

	// eligibility analysis
	Donor             *DonorProfile      `json:"donor,omitempty"`
	EligibilityResult *EligibilityResult `json:"eligibilityResult,omitempty"`
}

type AlertContext struct {
	BloodType    *string        `json:"bloodType,omitempty"`
	Urgency      *string        `json:"urgency,omitempty"`
	UnitsNeeded  *float64       `json:"unitsNeeded,omitempty"`
	SearchRadius *float64       `json:"searchRadius,omitempty"`
	Location     map[string]any `json:"location,omitempty"`
}

type Candidate struct {
	Distance    float64  `json:"distance"`
	Eta         float64  `json:"eta"`
	Score       float64  `json:"score"`
	Reliability *float64 `json:"reliability,omitempty"`
	Health      float64  `json:"health"`
}

type InventoryRequest struct {
	BloodType   *string  `json:"bloodType,omitempty"`
	UnitsNeeded *float64 `json:"unitsNeeded,omitempty"`
	Urgency     *string  `json:"urgency,omitempty"`
}

type RankedUnit struct {
	Distance   float64            `json:"distance"`
	Expiry     *float64           `json:"expiry,omitempty"`
	ExpiryDays *float64           `json:"expiryDays,omitempty"`
	Quantity   float64            `json:"quantity"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

type DonorProfile struct {
	Age              *float64 `json:"age,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
	Bmi              *float64 `json:"bmi,omitempty"`
	Hemoglobin       *float64 `json:"hemoglobin,omitempty"`
	Gender           string   `json:"gender,omitempty"`
	LastDonation     *float64 `json:"lastDonation"`
	LastDonationDays *float64 `json:"lastDonationDays,omitempty"`
}

type EligibilityResult struct {
	Passed         bool     `json:"passed"`
	FailedCriteria []string `json:"failedCriteria,omitempty"`
	AllCriteria    []string `json:"allCriteria,omitempty"`
}

// Flag is a 0/1 target that accepts either a JSON number or a boolean.
type Flag float64

func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*f = 1
		} else {
			*f = 0
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("flag must be a boolean or number: %w", err)
	}
	*f = Flag(v)
	return nil
}

// Label is the task-dependent ground truth. Missing fields take the defaults
// returned by the accessor methods.
type Label struct {
	SelectedIndex  *int      `json:"selected_index,omitempty"`
	UrgencyClass   *int      `json:"urgency_class,omitempty"`
	PriorityScore  *float64  `json:"priority_score,omitempty"`
	Method         *int      `json:"method,omitempty"`
	EtaMinutes     *float64  `json:"eta_minutes,omitempty"`
	Eligible       *Flag     `json:"eligible,omitempty"`
	FailedCriteria []float64 `json:"failed_criteria,omitempty"`
}

func (l Label) Selected() int {
	return types.FromPtr(l.SelectedIndex).OrElse(0)
}

func (l Label) Urgency() int {
	return types.FromPtr(l.UrgencyClass).OrElse(1)
}

func (l Label) Priority() float64 {
	return types.FromPtr(l.PriorityScore).OrElse(0.5)
}

func (l Label) TransportMethod() int {
	return types.FromPtr(l.Method).OrElse(1)
}

func (l Label) Eta() float64 {
	return types.FromPtr(l.EtaMinutes).OrElse(60)
}

func (l Label) IsEligible() float64 {
	return float64(types.FromPtr(l.Eligible).OrElse(0))
}

// Criteria returns the failed-criteria targets padded or truncated to NumCriteria.
func (l Label) Criteria() []float64 {
	out := make([]float64, types.NumCriteria)
	copy(out, l.FailedCriteria)
	return out
}
