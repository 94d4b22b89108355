package types

// The vocabularies below are shared by the preprocessor and the encoder's
// embedding tables. Index positions are part of the checkpoint format.
var (
	BloodTypes       = []string{"O-", "O+", "A-", "A+", "B-", "B+", "AB-", "AB+"}
	UrgencyLevels    = []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}
	TransportMethods = []string{"ambulance", "courier", "scheduled"}
)

const (
	DefaultBloodType = "O+"
	DefaultUrgency   = "MEDIUM"

	// NumCriteria is the width of the eligibility failed-criteria vector.
	NumCriteria = 6
)

// FactorNames label the reasoning layer's factors in explanations.
var FactorNames = []string{"urgency", "reliability", "distance", "health"}

// Vocabulary maps labels to fixed indices and falls back to a default index
// for labels it has never seen.
type Vocabulary struct {
	labels   []string
	index    map[string]int
	fallback int
}

func NewVocabulary(labels []string, fallback string) Vocabulary {
	v := Vocabulary{labels: labels, index: make(map[string]int, len(labels))}
	for i, l := range labels {
		v.index[l] = i
	}
	v.fallback = v.index[fallback]
	return v
}

// Index returns the label's index and whether it was found.
func (v Vocabulary) Index(label string) (int, bool) {
	if i, ok := v.index[label]; ok {
		return i, true
	}
	return v.fallback, false
}

func (v Vocabulary) Label(i int) string {
	if i < 0 || i >= len(v.labels) {
		return v.labels[v.fallback]
	}
	return v.labels[i]
}

func (v Vocabulary) Size() int {
	return len(v.labels)
}

var (
	BloodTypeVocab = NewVocabulary(BloodTypes, DefaultBloodType)
	UrgencyVocab   = NewVocabulary(UrgencyLevels, DefaultUrgency)
	TransportVocab = NewVocabulary(TransportMethods, "courier")
)
