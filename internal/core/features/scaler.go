package features

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

var ErrEmptyFit = errors.New("cannot fit scaler on an empty dataset")

// Scaler standardises each numerical column to zero mean and unit variance.
// An unfitted scaler passes features through unchanged.
type Scaler struct {
	Mean []float64 `json:"mean,omitempty"`
	Std  []float64 `json:"std,omitempty"`
}

func (s *Scaler) Fitted() bool {
	return s != nil && len(s.Mean) > 0 && len(s.Mean) == len(s.Std)
}

func (s *Scaler) Fit(rows [][]float64) error {
	if len(rows) == 0 {
		return ErrEmptyFit
	}
	width := len(rows[0])
	mean := make([]float64, width)
	std := make([]float64, width)
	col := make([]float64, len(rows))

	for j := 0; j < width; j++ {
		for i, row := range rows {
			if len(row) != width {
				return fmt.Errorf("row %d has %d features, expected %d", i, len(row), width)
			}
			col[i] = row[j]
		}
		m, sd := stat.PopMeanStdDev(col, nil)
		if sd == 0 {
			sd = 1
		}
		mean[j], std[j] = m, sd
	}

	s.Mean, s.Std = mean, std
	return nil
}

// Width is the number of fitted columns, 0 for an unfitted scaler.
func (s *Scaler) Width() int {
	if !s.Fitted() {
		return 0
	}
	return len(s.Mean)
}

// CheckWidth reports whether a fitted scaler can transform vectors of the
// given width. An unfitted scaler accepts any width.
func (s *Scaler) CheckWidth(width int) error {
	if s.Fitted() && len(s.Mean) != width {
		return fmt.Errorf("scaler was fitted on %d features, expected %d", len(s.Mean), width)
	}
	return nil
}

// Transform returns a standardised copy of v. An unfitted scaler returns v
// unchanged. A fitted scaler of a different width is a programming error and
// panics; loaders reject such scalers through CheckWidth.
func (s *Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	if !s.Fitted() {
		return out
	}
	if len(v) != len(s.Mean) {
		panic(fmt.Sprintf("features: scaler fitted on %d features applied to %d", len(s.Mean), len(v)))
	}
	for j := range out {
		out[j] = (out[j] - s.Mean[j]) / s.Std[j]
	}
	return out
}
