// Package facematch compares face descriptors and turns their distance into
// a match decision and a presentation confidence score.
package facematch

import (
	"errors"
	"fmt"
	"math"
)

// Default matching policy.
const (
	DefaultTolerance = 0.6
	DefaultPrecision = 3
	DefaultDimension = 128
)

// ErrDimensionMismatch is returned when two descriptors (or a descriptor and
// the configured dimension) disagree in length. It signals a programming or
// model-configuration error and must never be reported as "not verified".
var ErrDimensionMismatch = errors.New("descriptor dimension mismatch")

// Engine applies a distance tolerance to descriptor pairs.
type Engine struct {
	// Tolerance is the maximum Euclidean distance still considered a match.
	Tolerance float64
	// Precision is the number of decimal digits confidence is rounded to.
	Precision int
	// Dimension is the expected descriptor length. Zero disables the check.
	Dimension int
}

// NewEngine returns an engine with the default policy.
func NewEngine() *Engine {
	return &Engine{
		Tolerance: DefaultTolerance,
		Precision: DefaultPrecision,
		Dimension: DefaultDimension,
	}
}

// CheckDimension verifies that d has the configured dimensionality.
func (e *Engine) CheckDimension(d Descriptor) error {
	if e.Dimension > 0 && d.Dim() != e.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, d.Dim(), e.Dimension)
	}
	return nil
}

// Compare computes the distance between reference and candidate and applies the
// tolerance. The boundary is inclusive: distance == tolerance matches.
func (e *Engine) Compare(reference, candidate Descriptor) (MatchResult, error) {
	if reference.Dim() != candidate.Dim() {
		return NoMatch, fmt.Errorf("%w: reference %d, candidate %d", ErrDimensionMismatch, reference.Dim(), candidate.Dim())
	}
	if err := e.CheckDimension(reference); err != nil {
		return NoMatch, err
	}

	distance := Distance(reference, candidate)
	return MatchResult{
		Matched:    distance <= e.Tolerance,
		Confidence: Confidence(distance, e.Precision),
		Distance:   distance,
	}, nil
}

// Distance returns the Euclidean distance between two equal-length vectors.
func Distance(a, b Descriptor) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Confidence maps a distance onto [0, 1] as 1 - distance, rounded to
// precision decimal digits.
func Confidence(distance float64, precision int) float64 {
	c := 1 - distance
	if c < 0 || math.IsNaN(c) {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	scale := math.Pow10(precision)
	return math.Round(c*scale) / scale
}
