package facematch

// Descriptor is a fixed-length face encoding produced by an extractor.
// Values are float64 so that distances compare exactly against the
// configured tolerance; extractors emitting float32 convert losslessly.
type Descriptor []float64

// Dim returns the dimensionality of the descriptor.
func (d Descriptor) Dim() int {
	return len(d)
}

// FromFloat32 converts a float32 embedding (as returned by embedding
// servers and pgvector) into a Descriptor.
func FromFloat32(v []float32) Descriptor {
	d := make(Descriptor, len(v))
	for i, x := range v {
		d[i] = float64(x)
	}
	return d
}

// Float32 returns the descriptor as a float32 slice for storage.
func (d Descriptor) Float32() []float32 {
	v := make([]float32, len(d))
	for i, x := range d {
		v[i] = float32(x)
	}
	return v
}

// MatchResult is the outcome of comparing a reference against a candidate.
type MatchResult struct {
	Matched    bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"-"`
}

// NoMatch is the collapsed outcome of every benign verification failure.
var NoMatch = MatchResult{Matched: false, Confidence: 0}
