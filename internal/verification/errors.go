package verification

import (
	"errors"
	"fmt"
)

// Kind classifies why a verification attempt did not produce a match result.
type Kind int

const (
	// Malformed means the submitted image could not be decoded.
	Malformed Kind = iota + 1
	// NoFaceDetected means the submitted image contains no face.
	NoFaceDetected
	// MultipleFaces means the image has several faces under the reject policy.
	MultipleFaces
	// ReferenceAbsent means the student has no usable reference.
	ReferenceAbsent
	// StoreUnavailable means a backing store or extractor failed.
	StoreUnavailable
	// ContractViolation means descriptors disagree in shape.
	ContractViolation
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case NoFaceDetected:
		return "no_face_detected"
	case MultipleFaces:
		return "multiple_faces"
	case ReferenceAbsent:
		return "reference_absent"
	case StoreUnavailable:
		return "store_unavailable"
	case ContractViolation:
		return "contract_violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Benign reports whether the kind is a normal negative outcome rather than a
// failure the caller has to see.
func (k Kind) Benign() bool {
	switch k {
	case Malformed, NoFaceDetected, MultipleFaces, ReferenceAbsent:
		return true
	default:
		return false
	}
}

// Error is a failed verification step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("verify %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("verify %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
