// Package verification decides whether a captured image shows the claimed
// student and records a successful face check on the attendance record.
package verification

import (
	"context"
	"errors"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/events"
	"github.com/kozaktomas/face-attendance/internal/faceembed"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/reference"
	"go.uber.org/zap"
)

// Request is one verification attempt.
type Request struct {
	StudentID string `json:"student_id"`
	ClassID   string `json:"class_id"`
	ImageData string `json:"image_data"`
}

// Outcome is the response of a verification attempt.
type Outcome struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
}

// Service orchestrates decode, extraction, reference lookup, matching and
// the attendance record transition. It holds no per-request state.
type Service struct {
	codec      *imagecodec.Codec
	extractor  faceembed.Extractor
	references reference.Getter
	engine     *facematch.Engine
	records    database.AttendanceWriter
	multiFace  string
	events     events.Publisher
	log        *zap.Logger
}

// Options configures a Service.
type Options struct {
	// MultiFacePolicy is config.MultiFaceFirst (default) or config.MultiFaceReject.
	MultiFacePolicy string
	// Events receives attendance_marked when a match updates a record.
	Events events.Publisher
	Logger *zap.Logger
}

// NewService creates a verification service.
func NewService(
	codec *imagecodec.Codec,
	extractor faceembed.Extractor,
	references reference.Getter,
	engine *facematch.Engine,
	records database.AttendanceWriter,
	opts Options,
) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	policy := opts.MultiFacePolicy
	if policy == "" {
		policy = config.MultiFaceFirst
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Discard
	}
	return &Service{
		codec:      codec,
		extractor:  extractor,
		references: references,
		engine:     engine,
		records:    records,
		multiFace:  policy,
		events:     pub,
		log:        log.Named("verification"),
	}
}

// Verify runs one attempt. Benign failures collapse to an unverified outcome
// with zero confidence and a nil error; store failures and contract
// violations are returned as *Error.
func (s *Service) Verify(ctx context.Context, req Request) (Outcome, error) {
	result, err := s.match(ctx, req)
	if err != nil {
		return s.collapse(req, err)
	}
	if !result.Matched {
		s.log.Info("face did not match",
			zap.String("student_id", logger.SanitizeForLog(req.StudentID)),
			zap.String("class_id", logger.SanitizeForLog(req.ClassID)),
			zap.Float64("distance", result.Distance),
		)
		return Outcome{Verified: false, Confidence: result.Confidence}, nil
	}

	updated, err := s.records.MarkFaceVerified(ctx, req.StudentID, req.ClassID, result.Confidence)
	if err != nil {
		return Outcome{}, &Error{Kind: StoreUnavailable, Op: "update record", Err: err}
	}
	if !updated {
		s.log.Warn("face matched but no attendance record exists",
			zap.String("student_id", logger.SanitizeForLog(req.StudentID)),
			zap.String("class_id", logger.SanitizeForLog(req.ClassID)),
		)
	} else {
		s.events.Publish(events.Event{
			Type:      events.AttendanceMarked,
			ClassID:   req.ClassID,
			StudentID: req.StudentID,
			Data:      map[string]any{"confidence": result.Confidence},
		})
	}

	s.log.Info("face verified",
		zap.String("student_id", logger.SanitizeForLog(req.StudentID)),
		zap.String("class_id", logger.SanitizeForLog(req.ClassID)),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("record_updated", updated),
	)
	return Outcome{Verified: true, Confidence: result.Confidence}, nil
}

// match runs every step up to the comparison.
func (s *Service) match(ctx context.Context, req Request) (facematch.MatchResult, error) {
	buf, err := s.codec.Decode(req.ImageData)
	if err != nil {
		return facematch.NoMatch, &Error{Kind: Malformed, Op: "decode", Err: err}
	}

	faces, err := s.extractor.Extract(ctx, buf)
	if err != nil {
		return facematch.NoMatch, &Error{Kind: StoreUnavailable, Op: "extract", Err: err}
	}
	candidate, err := s.selectFace(faces)
	if err != nil {
		return facematch.NoMatch, err
	}
	if err := s.engine.CheckDimension(candidate); err != nil {
		return facematch.NoMatch, &Error{Kind: ContractViolation, Op: "extract", Err: err}
	}

	ref, err := s.references.Get(ctx, req.StudentID)
	switch {
	case errors.Is(err, reference.ErrReferenceAbsent):
		return facematch.NoMatch, &Error{Kind: ReferenceAbsent, Op: "reference", Err: err}
	case err != nil:
		return facematch.NoMatch, &Error{Kind: StoreUnavailable, Op: "reference", Err: err}
	}

	result, err := s.engine.Compare(ref, candidate)
	if err != nil {
		return facematch.NoMatch, &Error{Kind: ContractViolation, Op: "compare", Err: err}
	}
	return result, nil
}

func (s *Service) selectFace(faces []facematch.Descriptor) (facematch.Descriptor, error) {
	switch {
	case len(faces) == 0:
		return nil, &Error{Kind: NoFaceDetected, Op: "extract"}
	case len(faces) > 1 && s.multiFace == config.MultiFaceReject:
		return nil, &Error{Kind: MultipleFaces, Op: "extract"}
	}
	return faces[0], nil
}

// collapse turns benign errors into the unverified outcome and passes the
// rest through.
func (s *Service) collapse(req Request, err error) (Outcome, error) {
	kind := KindOf(err)
	fields := []zap.Field{
		zap.String("student_id", logger.SanitizeForLog(req.StudentID)),
		zap.String("class_id", logger.SanitizeForLog(req.ClassID)),
		zap.Stringer("kind", kind),
		zap.Error(err),
	}

	switch kind {
	case Malformed:
		s.log.Error("image decode failed", fields...)
	case NoFaceDetected, MultipleFaces, ReferenceAbsent:
		s.log.Info("verification not possible", fields...)
	default:
		s.log.Error("verification failed", fields...)
		return Outcome{}, err
	}
	return Outcome{Verified: false, Confidence: 0}, nil
}
