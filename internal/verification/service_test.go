package verification

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/events"
	"github.com/kozaktomas/face-attendance/internal/faceembed"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
	"github.com/kozaktomas/face-attendance/internal/reference"
	"go.uber.org/zap/zaptest"
)

const (
	studentID = "student-1"
	classID   = "class-1"
)

type getterFunc func(ctx context.Context, studentID string) (facematch.Descriptor, error)

func (f getterFunc) Get(ctx context.Context, studentID string) (facematch.Descriptor, error) {
	return f(ctx, studentID)
}

// offset returns a descriptor that lies exactly x away from the zero vector.
func offset(x float64) facematch.Descriptor {
	d := make(facematch.Descriptor, facematch.DefaultDimension)
	d[0] = x
	return d
}

// imageURI encodes a small PNG whose pixels all have the given gray level.
func imageURI(t *testing.T, level byte) string {
	t.Helper()
	buf := &imagecodec.PixelBuffer{Width: 2, Height: 2, Pix: make([]byte, 2*2*3)}
	for i := range buf.Pix {
		buf.Pix[i] = level
	}
	data, err := imagecodec.EncodePNG(buf)
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

// levelFaces returns an extractor that looks up the faces of an image by its
// gray level.
func levelFaces(faces map[byte][]facematch.Descriptor) faceembed.Extractor {
	return faceembed.Func(func(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error) {
		r, _, _ := buf.At(0, 0)
		return faces[r], nil
	})
}

func staticReference(d facematch.Descriptor) reference.Getter {
	return getterFunc(func(ctx context.Context, id string) (facematch.Descriptor, error) {
		return d, nil
	})
}

type fixture struct {
	records *mock.MockAttendanceStore
	service *Service
}

func newFixture(t *testing.T, ext faceembed.Extractor, refs reference.Getter, opts Options) *fixture {
	t.Helper()
	records := mock.NewMockAttendanceStore()
	records.AddRecord(database.AttendanceRecord{StudentID: studentID, ClassID: classID, BLEVerified: true})
	opts.Logger = zaptest.NewLogger(t)
	return &fixture{
		records: records,
		service: NewService(imagecodec.New(0, 0), ext, refs, facematch.NewEngine(), records, opts),
	}
}

func (f *fixture) record(t *testing.T) *database.AttendanceRecord {
	t.Helper()
	rec, err := f.records.Get(context.Background(), studentID, classID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	return rec
}

func TestVerify_Scenarios(t *testing.T) {
	tests := []struct {
		name           string
		candidate      []facematch.Descriptor
		wantOutcome    Outcome
		wantRecordMark bool
	}{
		{
			name:           "identical descriptors",
			candidate:      []facematch.Descriptor{offset(0)},
			wantOutcome:    Outcome{Verified: true, Confidence: 1},
			wantRecordMark: true,
		},
		{
			name:        "no face in candidate",
			candidate:   nil,
			wantOutcome: Outcome{Verified: false, Confidence: 0},
		},
		{
			name:           "distance exactly at tolerance",
			candidate:      []facematch.Descriptor{offset(0.6)},
			wantOutcome:    Outcome{Verified: true, Confidence: 0.4},
			wantRecordMark: true,
		},
		{
			name:        "distance just over tolerance",
			candidate:   []facematch.Descriptor{offset(0.61)},
			wantOutcome: Outcome{Verified: false, Confidence: 0.39},
		},
		{
			name:        "far apart",
			candidate:   []facematch.Descriptor{offset(1.7)},
			wantOutcome: Outcome{Verified: false, Confidence: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := levelFaces(map[byte][]facematch.Descriptor{50: tt.candidate})
			f := newFixture(t, ext, staticReference(offset(0)), Options{})

			got, err := f.service.Verify(context.Background(), Request{
				StudentID: studentID, ClassID: classID, ImageData: imageURI(t, 50),
			})
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if got != tt.wantOutcome {
				t.Errorf("Verify() = %+v, want %+v", got, tt.wantOutcome)
			}

			rec := f.record(t)
			if rec.FaceVerified != tt.wantRecordMark {
				t.Errorf("face_verified = %v, want %v", rec.FaceVerified, tt.wantRecordMark)
			}
			if tt.wantRecordMark {
				if rec.FinalStatus != database.StatusPresent {
					t.Errorf("final_status = %s, want present", rec.FinalStatus)
				}
				if rec.ConfidenceScore == nil || *rec.ConfidenceScore != tt.wantOutcome.Confidence {
					t.Errorf("confidence_score = %v, want %v", rec.ConfidenceScore, tt.wantOutcome.Confidence)
				}
			} else {
				if rec.FinalStatus != database.StatusPending || rec.ConfidenceScore != nil {
					t.Errorf("record changed on a negative outcome: %+v", rec)
				}
				if f.records.MarkFaceVerifiedCalls != 0 {
					t.Errorf("expected no record update, got %d", f.records.MarkFaceVerifiedCalls)
				}
			}
		})
	}
}

func TestVerify_BenignFailuresCollapse(t *testing.T) {
	absent := getterFunc(func(ctx context.Context, id string) (facematch.Descriptor, error) {
		return nil, reference.ErrReferenceAbsent
	})
	oneFace := levelFaces(map[byte][]facematch.Descriptor{50: {offset(0)}})

	tests := []struct {
		name  string
		ext   faceembed.Extractor
		refs  reference.Getter
		image string
	}{
		{"no separator", oneFace, staticReference(offset(0)), "data:image/png;base64"},
		{"two separators", oneFace, staticReference(offset(0)), "a,b,c"},
		{"bad base64", oneFace, staticReference(offset(0)), "data:image/png;base64,!!!"},
		{"not an image", oneFace, staticReference(offset(0)),
			"data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("plain text"))},
		{"no face", levelFaces(nil), staticReference(offset(0)), ""},
		{"reference absent", oneFace, absent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := tt.image
			if image == "" {
				image = imageURI(t, 50)
			}
			f := newFixture(t, tt.ext, tt.refs, Options{})

			got, err := f.service.Verify(context.Background(), Request{
				StudentID: studentID, ClassID: classID, ImageData: image,
			})
			if err != nil {
				t.Fatalf("Verify() error = %v, want nil", err)
			}
			if got != (Outcome{Verified: false, Confidence: 0}) {
				t.Errorf("Verify() = %+v, want unverified with zero confidence", got)
			}
			if f.records.MarkFaceVerifiedCalls != 0 {
				t.Error("record must not be touched")
			}
		})
	}
}

func TestVerify_MultiFacePolicy(t *testing.T) {
	faces := levelFaces(map[byte][]facematch.Descriptor{50: {offset(0), offset(1.5)}})

	t.Run("first face wins", func(t *testing.T) {
		f := newFixture(t, faces, staticReference(offset(0)), Options{MultiFacePolicy: config.MultiFaceFirst})
		got, err := f.service.Verify(context.Background(), Request{
			StudentID: studentID, ClassID: classID, ImageData: imageURI(t, 50),
		})
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if !got.Verified {
			t.Errorf("expected first face to match, got %+v", got)
		}
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, faces, staticReference(offset(0)), Options{MultiFacePolicy: config.MultiFaceReject})
		got, err := f.service.Verify(context.Background(), Request{
			StudentID: studentID, ClassID: classID, ImageData: imageURI(t, 50),
		})
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if got.Verified || got.Confidence != 0 {
			t.Errorf("expected multiple faces to be rejected, got %+v", got)
		}
	})
}

func TestVerify_Propagates(t *testing.T) {
	oneFace := levelFaces(map[byte][]facematch.Descriptor{50: {offset(0)}})

	tests := []struct {
		name     string
		ext      faceembed.Extractor
		refs     reference.Getter
		prepare  func(f *fixture)
		wantKind Kind
	}{
		{
			name: "extractor unavailable",
			ext: faceembed.Func(func(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error) {
				return nil, faceembed.ErrUnavailable
			}),
			refs:     staticReference(offset(0)),
			wantKind: StoreUnavailable,
		},
		{
			name: "reference store unavailable",
			ext:  oneFace,
			refs: getterFunc(func(ctx context.Context, id string) (facematch.Descriptor, error) {
				return nil, reference.ErrUnavailable
			}),
			wantKind: StoreUnavailable,
		},
		{
			name: "attendance store unavailable",
			ext:  oneFace,
			refs: staticReference(offset(0)),
			prepare: func(f *fixture) {
				f.records.MarkFaceVerifiedError = errors.New("connection reset")
			},
			wantKind: StoreUnavailable,
		},
		{
			name:     "candidate has wrong dimension",
			ext:      levelFaces(map[byte][]facematch.Descriptor{50: {make(facematch.Descriptor, 64)}}),
			refs:     staticReference(offset(0)),
			wantKind: ContractViolation,
		},
		{
			name:     "reference has wrong dimension",
			ext:      oneFace,
			refs:     staticReference(make(facematch.Descriptor, 512)),
			wantKind: ContractViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.ext, tt.refs, Options{})
			if tt.prepare != nil {
				tt.prepare(f)
			}

			_, err := f.service.Verify(context.Background(), Request{
				StudentID: studentID, ClassID: classID, ImageData: imageURI(t, 50),
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v (err: %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestVerify_ContractViolationUnwraps(t *testing.T) {
	ext := levelFaces(map[byte][]facematch.Descriptor{50: {offset(0)}})
	f := newFixture(t, ext, staticReference(make(facematch.Descriptor, 512)), Options{})

	_, err := f.service.Verify(context.Background(), Request{
		StudentID: studentID, ClassID: classID, ImageData: imageURI(t, 50),
	})
	if !errors.Is(err, facematch.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch in chain, got %v", err)
	}
}

func TestVerify_MatchWithoutRecord(t *testing.T) {
	ext := levelFaces(map[byte][]facematch.Descriptor{50: {offset(0)}})
	f := newFixture(t, ext, staticReference(offset(0)), Options{})

	got, err := f.service.Verify(context.Background(), Request{
		StudentID: "walk-in", ClassID: classID, ImageData: imageURI(t, 50),
	})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !got.Verified {
		t.Errorf("expected verified outcome, got %+v", got)
	}
	if _, err := f.records.Get(context.Background(), "walk-in", classID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected no record to be created, got %v", err)
	}
}

func TestVerify_PublishesAttendanceMarked(t *testing.T) {
	hub := events.NewHub()
	listener := hub.Subscribe(classID)
	defer hub.Unsubscribe(classID, listener)

	ext := levelFaces(map[byte][]facematch.Descriptor{
		50: {offset(0)},
		60: {offset(0.9)},
	})
	f := newFixture(t, ext, staticReference(offset(0)), Options{Events: hub})
	ctx := context.Background()

	// Neither a mismatch nor a match without a record is announced.
	if _, err := f.service.Verify(ctx, Request{StudentID: studentID, ClassID: classID, ImageData: imageURI(t, 60)}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := f.service.Verify(ctx, Request{StudentID: "walk-in", ClassID: classID, ImageData: imageURI(t, 50)}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(listener) != 0 {
		t.Fatalf("expected no events yet, got %d", len(listener))
	}

	if _, err := f.service.Verify(ctx, Request{StudentID: studentID, ClassID: classID, ImageData: imageURI(t, 50)}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	select {
	case e := <-listener:
		if e.Type != events.AttendanceMarked || e.StudentID != studentID || e.ClassID != classID {
			t.Errorf("unexpected event %+v", e)
		}
	default:
		t.Fatal("expected attendance_marked event")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		kind   Kind
		name   string
		benign bool
	}{
		{Malformed, "malformed", true},
		{NoFaceDetected, "no_face_detected", true},
		{MultipleFaces, "multiple_faces", true},
		{ReferenceAbsent, "reference_absent", true},
		{StoreUnavailable, "store_unavailable", false},
		{ContractViolation, "contract_violation", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.kind.Benign(); got != tt.benign {
				t.Errorf("Benign() = %v, want %v", got, tt.benign)
			}
		})
	}

	if KindOf(errors.New("plain")) != 0 {
		t.Error("expected zero kind for foreign errors")
	}
}
