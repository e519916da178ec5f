// Package reference resolves the enrolled reference descriptor of a student.
//
// Reference images live in a blob store under "<student_id>.<ext>". The
// descriptor derived from an image is cached in memory and, optionally, in a
// persistent DescriptorStore. Both caches are keyed by student and validated
// against the BLAKE3 digest of the image bytes, so replacing the image in the
// blob store invalidates them without any coordination.
package reference

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/blobstore"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/faceembed"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrReferenceAbsent is returned when the student has no usable reference:
	// no stored image, an undecodable image, or an image without a face.
	ErrReferenceAbsent = errors.New("reference absent")
	// ErrUnavailable is returned when the blob store or extractor fails.
	ErrUnavailable = errors.New("reference store unavailable")
	// ErrNoFace is returned by Enroll for images without a detectable face.
	ErrNoFace = errors.New("no face detected in reference image")
)

// Getter returns a student's reference descriptor.
type Getter interface {
	Get(ctx context.Context, studentID string) (facematch.Descriptor, error)
}

// Options configures a Store.
type Options struct {
	// Ext is the object extension of reference images (default "jpg").
	Ext string
	// Model is recorded next to persisted descriptors. Extractors that
	// implement faceembed.ModelNamer append their model name to it.
	Model string
	// Dimension is the expected descriptor length. Persisted descriptors of
	// another length are recomputed. Zero disables the check.
	Dimension int
	// Descriptors is an optional persistent descriptor cache.
	Descriptors database.DescriptorStore
	Logger      *zap.Logger
}

type entry struct {
	digest     string
	descriptor facematch.Descriptor
}

// Store resolves reference descriptors. It is safe for concurrent use.
type Store struct {
	blobs       blobstore.Store
	codec       *imagecodec.Codec
	extractor   faceembed.Extractor
	descriptors database.DescriptorStore
	ext         string
	model       string
	dim         int
	log         *zap.Logger

	mu    sync.RWMutex
	cache map[string]entry
	group singleflight.Group
}

// New creates a reference store.
func New(blobs blobstore.Store, codec *imagecodec.Codec, extractor faceembed.Extractor, opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ext := opts.Ext
	if ext == "" {
		ext = "jpg"
	}
	return &Store{
		blobs:       blobs,
		codec:       codec,
		extractor:   extractor,
		descriptors: opts.Descriptors,
		ext:         ext,
		model:       opts.Model,
		dim:         opts.Dimension,
		log:         log.Named("reference"),
		cache:       make(map[string]entry),
	}
}

// Digest returns the hex BLAKE3 digest identifying reference image bytes.
func Digest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns the first descriptor of the student's reference image.
func (s *Store) Get(ctx context.Context, studentID string) (facematch.Descriptor, error) {
	key, err := blobstore.Key(studentID, s.ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferenceAbsent, err)
	}

	// Waiters keep their own cancellation; the shared load does not inherit it.
	ch := s.group.DoChan(studentID, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), studentID, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(facematch.Descriptor), nil
	}
}

func (s *Store) load(ctx context.Context, studentID, key string) (facematch.Descriptor, error) {
	raw, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: no image for %s", ErrReferenceAbsent, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	digest := Digest(raw)

	if d, ok := s.cached(studentID, digest); ok {
		return d, nil
	}

	if d, ok := s.persisted(ctx, studentID, digest); ok {
		s.remember(studentID, digest, d)
		return d, nil
	}

	d, err := s.extract(ctx, raw)
	if err != nil {
		return nil, err
	}
	s.remember(studentID, digest, d)
	s.persist(ctx, studentID, digest, d)
	return d, nil
}

func (s *Store) cached(studentID, digest string) (facematch.Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[studentID]
	if !ok || e.digest != digest {
		return nil, false
	}
	return e.descriptor, true
}

func (s *Store) remember(studentID, digest string, d facematch.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[studentID] = entry{digest: digest, descriptor: d}
}

// persisted consults the descriptor table. Failures there only cost a
// recomputation, so they are logged and treated as a miss.
func (s *Store) persisted(ctx context.Context, studentID, digest string) (facematch.Descriptor, bool) {
	if s.descriptors == nil {
		return nil, false
	}
	stored, err := s.descriptors.GetDescriptor(ctx, studentID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		s.log.Warn("descriptor lookup failed", zap.String("student_id", logger.SanitizeForLog(studentID)), zap.Error(err))
		return nil, false
	}
	if stored.Digest != digest {
		return nil, false
	}
	if model := s.modelID(); stored.Model != model {
		s.log.Info("persisted descriptor from another model, recomputing",
			zap.String("student_id", logger.SanitizeForLog(studentID)),
			zap.String("stored_model", stored.Model),
			zap.String("model", model),
		)
		return nil, false
	}
	if stored.Dim != len(stored.Embedding) || (s.dim > 0 && stored.Dim != s.dim) {
		s.log.Info("persisted descriptor has unexpected dimension, recomputing",
			zap.String("student_id", logger.SanitizeForLog(studentID)),
			zap.Int("dim", len(stored.Embedding)),
		)
		return nil, false
	}
	return facematch.FromFloat32(stored.Embedding), true
}

// modelID names the model behind extracted descriptors. An extractor that
// has not yet reported its model name yields only the configured prefix.
func (s *Store) modelID() string {
	namer, ok := s.extractor.(faceembed.ModelNamer)
	if !ok {
		return s.model
	}
	name := namer.ModelName()
	switch {
	case name == "":
		return s.model
	case s.model == "":
		return name
	}
	return s.model + "/" + name
}

func (s *Store) persist(ctx context.Context, studentID, digest string, d facematch.Descriptor) {
	if s.descriptors == nil {
		return
	}
	err := s.descriptors.SaveDescriptor(ctx, &database.StoredDescriptor{
		StudentID: studentID,
		Digest:    digest,
		Embedding: d.Float32(),
		Dim:       d.Dim(),
		Model:     s.modelID(),
	})
	if err != nil {
		s.log.Warn("descriptor save failed", zap.String("student_id", logger.SanitizeForLog(studentID)), zap.Error(err))
	}
}

// extract decodes a stored image and returns its first descriptor.
func (s *Store) extract(ctx context.Context, raw []byte) (facematch.Descriptor, error) {
	buf, err := s.codec.DecodeBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferenceAbsent, err)
	}
	faces, err := s.extractor.Extract(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(faces) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrReferenceAbsent, ErrNoFace)
	}
	return faces[0], nil
}

// Invalidate drops the cached descriptor of a student.
func (s *Store) Invalidate(studentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, studentID)
}

// Enroll validates that raw contains a face, stores it as the student's
// reference image and persists its descriptor.
func (s *Store) Enroll(ctx context.Context, studentID string, raw []byte) (facematch.Descriptor, error) {
	key, err := blobstore.Key(studentID, s.ext)
	if err != nil {
		return nil, err
	}

	buf, err := s.codec.DecodeBytes(raw)
	if err != nil {
		return nil, err
	}
	faces, err := s.extractor.Extract(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFace
	}
	d := faces[0]

	if err := s.blobs.Put(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.Invalidate(studentID)
	s.persist(ctx, studentID, Digest(raw), d)

	s.log.Info("reference enrolled",
		zap.String("student_id", logger.SanitizeForLog(studentID)),
		zap.Int("faces", len(faces)),
		zap.Int("dim", d.Dim()),
	)
	return d, nil
}
