package reference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/blobstore"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/faceembed"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
	"go.uber.org/zap/zaptest"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return b, nil
}

func (m *memBlobs) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = data
	return nil
}

// solidPNG encodes a 4x4 image of a single gray level.
func solidPNG(t *testing.T, level byte) []byte {
	t.Helper()
	buf := &imagecodec.PixelBuffer{Width: 4, Height: 4, Pix: make([]byte, 4*4*3)}
	for i := range buf.Pix {
		buf.Pix[i] = level
	}
	data, err := imagecodec.EncodePNG(buf)
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	return data
}

// levelExtractor reports one face whose descriptor encodes the gray level
// of the top-left pixel. Black images contain no face.
type levelExtractor struct {
	calls atomic.Int32
	err   error
}

func (e *levelExtractor) Extract(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	r, _, _ := buf.At(0, 0)
	if r == 0 {
		return nil, nil
	}
	d := make(facematch.Descriptor, 8)
	for i := range d {
		d[i] = float64(r) / 255
	}
	return []facematch.Descriptor{d}, nil
}

func newTestStore(t *testing.T, blobs blobstore.Store, ext faceembed.Extractor, descriptors database.DescriptorStore) *Store {
	t.Helper()
	return New(blobs, imagecodec.New(0, 0), ext, Options{
		Descriptors: descriptors,
		Model:       "test",
		Logger:      zaptest.NewLogger(t),
	})
}

func TestGet_Failures(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name      string
		studentID string
		setup     func(b *memBlobs, e *levelExtractor)
		wantErr   error
	}{
		{
			name:      "no image",
			studentID: "s1",
			setup:     func(b *memBlobs, e *levelExtractor) {},
			wantErr:   ErrReferenceAbsent,
		},
		{
			name:      "invalid identity",
			studentID: "../etc/passwd",
			setup:     func(b *memBlobs, e *levelExtractor) {},
			wantErr:   ErrReferenceAbsent,
		},
		{
			name:      "no face in image",
			studentID: "s1",
			setup: func(b *memBlobs, e *levelExtractor) {
				b.objects["s1.jpg"] = solidPNG(t, 0)
			},
			wantErr: ErrReferenceAbsent,
		},
		{
			name:      "undecodable image",
			studentID: "s1",
			setup: func(b *memBlobs, e *levelExtractor) {
				b.objects["s1.jpg"] = []byte("not an image")
			},
			wantErr: ErrReferenceAbsent,
		},
		{
			name:      "blob store down",
			studentID: "s1",
			setup: func(b *memBlobs, e *levelExtractor) {
				b.getErr = boom
			},
			wantErr: ErrUnavailable,
		},
		{
			name:      "extractor down",
			studentID: "s1",
			setup: func(b *memBlobs, e *levelExtractor) {
				b.objects["s1.jpg"] = solidPNG(t, 200)
				e.err = faceembed.ErrUnavailable
			},
			wantErr: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blobs := newMemBlobs()
			ext := &levelExtractor{}
			tt.setup(blobs, ext)
			store := newTestStore(t, blobs, ext, nil)

			_, err := store.Get(context.Background(), tt.studentID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Get() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGet_CachesByDigest(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	blobs.objects["s1.jpg"] = solidPNG(t, 100)
	ext := &levelExtractor{}
	store := newTestStore(t, blobs, ext, nil)

	first, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := ext.calls.Load(); got != 1 {
		t.Errorf("expected 1 extraction, got %d", got)
	}

	// Replacing the stored image changes its digest and forces a recompute.
	blobs.objects["s1.jpg"] = solidPNG(t, 150)
	second, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := ext.calls.Load(); got != 2 {
		t.Errorf("expected 2 extractions after image change, got %d", got)
	}
	if facematch.Distance(first, second) == 0 {
		t.Error("expected a different descriptor after the image changed")
	}

	store.Invalidate("s1")
	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := ext.calls.Load(); got != 3 {
		t.Errorf("expected 3 extractions after invalidation, got %d", got)
	}
}

func TestGet_PersistentDescriptors(t *testing.T) {
	ctx := context.Background()
	raw := solidPNG(t, 100)
	blobs := newMemBlobs()
	blobs.objects["s1.jpg"] = raw

	t.Run("matching digest skips extraction", func(t *testing.T) {
		descriptors := mock.NewMockDescriptorStore()
		_ = descriptors.SaveDescriptor(ctx, &database.StoredDescriptor{
			StudentID: "s1",
			Digest:    Digest(raw),
			Embedding: []float32{0.5, 0.25},
			Model:     "test",
		})
		ext := &levelExtractor{}
		store := newTestStore(t, blobs, ext, descriptors)

		d, err := store.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ext.calls.Load() != 0 {
			t.Errorf("expected no extraction, got %d", ext.calls.Load())
		}
		if len(d) != 2 || d[0] != 0.5 {
			t.Errorf("unexpected descriptor %v", d)
		}
	})

	t.Run("stale digest is recomputed and saved", func(t *testing.T) {
		descriptors := mock.NewMockDescriptorStore()
		_ = descriptors.SaveDescriptor(ctx, &database.StoredDescriptor{
			StudentID: "s1",
			Digest:    "stale",
			Embedding: []float32{0.5, 0.25},
		})
		ext := &levelExtractor{}
		store := newTestStore(t, blobs, ext, descriptors)

		d, err := store.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ext.calls.Load() != 1 {
			t.Errorf("expected 1 extraction, got %d", ext.calls.Load())
		}
		stored, err := descriptors.GetDescriptor(ctx, "s1")
		if err != nil {
			t.Fatalf("GetDescriptor: %v", err)
		}
		if stored.Digest != Digest(raw) || stored.Dim != d.Dim() || stored.Model != "test" {
			t.Errorf("unexpected stored descriptor %+v", stored)
		}
	})

	t.Run("descriptor store failure falls back to extraction", func(t *testing.T) {
		descriptors := mock.NewMockDescriptorStore()
		descriptors.GetError = errors.New("db down")
		descriptors.SaveError = errors.New("db down")
		ext := &levelExtractor{}
		store := newTestStore(t, blobs, ext, descriptors)

		if _, err := store.Get(ctx, "s1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ext.calls.Load() != 1 {
			t.Errorf("expected 1 extraction, got %d", ext.calls.Load())
		}
	})
}

// namedExtractor reports a model name like the embedding server client.
type namedExtractor struct {
	levelExtractor
	name string
}

func (e *namedExtractor) ModelName() string { return e.name }

func TestGet_PersistedDescriptorValidation(t *testing.T) {
	ctx := context.Background()
	raw := solidPNG(t, 100)

	tests := []struct {
		name   string
		stored database.StoredDescriptor
		dim    int
	}{
		{
			name: "other model",
			stored: database.StoredDescriptor{
				Embedding: make([]float32, 512),
				Model:     "other",
			},
		},
		{
			name: "unexpected dimension",
			stored: database.StoredDescriptor{
				Embedding: make([]float32, 512),
				Model:     "test",
			},
			dim: 8,
		},
		{
			name: "dim column disagrees with embedding",
			stored: database.StoredDescriptor{
				Embedding: []float32{0.5, 0.25},
				Dim:       3,
				Model:     "test",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			blobs := newMemBlobs()
			blobs.objects["s1.jpg"] = raw
			descriptors := mock.NewMockDescriptorStore()
			seed := tc.stored
			seed.StudentID = "s1"
			seed.Digest = Digest(raw)
			_ = descriptors.SaveDescriptor(ctx, &seed)

			ext := &levelExtractor{}
			store := New(blobs, imagecodec.New(0, 0), ext, Options{
				Descriptors: descriptors,
				Model:       "test",
				Dimension:   tc.dim,
				Logger:      zaptest.NewLogger(t),
			})

			d, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if ext.calls.Load() != 1 {
				t.Errorf("expected re-extraction, got %d calls", ext.calls.Load())
			}
			if d.Dim() != 8 {
				t.Errorf("expected the freshly extracted 8-d descriptor, got %d", d.Dim())
			}

			stored, err := descriptors.GetDescriptor(ctx, "s1")
			if err != nil {
				t.Fatalf("GetDescriptor: %v", err)
			}
			if stored.Model != "test" || stored.Dim != 8 || len(stored.Embedding) != 8 {
				t.Errorf("expected the row to be replaced, got model=%q dim=%d", stored.Model, stored.Dim)
			}
		})
	}
}

func TestGet_ModelNameFromExtractor(t *testing.T) {
	ctx := context.Background()
	raw := solidPNG(t, 100)
	blobs := newMemBlobs()
	blobs.objects["s1.jpg"] = raw
	descriptors := mock.NewMockDescriptorStore()

	ext := &namedExtractor{name: "buffalo_l"}
	store := New(blobs, imagecodec.New(0, 0), ext, Options{
		Descriptors: descriptors,
		Model:       "http",
		Logger:      zaptest.NewLogger(t),
	})
	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	stored, err := descriptors.GetDescriptor(ctx, "s1")
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	if stored.Model != "http/buffalo_l" {
		t.Errorf("stored model = %q, want http/buffalo_l", stored.Model)
	}

	// A fresh store with the same model reuses the row.
	ext2 := &namedExtractor{name: "buffalo_l"}
	store2 := New(blobs, imagecodec.New(0, 0), ext2, Options{
		Descriptors: descriptors,
		Model:       "http",
		Logger:      zaptest.NewLogger(t),
	})
	if _, err := store2.Get(ctx, "s1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ext2.calls.Load() != 0 {
		t.Errorf("expected persisted descriptor reuse, got %d extractions", ext2.calls.Load())
	}

	// The server switching models invalidates it.
	ext3 := &namedExtractor{name: "antelopev2"}
	store3 := New(blobs, imagecodec.New(0, 0), ext3, Options{
		Descriptors: descriptors,
		Model:       "http",
		Logger:      zaptest.NewLogger(t),
	})
	if _, err := store3.Get(ctx, "s1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ext3.calls.Load() != 1 {
		t.Errorf("expected re-extraction after model change, got %d", ext3.calls.Load())
	}
}

func TestGet_ConcurrentMissesExtractOnce(t *testing.T) {
	blobs := newMemBlobs()
	blobs.objects["s1.jpg"] = solidPNG(t, 100)
	ext := &levelExtractor{}
	store := newTestStore(t, blobs, ext, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Get(context.Background(), "s1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Get: %v", err)
	}
	if got := ext.calls.Load(); got != 1 {
		t.Errorf("expected a single extraction, got %d", got)
	}
}

func TestGet_CanceledContext(t *testing.T) {
	blobs := newMemBlobs()
	blobs.objects["s1.jpg"] = solidPNG(t, 100)
	block := make(chan struct{})
	ext := faceembed.Func(func(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error) {
		<-block
		return []facematch.Descriptor{{1}}, nil
	})
	store := newTestStore(t, blobs, ext, nil)
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()

	t.Run("stores image and descriptor", func(t *testing.T) {
		blobs := newMemBlobs()
		descriptors := mock.NewMockDescriptorStore()
		ext := &levelExtractor{}
		store := newTestStore(t, blobs, ext, descriptors)
		raw := solidPNG(t, 120)

		d, err := store.Enroll(ctx, "s1", raw)
		if err != nil {
			t.Fatalf("Enroll: %v", err)
		}
		if string(blobs.objects["s1.jpg"]) != string(raw) {
			t.Error("expected image to be stored under s1.jpg")
		}
		stored, err := descriptors.GetDescriptor(ctx, "s1")
		if err != nil {
			t.Fatalf("GetDescriptor: %v", err)
		}
		if stored.Digest != Digest(raw) {
			t.Errorf("unexpected digest %s", stored.Digest)
		}

		got, err := store.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if facematch.Distance(d, got) != 0 {
			t.Error("expected Get to return the enrolled descriptor")
		}
		if ext.calls.Load() != 1 {
			t.Errorf("expected enrollment to be the only extraction, got %d", ext.calls.Load())
		}
	})

	t.Run("rejects image without face", func(t *testing.T) {
		blobs := newMemBlobs()
		store := newTestStore(t, blobs, &levelExtractor{}, nil)

		_, err := store.Enroll(ctx, "s1", solidPNG(t, 0))
		if !errors.Is(err, ErrNoFace) {
			t.Fatalf("expected ErrNoFace, got %v", err)
		}
		if len(blobs.objects) != 0 {
			t.Error("expected nothing to be stored")
		}
	})

	t.Run("rejects malformed image", func(t *testing.T) {
		store := newTestStore(t, newMemBlobs(), &levelExtractor{}, nil)
		_, err := store.Enroll(ctx, "s1", []byte("garbage"))
		if !errors.Is(err, imagecodec.ErrMalformed) {
			t.Fatalf("expected ErrMalformed, got %v", err)
		}
	})

	t.Run("blob store failure", func(t *testing.T) {
		blobs := newMemBlobs()
		blobs.putErr = errors.New("bucket gone")
		store := newTestStore(t, blobs, &levelExtractor{}, nil)
		_, err := store.Enroll(ctx, "s1", solidPNG(t, 120))
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})
}
