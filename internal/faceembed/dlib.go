//go:build dlib

package faceembed

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
)

func init() {
	Register("dlib", func(opts Options) (Extractor, error) {
		return NewDlibRecognizer(opts.ModelsDir)
	})
}

// DlibRecognizer runs dlib's ResNet face recognition model in-process and
// yields 128-d descriptors.
type DlibRecognizer struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlibRecognizer loads the shape predictor and recognition models from
// modelsDir.
func NewDlibRecognizer(modelsDir string) (*DlibRecognizer, error) {
	if modelsDir == "" {
		modelsDir = "models"
	}
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("loading dlib models from %s: %w", modelsDir, err)
	}
	return &DlibRecognizer{rec: rec}, nil
}

// Extract encodes the raster as JPEG (the only format the recognizer takes)
// and returns one descriptor per face.
func (d *DlibRecognizer) Extract(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error) {
	data, err := imagecodec.EncodeJPEG(buf)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	faces, err := d.rec.Recognize(data)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}

	descriptors := make([]facematch.Descriptor, 0, len(faces))
	for _, f := range faces {
		descriptors = append(descriptors, facematch.FromFloat32(f.Descriptor[:]))
	}
	return descriptors, nil
}

// ModelName identifies the dlib ResNet model.
func (d *DlibRecognizer) ModelName() string {
	return "dlib_face_recognition_resnet_model_v1"
}

// Close releases the native recognizer.
func (d *DlibRecognizer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Close()
}
