// Package faceembed locates faces in a decoded raster and computes their
// descriptors. Backends register a constructor by name so the binary can be
// built with or without the in-process dlib recognizer.
package faceembed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
)

// ErrUnavailable marks extractor failures that are not caused by the image,
// e.g. an unreachable embedding server. Callers should retry.
var ErrUnavailable = errors.New("face extractor unavailable")

// Extractor returns one descriptor per detected face, in detection order.
// Zero faces is a valid result.
type Extractor interface {
	Extract(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error)
}

// ModelNamer is implemented by extractors that can name the model producing
// their descriptors. An empty name means the model is not known yet.
type ModelNamer interface {
	ModelName() string
}

// Options carries backend settings from configuration.
type Options struct {
	URL       string // embedding server base URL (http backend)
	ModelsDir string // dlib model directory (dlib backend)
}

// Constructor builds an extractor for a backend.
type Constructor func(opts Options) (Extractor, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a backend available under name.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the extractor registered under name.
func New(name string, opts Options) (Extractor, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("face extractor %q not available in this build (have %v)", name, Backends())
	}
	return ctor(opts)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, buf *imagecodec.PixelBuffer) ([]facematch.Descriptor, error) {
	return f(ctx, buf)
}

// Close releases extractors that hold native resources, such as the dlib
// recognizer. Other extractors are left untouched.
func Close(e Extractor) {
	if c, ok := e.(interface{ Close() }); ok {
		c.Close()
	}
}
