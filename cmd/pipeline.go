package cmd

import (
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/blobstore"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/faceembed"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/reference"
	"go.uber.org/zap"
)

// pipeline holds the components shared by every command that matches faces.
type pipeline struct {
	codec      *imagecodec.Codec
	extractor  faceembed.Extractor
	engine     *facematch.Engine
	references *reference.Store
}

// loadConfig reads and validates configuration and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, log, nil
}

// newBlobStore opens the reference image backend selected by REFERENCE_BACKEND.
func newBlobStore(cfg *config.ReferenceConfig) (blobstore.Store, error) {
	switch cfg.Backend {
	case "fs":
		return blobstore.NewFSStore(cfg.Dir)
	case "supabase":
		return blobstore.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey, cfg.Supabase.Bucket)
	case "azure":
		return blobstore.NewAzureStore(cfg.Azure.Account, cfg.Azure.Key, cfg.Azure.Container)
	default:
		return nil, fmt.Errorf("unknown reference backend %q", cfg.Backend)
	}
}

// newPipeline wires codec, extractor, engine and reference store. descriptors
// may be nil when no database is configured.
func newPipeline(cfg *config.Config, descriptors database.DescriptorStore, log *zap.Logger) (*pipeline, error) {
	blobs, err := newBlobStore(&cfg.Reference)
	if err != nil {
		return nil, fmt.Errorf("opening reference store: %w", err)
	}

	extractor, err := faceembed.New(cfg.Extractor.Backend, faceembed.Options{
		URL:       cfg.Extractor.URL,
		ModelsDir: cfg.Extractor.ModelsDir,
	})
	if err != nil {
		return nil, err
	}

	codec := imagecodec.New(cfg.Image.MaxPixels, cfg.Image.MaxBytes)
	engine := &facematch.Engine{
		Tolerance: cfg.Face.Tolerance,
		Precision: cfg.Face.Precision,
		Dimension: cfg.Face.DescriptorDim,
	}

	references := reference.New(blobs, codec, extractor, reference.Options{
		Ext:         cfg.Reference.Ext,
		Model:       cfg.Extractor.Backend,
		Dimension:   cfg.Face.DescriptorDim,
		Descriptors: descriptors,
		Logger:      log,
	})

	return &pipeline{
		codec:      codec,
		extractor:  extractor,
		engine:     engine,
		references: references,
	}, nil
}

// Close releases the extractor's model.
func (p *pipeline) Close() {
	faceembed.Close(p.extractor)
}
