package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Multi-face policies.
const (
	MultiFaceFirst  = "first"
	MultiFaceReject = "reject"
)

type Config struct {
	Face      FaceConfig
	Image     ImageConfig
	Extractor ExtractorConfig
	Reference ReferenceConfig
	Database  DatabaseConfig
	Session   SessionConfig
	Web       WebConfig
	Log       LogConfig
}

type FaceConfig struct {
	Tolerance       float64 `yaml:"tolerance"`
	DescriptorDim   int     `yaml:"descriptor_dim"`
	Precision       int     `yaml:"confidence_precision"`
	MultiFacePolicy string  `yaml:"multi_face_policy"`
}

type ImageConfig struct {
	MaxPixels int `yaml:"max_pixels"`
	MaxBytes  int `yaml:"max_bytes"`
}

type policyDefaults struct {
	Face  FaceConfig  `yaml:"face"`
	Image ImageConfig `yaml:"image"`
}

type ExtractorConfig struct {
	Backend   string // http or dlib
	URL       string // defaults to http://localhost:8000
	ModelsDir string // dlib model files
}

type ReferenceConfig struct {
	Backend  string // fs, supabase or azure
	Dir      string // fs backend root
	Ext      string // object extension, defaults to jpg
	Supabase SupabaseConfig
	Azure    AzureConfig
}

type SupabaseConfig struct {
	URL        string
	ServiceKey string
	Bucket     string
}

type AzureConfig struct {
	Account   string
	Key       string
	Container string
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type SessionConfig struct {
	Secret string
	TTL    time.Duration
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

// envIntMin reads an environment variable and parses it as an integer >= minVal.
// Returns the default value if the env var is unset, empty, or invalid.
func envIntMin(key string, defaultVal, minVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= minVal {
		return n
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
func envInt(key string, defaultVal int) int {
	return envIntMin(key, defaultVal, 1)
}

// envFloat reads an environment variable as a float, keeping the default on
// parse errors. Range checks are left to Validate.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() *Config {
	var defaults policyDefaults
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	return &Config{
		Face: FaceConfig{
			Tolerance:       envFloat("FACE_TOLERANCE", defaults.Face.Tolerance),
			DescriptorDim:   envIntMin("FACE_DESCRIPTOR_DIM", defaults.Face.DescriptorDim, 0),
			Precision:       envIntMin("FACE_CONFIDENCE_PRECISION", defaults.Face.Precision, 0),
			MultiFacePolicy: strings.ToLower(envString("FACE_MULTI_FACE_POLICY", defaults.Face.MultiFacePolicy)),
		},
		Image: ImageConfig{
			MaxPixels: envInt("IMAGE_MAX_PIXELS", defaults.Image.MaxPixels),
			MaxBytes:  envInt("IMAGE_MAX_BYTES", defaults.Image.MaxBytes),
		},
		Extractor: ExtractorConfig{
			Backend:   envString("FACE_EXTRACTOR", "http"),
			URL:       envString("EMBEDDING_URL", "http://localhost:8000"),
			ModelsDir: envString("DLIB_MODELS_DIR", "models"),
		},
		Reference: ReferenceConfig{
			Backend: envString("REFERENCE_BACKEND", "fs"),
			Dir:     envString("REFERENCE_DIR", "data/student_faces"),
			Ext:     envString("REFERENCE_EXT", "jpg"),
			Supabase: SupabaseConfig{
				URL:        os.Getenv("SUPABASE_URL"),
				ServiceKey: os.Getenv("SUPABASE_SERVICE_KEY"),
				Bucket:     envString("SUPABASE_BUCKET", "student_faces"),
			},
			Azure: AzureConfig{
				Account:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
				Key:       os.Getenv("AZURE_STORAGE_KEY"),
				Container: envString("AZURE_STORAGE_CONTAINER", "student-faces"),
			},
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Session: SessionConfig{
			Secret: os.Getenv("SESSION_SECRET"),
			TTL:    time.Duration(envInt("SESSION_TTL_SECONDS", 300)) * time.Second,
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
	}
}

// Validate rejects values the matching pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if math.IsNaN(c.Face.Tolerance) || math.IsInf(c.Face.Tolerance, 0) || c.Face.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("FACE_TOLERANCE must be a non-negative number, got %v", c.Face.Tolerance))
	}
	if c.Face.Precision < 0 || c.Face.Precision > 9 {
		errs = append(errs, fmt.Errorf("FACE_CONFIDENCE_PRECISION must be within 0..9, got %d", c.Face.Precision))
	}
	if c.Face.DescriptorDim < 0 {
		errs = append(errs, fmt.Errorf("FACE_DESCRIPTOR_DIM must not be negative, got %d", c.Face.DescriptorDim))
	}
	switch c.Face.MultiFacePolicy {
	case MultiFaceFirst, MultiFaceReject:
	default:
		errs = append(errs, fmt.Errorf("FACE_MULTI_FACE_POLICY must be %q or %q, got %q",
			MultiFaceFirst, MultiFaceReject, c.Face.MultiFacePolicy))
	}
	if c.Image.MaxPixels <= 0 || c.Image.MaxBytes <= 0 {
		errs = append(errs, errors.New("image limits must be positive"))
	}

	switch c.Extractor.Backend {
	case "http", "dlib":
	default:
		errs = append(errs, fmt.Errorf("unknown FACE_EXTRACTOR %q", c.Extractor.Backend))
	}

	switch c.Reference.Backend {
	case "fs":
		if c.Reference.Dir == "" {
			errs = append(errs, errors.New("REFERENCE_DIR is required for the fs backend"))
		}
	case "supabase":
		if c.Reference.Supabase.URL == "" || c.Reference.Supabase.ServiceKey == "" {
			errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase backend"))
		}
	case "azure":
		if c.Reference.Azure.Account == "" || c.Reference.Azure.Key == "" {
			errs = append(errs, errors.New("AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY are required for the azure backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REFERENCE_BACKEND %q", c.Reference.Backend))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
