// Package blobstore reads and writes reference face images keyed by
// "<student_id>.<ext>".
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no object exists under the key.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for keys that could escape the store namespace.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store is a flat key/value store for encoded images.
type Store interface {
	// Get returns the object bytes or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put creates or replaces the object.
	Put(ctx context.Context, key string, data []byte) error
}

// Key builds the object key for a student's reference image.
func Key(studentID, ext string) (string, error) {
	if studentID == "" || strings.ContainsAny(studentID, `/\`) || strings.Contains(studentID, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, studentID)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "jpg"
	}
	return studentID + "." + ext, nil
}
