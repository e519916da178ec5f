// Package database defines the storage types and repository interfaces used
// by the attendance service. Implementations live in subpackages.
package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AttendanceReader provides read-only access to attendance records
type AttendanceReader interface {
	// Get returns the record for (studentID, classID) or ErrNotFound
	Get(ctx context.Context, studentID, classID string) (*AttendanceRecord, error)
	// ListByClass returns all records for a class ordered by student id
	ListByClass(ctx context.Context, classID string) ([]AttendanceRecord, error)
}

// AttendanceWriter provides write access to attendance records
type AttendanceWriter interface {
	AttendanceReader

	// InsertPending creates a pending, unverified record. An existing record
	// for the same pair is left untouched.
	InsertPending(ctx context.Context, studentID, classID string) error

	// MarkBLEVerified sets ble_verified (and rssi when given), creating the
	// pending record first if it does not exist.
	MarkBLEVerified(ctx context.Context, studentID, classID string, rssi *int) (*AttendanceRecord, error)

	// MarkFaceVerified sets face_verified, confidence_score and
	// final_status=present in one conditional update filtered by
	// (studentID, classID). It reports whether a record was updated.
	MarkFaceVerified(ctx context.Context, studentID, classID string, confidence float64) (bool, error)
}

// ClassReader provides read-only access to classes and rosters
type ClassReader interface {
	// GetClass returns the class or ErrNotFound
	GetClass(ctx context.Context, classID string) (*Class, error)
	// IsEnrolled reports whether the student belongs to the class roster
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	// ListStudents returns the student ids on the class roster
	ListStudents(ctx context.Context, classID string) ([]string, error)
}

// ClassWriter provides write access to class status
type ClassWriter interface {
	ClassReader

	// SetClassStatus updates the attendance status of a class
	SetClassStatus(ctx context.Context, classID string, status ClassStatus) error
}

// SessionStore persists issued attendance sessions
type SessionStore interface {
	// SaveSession records a newly issued session
	SaveSession(ctx context.Context, s *AttendanceSession) error
	// GetSession returns the session or ErrNotFound
	GetSession(ctx context.Context, id string) (*AttendanceSession, error)
	// EndSession marks the session ended; ending twice is not an error
	EndSession(ctx context.Context, id string) error
}

// DescriptorStore persists reference descriptors computed at enrollment
type DescriptorStore interface {
	// GetDescriptor returns the stored descriptor or ErrNotFound
	GetDescriptor(ctx context.Context, studentID string) (*StoredDescriptor, error)
	// SaveDescriptor creates or replaces the student's descriptor
	SaveDescriptor(ctx context.Context, d *StoredDescriptor) error
	// DeleteDescriptor removes the student's descriptor if present
	DeleteDescriptor(ctx context.Context, studentID string) error
}
