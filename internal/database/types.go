package database

import (
	"time"
)

// Status is the final attendance status of a record.
type Status string

const (
	StatusPending Status = "pending"
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// ClassStatus reports whether an attendance session is running for a class.
type ClassStatus string

const (
	ClassInactive ClassStatus = "inactive"
	ClassActive   ClassStatus = "active"
)

// AttendanceRecord is one student's attendance for one class, keyed by
// (StudentID, ClassID).
type AttendanceRecord struct {
	StudentID       string    `json:"student_id"`
	ClassID         string    `json:"class_id"`
	BLEVerified     bool      `json:"ble_verified"`
	FaceVerified    bool      `json:"face_verified"`
	ConfidenceScore *float64  `json:"confidence_score,omitempty"`
	FinalStatus     Status    `json:"final_status"`
	RSSI            *int      `json:"rssi,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Class is a taught class that attendance is taken for.
type Class struct {
	ID        string
	TeacherID string
	Name      string
	Status    ClassStatus
}

// AttendanceSession is an issued proximity session for a class.
type AttendanceSession struct {
	ID        string
	ClassID   string
	TeacherID string
	CreatedAt time.Time
	ExpiresAt time.Time
	EndedAt   *time.Time
}

// Active reports whether the session can still accept check-ins at now.
func (s *AttendanceSession) Active(now time.Time) bool {
	return s.EndedAt == nil && now.Before(s.ExpiresAt)
}

// StoredDescriptor is a reference face descriptor persisted at enrollment.
// Digest identifies the reference image bytes it was computed from.
type StoredDescriptor struct {
	StudentID string
	Digest    string
	Embedding []float32
	Dim       int
	Model     string
	CreatedAt time.Time
}
