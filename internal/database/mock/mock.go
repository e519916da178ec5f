// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

type recordKey struct {
	studentID string
	classID   string
}

// MockAttendanceStore is a mock implementation of database.AttendanceWriter
type MockAttendanceStore struct {
	mu      sync.RWMutex
	records map[recordKey]*database.AttendanceRecord
	now     func() time.Time

	// Error injection
	GetError              error
	ListError             error
	InsertPendingError    error
	MarkBLEVerifiedError  error
	MarkFaceVerifiedError error

	// MarkFaceVerifiedCalls counts conditional updates attempted
	MarkFaceVerifiedCalls int
}

// NewMockAttendanceStore creates a new mock attendance store
func NewMockAttendanceStore() *MockAttendanceStore {
	return &MockAttendanceStore{
		records: make(map[recordKey]*database.AttendanceRecord),
		now:     time.Now,
	}
}

// AddRecord adds a record to the mock store
func (m *MockAttendanceStore) AddRecord(rec database.AttendanceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.FinalStatus == "" {
		rec.FinalStatus = database.StatusPending
	}
	m.records[recordKey{rec.StudentID, rec.ClassID}] = &rec
}

// Get retrieves a record by (student, class)
func (m *MockAttendanceStore) Get(ctx context.Context, studentID, classID string) (*database.AttendanceRecord, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey{studentID, classID}]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListByClass returns the records of a class ordered by student id
func (m *MockAttendanceStore) ListByClass(ctx context.Context, classID string) ([]database.AttendanceRecord, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.AttendanceRecord
	for k, rec := range m.records {
		if k.classID == classID {
			out = append(out, *rec)
		}
	}
	slices.SortFunc(out, func(a, b database.AttendanceRecord) int {
		if a.StudentID < b.StudentID {
			return -1
		}
		if a.StudentID > b.StudentID {
			return 1
		}
		return 0
	})
	return out, nil
}

// InsertPending creates a pending record unless one exists
func (m *MockAttendanceStore) InsertPending(ctx context.Context, studentID, classID string) error {
	if m.InsertPendingError != nil {
		return m.InsertPendingError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertPendingLocked(studentID, classID)
	return nil
}

func (m *MockAttendanceStore) insertPendingLocked(studentID, classID string) *database.AttendanceRecord {
	k := recordKey{studentID, classID}
	if rec, ok := m.records[k]; ok {
		return rec
	}
	now := m.now()
	rec := &database.AttendanceRecord{
		StudentID:   studentID,
		ClassID:     classID,
		FinalStatus: database.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.records[k] = rec
	return rec
}

// MarkBLEVerified upserts the record with ble_verified set
func (m *MockAttendanceStore) MarkBLEVerified(ctx context.Context, studentID, classID string, rssi *int) (*database.AttendanceRecord, error) {
	if m.MarkBLEVerifiedError != nil {
		return nil, m.MarkBLEVerifiedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.insertPendingLocked(studentID, classID)
	rec.BLEVerified = true
	if rssi != nil {
		v := *rssi
		rec.RSSI = &v
	}
	rec.UpdatedAt = m.now()
	cp := *rec
	return &cp, nil
}

// MarkFaceVerified updates an existing record; it never creates one
func (m *MockAttendanceStore) MarkFaceVerified(ctx context.Context, studentID, classID string, confidence float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkFaceVerifiedCalls++
	if m.MarkFaceVerifiedError != nil {
		return false, m.MarkFaceVerifiedError
	}
	rec, ok := m.records[recordKey{studentID, classID}]
	if !ok {
		return false, nil
	}
	c := confidence
	rec.FaceVerified = true
	rec.ConfidenceScore = &c
	rec.FinalStatus = database.StatusPresent
	rec.UpdatedAt = m.now()
	return true, nil
}

// MockClassStore is a mock implementation of database.ClassWriter
type MockClassStore struct {
	mu       sync.RWMutex
	classes  map[string]*database.Class
	students map[string][]string

	// Error injection
	GetClassError   error
	IsEnrolledError error
	ListError       error
	SetStatusError  error
}

// NewMockClassStore creates a new mock class store
func NewMockClassStore() *MockClassStore {
	return &MockClassStore{
		classes:  make(map[string]*database.Class),
		students: make(map[string][]string),
	}
}

// AddClass adds a class and its roster to the mock store
func (m *MockClassStore) AddClass(c database.Class, studentIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = database.ClassInactive
	}
	m.classes[c.ID] = &c
	m.students[c.ID] = append(m.students[c.ID], studentIDs...)
}

// GetClass retrieves a class by id
func (m *MockClassStore) GetClass(ctx context.Context, classID string) (*database.Class, error) {
	if m.GetClassError != nil {
		return nil, m.GetClassError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[classID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// IsEnrolled reports whether the student is on the roster
func (m *MockClassStore) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	if m.IsEnrolledError != nil {
		return false, m.IsEnrolledError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.students[classID], studentID), nil
}

// ListStudents returns the sorted roster of a class
func (m *MockClassStore) ListStudents(ctx context.Context, classID string) ([]string, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.students[classID])
	slices.Sort(out)
	return out, nil
}

// SetClassStatus updates the status of a class
func (m *MockClassStore) SetClassStatus(ctx context.Context, classID string, status database.ClassStatus) error {
	if m.SetStatusError != nil {
		return m.SetStatusError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classes[classID]
	if !ok {
		return database.ErrNotFound
	}
	c.Status = status
	return nil
}

// MockSessionStore is a mock implementation of database.SessionStore
type MockSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*database.AttendanceSession

	// Error injection
	SaveError error
	GetError  error
	EndError  error
}

// NewMockSessionStore creates a new mock session store
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{sessions: make(map[string]*database.AttendanceSession)}
}

// SaveSession stores a session
func (m *MockSessionStore) SaveSession(ctx context.Context, s *database.AttendanceSession) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// Sessions returns copies of all stored sessions
func (m *MockSessionStore) Sessions() []database.AttendanceSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.AttendanceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// GetSession retrieves a session by id
func (m *MockSessionStore) GetSession(ctx context.Context, id string) (*database.AttendanceSession, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// EndSession marks a session ended
func (m *MockSessionStore) EndSession(ctx context.Context, id string) error {
	if m.EndError != nil {
		return m.EndError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.EndedAt == nil {
		now := time.Now()
		s.EndedAt = &now
	}
	return nil
}

// MockDescriptorStore is a mock implementation of database.DescriptorStore
type MockDescriptorStore struct {
	mu          sync.RWMutex
	descriptors map[string]*database.StoredDescriptor

	// Error injection
	GetError    error
	SaveError   error
	DeleteError error

	// Call counters
	GetCalls  int
	SaveCalls int
}

// NewMockDescriptorStore creates a new mock descriptor store
func NewMockDescriptorStore() *MockDescriptorStore {
	return &MockDescriptorStore{descriptors: make(map[string]*database.StoredDescriptor)}
}

// GetDescriptor retrieves a stored descriptor
func (m *MockDescriptorStore) GetDescriptor(ctx context.Context, studentID string) (*database.StoredDescriptor, error) {
	m.mu.Lock()
	m.GetCalls++
	m.mu.Unlock()
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[studentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *d
	cp.Embedding = slices.Clone(d.Embedding)
	return &cp, nil
}

// SaveDescriptor creates or replaces a stored descriptor
func (m *MockDescriptorStore) SaveDescriptor(ctx context.Context, d *database.StoredDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	if m.SaveError != nil {
		return m.SaveError
	}
	cp := *d
	cp.Embedding = slices.Clone(d.Embedding)
	if cp.Dim == 0 {
		cp.Dim = len(cp.Embedding)
	}
	m.descriptors[d.StudentID] = &cp
	return nil
}

// DeleteDescriptor removes a stored descriptor
func (m *MockDescriptorStore) DeleteDescriptor(ctx context.Context, studentID string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.descriptors, studentID)
	return nil
}

// Compile-time interface checks
var (
	_ database.AttendanceWriter = (*MockAttendanceStore)(nil)
	_ database.ClassWriter      = (*MockClassStore)(nil)
	_ database.SessionStore     = (*MockSessionStore)(nil)
	_ database.DescriptorStore  = (*MockDescriptorStore)(nil)
)
