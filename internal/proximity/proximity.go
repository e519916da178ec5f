// Package proximity issues the short-lived session tokens a classroom beacon
// advertises and records student check-ins presenting them.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/events"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"go.uber.org/zap"
)

// DefaultTTL is how long a session token is accepted.
const DefaultTTL = 5 * time.Minute

const issuer = "face-attendance"

var (
	ErrClassNotFound   = errors.New("class not found")
	ErrInvalidToken    = errors.New("invalid session token")
	ErrSessionInactive = errors.New("attendance session is not active")
	ErrNotEnrolled     = errors.New("student is not enrolled in class")
)

// Claims are carried by a session token.
type Claims struct {
	ClassID   string `json:"class_id"`
	TeacherID string `json:"teacher_id"`
	jwt.RegisteredClaims
}

// Session is a started attendance session.
type Session struct {
	ID        string    `json:"session_id"`
	Token     string    `json:"session_token"`
	ClassID   string    `json:"class_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validation describes a session token a student client scanned.
type Validation struct {
	Valid     bool      `json:"valid"`
	ClassID   string    `json:"class_id"`
	ClassName string    `json:"class_name"`
	TeacherID string    `json:"teacher_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service starts sessions and accepts check-ins.
type Service struct {
	secret   []byte
	ttl      time.Duration
	classes  database.ClassWriter
	sessions database.SessionStore
	records  database.AttendanceWriter
	events   events.Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewService creates a proximity service. The secret signs session tokens.
func NewService(
	secret string,
	ttl time.Duration,
	classes database.ClassWriter,
	sessions database.SessionStore,
	records database.AttendanceWriter,
	log *zap.Logger,
) (*Service, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		secret:   []byte(secret),
		ttl:      ttl,
		classes:  classes,
		sessions: sessions,
		records:  records,
		events:   events.Discard,
		log:      log.Named("proximity"),
		now:      time.Now,
	}, nil
}

// SetPublisher sends session and check-in events to p.
func (s *Service) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Discard
	}
	s.events = p
}

// ownedClass returns the class if it belongs to the teacher.
func (s *Service) ownedClass(ctx context.Context, classID, teacherID string) (*database.Class, error) {
	class, err := s.classes.GetClass(ctx, classID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	if class.TeacherID != teacherID {
		return nil, ErrClassNotFound
	}
	return class, nil
}

// Start activates the class and issues a signed session token.
func (s *Service) Start(ctx context.Context, classID, teacherID string) (*Session, error) {
	class, err := s.ownedClass(ctx, classID, teacherID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &database.AttendanceSession{
		ID:        uuid.NewString(),
		ClassID:   classID,
		TeacherID: teacherID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ClassID:   classID,
		TeacherID: teacherID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if err := s.classes.SetClassStatus(ctx, classID, database.ClassActive); err != nil {
		// The token is never returned, so its session must not stay open.
		if endErr := s.sessions.EndSession(ctx, session.ID); endErr != nil {
			s.log.Error("failed to end orphaned session", zap.String("session_id", session.ID), zap.Error(endErr))
		}
		return nil, fmt.Errorf("activate class: %w", err)
	}

	s.log.Info("attendance session started",
		zap.String("class_id", logger.SanitizeForLog(classID)),
		zap.String("session_id", session.ID),
		zap.Time("expires_at", session.ExpiresAt),
	)
	s.events.Publish(events.Event{
		Type:    events.SessionStarted,
		ClassID: classID,
		Data: map[string]any{
			"session_id": session.ID,
			"class_name": class.Name,
			"teacher_id": teacherID,
			"expires_at": session.ExpiresAt,
		},
	})
	return &Session{
		ID:        session.ID,
		Token:     token,
		ClassID:   classID,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// End stops a session early and deactivates its class.
func (s *Service) End(ctx context.Context, sessionID, teacherID string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrSessionInactive
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session.TeacherID != teacherID {
		return ErrClassNotFound
	}
	if err := s.sessions.EndSession(ctx, sessionID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if err := s.classes.SetClassStatus(ctx, session.ClassID, database.ClassInactive); err != nil {
		return fmt.Errorf("deactivate class: %w", err)
	}
	s.events.Publish(events.Event{
		Type:    events.SessionEnded,
		ClassID: session.ClassID,
		Data:    map[string]any{"session_id": sessionID},
	})
	return nil
}

// Parse validates a session token's signature and expiry.
func (s *Service) Parse(token string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.ID == "" || claims.ClassID == "" || !claims.VerifyIssuer(issuer, true) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// activeSession parses a token and loads its session, which must still run.
func (s *Service) activeSession(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.Parse(token)
	if err != nil {
		return nil, err
	}
	session, err := s.sessions.GetSession(ctx, claims.ID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrSessionInactive
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !session.Active(s.now()) {
		return nil, ErrSessionInactive
	}
	return claims, nil
}

// Validate checks a scanned token before the student checks in.
func (s *Service) Validate(ctx context.Context, token string) (*Validation, error) {
	claims, err := s.activeSession(ctx, token)
	if err != nil {
		return nil, err
	}
	class, err := s.classes.GetClass(ctx, claims.ClassID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	v := &Validation{
		Valid:     true,
		ClassID:   class.ID,
		ClassName: class.Name,
		TeacherID: claims.TeacherID,
	}
	if claims.ExpiresAt != nil {
		v.ExpiresAt = claims.ExpiresAt.Time
	}
	return v, nil
}

// CheckIn records that the student was in beacon range of an active session.
func (s *Service) CheckIn(ctx context.Context, token, studentID string, rssi *int) (*database.AttendanceRecord, error) {
	claims, err := s.activeSession(ctx, token)
	if err != nil {
		return nil, err
	}

	enrolled, err := s.classes.IsEnrolled(ctx, claims.ClassID, studentID)
	if err != nil {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return nil, ErrNotEnrolled
	}

	rec, err := s.records.MarkBLEVerified(ctx, studentID, claims.ClassID, rssi)
	if err != nil {
		return nil, fmt.Errorf("mark ble verified: %w", err)
	}

	s.log.Info("student checked in",
		zap.String("student_id", logger.SanitizeForLog(studentID)),
		zap.String("class_id", logger.SanitizeForLog(claims.ClassID)),
	)
	s.events.Publish(events.Event{
		Type:      events.StudentCheckedIn,
		ClassID:   claims.ClassID,
		StudentID: studentID,
		Data:      rec,
	})
	return rec, nil
}
