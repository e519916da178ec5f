package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/proximity"
	"go.uber.org/zap"
)

// AttendanceHandler handles attendance session and check-in endpoints.
type AttendanceHandler struct {
	sessions *proximity.Service
	records  database.AttendanceReader
	log      *zap.Logger
}

// NewAttendanceHandler creates a new attendance handler.
func NewAttendanceHandler(sessions *proximity.Service, records database.AttendanceReader, log *zap.Logger) *AttendanceHandler {
	return &AttendanceHandler{sessions: sessions, records: records, log: log}
}

type startSessionRequest struct {
	ClassID   string `json:"class_id" validate:"required,max=128"`
	TeacherID string `json:"teacher_id" validate:"required,max=128"`
}

type endSessionRequest struct {
	TeacherID string `json:"teacher_id" validate:"required,max=128"`
}

type validateSessionRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
}

type checkInRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
	StudentID    string `json:"student_id" validate:"required,identity,max=128"`
	RSSI         *int   `json:"rssi" validate:"omitempty,gte=-127,lte=20"`
}

// StartSession activates a class and returns the token its beacon advertises.
func (h *AttendanceHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.sessions.Start(r.Context(), req.ClassID, req.TeacherID)
	if errors.Is(err, proximity.ErrClassNotFound) {
		respondError(w, http.StatusNotFound, "class not found")
		return
	}
	if err != nil {
		h.log.Error("start session failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	respondJSON(w, http.StatusOK, session)
}

// EndSession stops a running session.
func (h *AttendanceHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.sessions.End(r.Context(), chi.URLParam(r, "sessionID"), req.TeacherID)
	switch {
	case errors.Is(err, proximity.ErrSessionInactive), errors.Is(err, proximity.ErrClassNotFound):
		respondError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.log.Error("end session failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to end session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ValidateSession lets a student client check a scanned beacon token.
func (h *AttendanceHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req validateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	v, err := h.sessions.Validate(r.Context(), req.SessionToken)
	switch {
	case errors.Is(err, proximity.ErrInvalidToken):
		respondError(w, http.StatusUnauthorized, "invalid session token")
		return
	case errors.Is(err, proximity.ErrSessionInactive):
		respondError(w, http.StatusUnauthorized, "session expired")
		return
	case errors.Is(err, proximity.ErrClassNotFound):
		respondError(w, http.StatusNotFound, "class not found")
		return
	case err != nil:
		h.log.Error("validate session failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to validate session")
		return
	}

	respondJSON(w, http.StatusOK, v)
}

// CheckIn records a student's presence in beacon range.
func (h *AttendanceHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.sessions.CheckIn(r.Context(), req.SessionToken, req.StudentID, req.RSSI)
	switch {
	case errors.Is(err, proximity.ErrInvalidToken), errors.Is(err, proximity.ErrSessionInactive):
		respondError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	case errors.Is(err, proximity.ErrNotEnrolled):
		respondError(w, http.StatusForbidden, "student is not enrolled in this class")
		return
	case err != nil:
		h.log.Error("check-in failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to mark attendance")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"record": rec})
}

// ListByClass returns all attendance records of a class.
func (h *AttendanceHandler) ListByClass(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "classID")

	records, err := h.records.ListByClass(r.Context(), classID)
	if err != nil {
		h.log.Error("list attendance failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if records == nil {
		records = []database.AttendanceRecord{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}
