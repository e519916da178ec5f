package handlers

import (
	"context"
	"net/http"

	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/verification"
	"go.uber.org/zap"
)

// Verifier runs face verification attempts.
type Verifier interface {
	Verify(ctx context.Context, req verification.Request) (verification.Outcome, error)
}

// VerifyHandler handles face verification requests.
type VerifyHandler struct {
	verifier Verifier
	log      *zap.Logger
}

// NewVerifyHandler creates a new verify handler.
func NewVerifyHandler(v Verifier, log *zap.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: v, log: log}
}

type verifyRequest struct {
	StudentID string `json:"student_id" validate:"required,identity,max=128"`
	ClassID   string `json:"class_id" validate:"required,max=128"`
	ImageData string `json:"image_data" validate:"required"`
}

// Verify checks a captured image against the student's reference face.
// Negative outcomes are 200 responses; only failures of the service itself
// map to error statuses.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, err := h.verifier.Verify(r.Context(), verification.Request{
		StudentID: req.StudentID,
		ClassID:   req.ClassID,
		ImageData: req.ImageData,
	})
	if err != nil {
		status := http.StatusInternalServerError
		message := "verification failed"
		if verification.KindOf(err) == verification.StoreUnavailable {
			status = http.StatusServiceUnavailable
			message = "verification temporarily unavailable"
		}
		h.log.Error("verify-face failed",
			zap.String("student_id", logger.SanitizeForLog(req.StudentID)),
			zap.Int("status", status),
			zap.Error(err),
		)
		respondError(w, status, message)
		return
	}

	respondJSON(w, http.StatusOK, outcome)
}
