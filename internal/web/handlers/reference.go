package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/blobstore"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imagecodec"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/reference"
	"go.uber.org/zap"
)

// Enroller stores reference images.
type Enroller interface {
	Enroll(ctx context.Context, studentID string, raw []byte) (facematch.Descriptor, error)
}

// ReferenceHandler handles reference image enrollment.
type ReferenceHandler struct {
	enroller Enroller
	codec    *imagecodec.Codec
	log      *zap.Logger
}

// NewReferenceHandler creates a new reference handler.
func NewReferenceHandler(e Enroller, codec *imagecodec.Codec, log *zap.Logger) *ReferenceHandler {
	return &ReferenceHandler{enroller: e, codec: codec, log: log}
}

type enrollRequest struct {
	ImageData string `json:"image_data" validate:"required"`
}

// Put replaces the reference image of a student.
func (h *ReferenceHandler) Put(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	if _, err := blobstore.Key(studentID, ""); err != nil {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}

	var req enrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	raw, err := h.codec.Payload(req.ImageData)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid image data")
		return
	}

	d, err := h.enroller.Enroll(r.Context(), studentID, raw)
	switch {
	case errors.Is(err, imagecodec.ErrMalformed), errors.Is(err, imagecodec.ErrTooLarge):
		respondError(w, http.StatusBadRequest, "invalid image data")
		return
	case errors.Is(err, reference.ErrNoFace):
		respondError(w, http.StatusUnprocessableEntity, "no face detected in image")
		return
	case errors.Is(err, reference.ErrUnavailable):
		h.log.Error("enroll failed", zap.String("student_id", logger.SanitizeForLog(studentID)), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "reference store temporarily unavailable")
		return
	case err != nil:
		h.log.Error("enroll failed", zap.String("student_id", logger.SanitizeForLog(studentID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to enroll reference")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"student_id": studentID,
		"dim":        d.Dim(),
	})
}
