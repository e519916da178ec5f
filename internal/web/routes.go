package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	verifyHandler := handlers.NewVerifyHandler(s.deps.Verifier, s.log)
	referenceHandler := handlers.NewReferenceHandler(s.deps.Enroller, s.deps.Codec, s.log)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Event streams stay open, everything else is bounded.
		if s.deps.Events != nil {
			eventsHandler := handlers.NewEventsHandler(s.deps.Events, s.log)
			r.Get("/classes/{classID}/events", eventsHandler.Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(60 * time.Second))

			r.Post("/verify-face", verifyHandler.Verify)
			r.Put("/students/{studentID}/reference", referenceHandler.Put)

			// Attendance routes need the database and a session secret.
			if s.deps.Proximity != nil && s.deps.Records != nil {
				attendanceHandler := handlers.NewAttendanceHandler(s.deps.Proximity, s.deps.Records, s.log)
				r.Post("/attendance/sessions", attendanceHandler.StartSession)
				r.Post("/attendance/sessions/validate", attendanceHandler.ValidateSession)
				r.Post("/attendance/sessions/{sessionID}/end", attendanceHandler.EndSession)
				r.Post("/attendance/check-in", attendanceHandler.CheckIn)
				r.Get("/classes/{classID}/attendance", attendanceHandler.ListByClass)
			}
		})
	})

	s.router.NotFound(handlers.NotFound)
}
