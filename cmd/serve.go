package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/events"
	"github.com/kozaktomas/face-attendance/internal/proximity"
	"github.com/kozaktomas/face-attendance/internal/verification"
	"github.com/kozaktomas/face-attendance/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the Face Attendance HTTP API.
The server exposes face verification, reference enrollment and, when
SESSION_SECRET is set, the proximity session and check-in endpoints.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Bool("skip-migrations", false, "Do not apply pending database migrations on startup")
}

// applyServeFlags lets command line flags override the environment.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
}

// pruneSessions deletes expired attendance sessions until ctx is done.
func pruneSessions(ctx context.Context, repo *postgres.SessionRepository, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteExpired(ctx)
			if err != nil {
				log.Warn("failed to prune expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("pruned expired sessions", zap.Int64("count", n))
			}
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	applyServeFlags(cmd, cfg)

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	log.Info("connecting to PostgreSQL")
	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !mustGetBool(cmd, "skip-migrations") {
		applied, err := pool.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		for _, name := range applied {
			log.Info("applied migration", zap.String("file", name))
		}
	}

	records := postgres.NewAttendanceRepository(pool)
	descriptors := postgres.NewDescriptorRepository(pool)

	p, err := newPipeline(cfg, descriptors, log)
	if err != nil {
		return err
	}
	defer p.Close()

	hub := events.NewHub()
	verifier := verification.NewService(p.codec, p.extractor, p.references, p.engine, records, verification.Options{
		MultiFacePolicy: cfg.Face.MultiFacePolicy,
		Logger:          log,
		Events:          hub,
	})

	deps := web.Dependencies{
		Verifier: verifier,
		Enroller: p.references,
		Codec:    p.codec,
		Events:   hub,
	}

	if cfg.Session.Secret != "" {
		sessions := postgres.NewSessionRepository(pool)
		svc, err := proximity.NewService(cfg.Session.Secret, cfg.Session.TTL,
			postgres.NewClassRepository(pool), sessions, records, log)
		if err != nil {
			return err
		}
		svc.SetPublisher(hub)
		deps.Proximity = svc
		deps.Records = records
		go pruneSessions(ctx, sessions, time.Minute, log)
		log.Info("attendance sessions enabled", zap.Duration("ttl", cfg.Session.TTL))
	} else {
		log.Warn("SESSION_SECRET not set, attendance session endpoints disabled")
	}

	server := web.NewServer(cfg, deps, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	}()

	log.Info("face attendance API ready",
		zap.String("host", cfg.Web.Host),
		zap.Int("port", cfg.Web.Port),
		zap.String("extractor", cfg.Extractor.Backend),
		zap.String("reference_backend", cfg.Reference.Backend),
	)

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
