package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/reference"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [student-id image-file]",
	Short: "Store reference images for students",
	Long: `Store a reference image for one student, or for every image in a
directory with --dir. In directory mode the file name without extension is
the student id. Images without a detectable face are rejected.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("dir", "", "Enroll every image in this directory")
}

var enrollExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".webp": true,
}

// enrollFile maps a file to the student id it is enrolled under.
type enrollFile struct {
	studentID string
	path      string
}

// collectEnrollFiles lists images in dir, skipping subdirectories and
// unsupported extensions.
func collectEnrollFiles(dir string) ([]enrollFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var files []enrollFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !enrollExtensions[ext] {
			continue
		}
		files = append(files, enrollFile{
			studentID: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			path:      filepath.Join(dir, e.Name()),
		})
	}
	return files, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	dir := mustGetString(cmd, "dir")

	var files []enrollFile
	switch {
	case dir != "" && len(args) == 0:
		var err error
		if files, err = collectEnrollFiles(dir); err != nil {
			return err
		}
	case dir == "" && len(args) == 2:
		files = []enrollFile{{studentID: args[0], path: args[1]}}
	default:
		return errors.New("pass either <student-id> <image-file> or --dir")
	}
	if len(files) == 0 {
		fmt.Println("No images to enroll")
		return nil
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	var descriptors database.DescriptorStore
	if cfg.Database.URL != "" {
		pool, err := postgres.NewPool(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		defer pool.Close()
		descriptors = postgres.NewDescriptorRepository(pool)
	}

	p, err := newPipeline(cfg, descriptors, log)
	if err != nil {
		return err
	}
	defer p.Close()

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Enrolling references"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	ctx := context.Background()
	var failed int
	for _, f := range files {
		if err := enrollOne(ctx, p.references, f); err != nil {
			failed++
			log.Warn("enrollment failed", zap.String("student_id", f.studentID), zap.Error(err))
		}
		bar.Add(1) //nolint:errcheck
	}
	fmt.Println()

	fmt.Printf("Enrolled %d of %d references\n", len(files)-failed, len(files))
	if failed > 0 {
		return fmt.Errorf("%d enrollments failed", failed)
	}
	return nil
}

func enrollOne(ctx context.Context, refs *reference.Store, f enrollFile) error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	_, err = refs.Enroll(ctx, f.studentID, raw)
	return err
}
