package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <student-id> <image-file>",
	Short: "Compare an image against a student's reference",
	Long: `Compare a local image against the enrolled reference of a student and
print the distance, confidence and match decision. No attendance record is
touched.`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().Bool("json", false, "Output as JSON")
}

type verifyOutput struct {
	StudentID  string  `json:"student_id"`
	Faces      int     `json:"faces"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Verified   bool    `json:"verified"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	studentID, path := args[0], args[1]
	jsonOutput := mustGetBool(cmd, "json")

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

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	ctx := context.Background()
	buf, err := p.codec.DecodeBytes(raw)
	if err != nil {
		return err
	}
	faces, err := p.extractor.Extract(ctx, buf)
	if err != nil {
		return fmt.Errorf("extracting faces: %w", err)
	}
	if len(faces) == 0 {
		return fmt.Errorf("no face detected in %s", path)
	}

	ref, err := p.references.Get(ctx, studentID)
	if err != nil {
		return fmt.Errorf("loading reference for %s: %w", studentID, err)
	}

	result, err := p.engine.Compare(ref, faces[0])
	if err != nil {
		return err
	}

	out := verifyOutput{
		StudentID:  studentID,
		Faces:      len(faces),
		Distance:   result.Distance,
		Confidence: result.Confidence,
		Verified:   result.Matched,
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printVerifyResult(out, p.engine)
	return nil
}

func printVerifyResult(out verifyOutput, engine *facematch.Engine) {
	fmt.Printf("Student:    %s\n", out.StudentID)
	fmt.Printf("Faces:      %d\n", out.Faces)
	fmt.Printf("Distance:   %.4f (tolerance %.2f)\n", out.Distance, engine.Tolerance)
	fmt.Printf("Confidence: %g\n", out.Confidence)
	if out.Verified {
		fmt.Println("Result:     MATCH")
	} else {
		fmt.Println("Result:     NO MATCH")
	}
}
