package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/spf13/cobra"
)

var referenceCmd = &cobra.Command{
	Use:   "reference",
	Short: "Manage persisted reference descriptors",
}

var referenceForgetCmd = &cobra.Command{
	Use:   "forget <student-id>...",
	Short: "Drop persisted descriptors",
	Long: `Drop the persisted descriptors of the given students.
The next verification re-extracts the descriptor from the stored
reference image. Use it after replacing a reference image out of band.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReferenceForget,
}

func init() {
	rootCmd.AddCommand(referenceCmd)
	referenceCmd.AddCommand(referenceForgetCmd)
}

// forgetDescriptors deletes the descriptor of every student and reports
// each one to out.
func forgetDescriptors(ctx context.Context, store database.DescriptorStore, studentIDs []string, out io.Writer) error {
	var errs []error
	for _, id := range studentIDs {
		if err := store.DeleteDescriptor(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(out, "Forgot descriptor of %s\n", id)
	}
	return errors.Join(errs...)
}

func runReferenceForget(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	return forgetDescriptors(context.Background(), postgres.NewDescriptorRepository(pool), args, os.Stdout)
}
