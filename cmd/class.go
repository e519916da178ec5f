package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/spf13/cobra"
)

var classCmd = &cobra.Command{
	Use:   "class",
	Short: "Manage classes and rosters",
}

var classCreateCmd = &cobra.Command{
	Use:   "create <class-id>",
	Short: "Create or rename a class",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassCreate,
}

var classEnrollCmd = &cobra.Command{
	Use:   "enroll <class-id> <student-id>...",
	Short: "Add students to a class roster",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runClassEnroll,
}

var classShowCmd = &cobra.Command{
	Use:   "show <class-id>",
	Short: "Show a class and its roster",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassShow,
}

func init() {
	rootCmd.AddCommand(classCmd)
	classCmd.AddCommand(classCreateCmd)
	classCmd.AddCommand(classEnrollCmd)
	classCmd.AddCommand(classShowCmd)

	classCreateCmd.Flags().String("teacher", "", "Teacher who owns the class (required)")
	classCreateCmd.Flags().String("name", "", "Display name (defaults to the class id)")
}

func openClassRepository() (*postgres.ClassRepository, func(), error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("DATABASE_URL environment variable is required")
	}
	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	cleanup := func() {
		pool.Close()
		log.Sync() //nolint:errcheck
	}
	return postgres.NewClassRepository(pool), cleanup, nil
}

func runClassCreate(cmd *cobra.Command, args []string) error {
	teacher := mustGetString(cmd, "teacher")
	if teacher == "" {
		return errors.New("--teacher is required")
	}
	name := mustGetString(cmd, "name")
	if name == "" {
		name = args[0]
	}

	repo, cleanup, err := openClassRepository()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := repo.CreateClass(context.Background(), &database.Class{ID: args[0], TeacherID: teacher, Name: name}); err != nil {
		return err
	}
	fmt.Printf("Class %s saved\n", args[0])
	return nil
}

func runClassEnroll(cmd *cobra.Command, args []string) error {
	repo, cleanup, err := openClassRepository()
	if err != nil {
		return err
	}
	defer cleanup()

	classID, students := args[0], args[1:]
	if err := repo.Enroll(context.Background(), classID, students...); err != nil {
		return err
	}
	fmt.Printf("Enrolled %d students in %s\n", len(students), classID)
	return nil
}

func runClassShow(cmd *cobra.Command, args []string) error {
	repo, cleanup, err := openClassRepository()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	class, err := repo.GetClass(ctx, args[0])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("class %s not found", args[0])
		}
		return err
	}
	students, err := repo.ListStudents(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Class:    %s (%s)\n", class.ID, class.Name)
	fmt.Printf("Teacher:  %s\n", class.TeacherID)
	fmt.Printf("Status:   %s\n", class.Status)
	fmt.Printf("Students: %d\n", len(students))
	for _, s := range students {
		fmt.Printf("  %s\n", s)
	}
	return nil
}
